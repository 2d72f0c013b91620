package server

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/curtailr/curtailr/pkg/metrics"
	"github.com/curtailr/curtailr/pkg/period"
	"github.com/curtailr/curtailr/pkg/storage"
	"github.com/curtailr/curtailr/pkg/token"
	"github.com/curtailr/curtailr/pkg/types"
	"github.com/curtailr/curtailr/pkg/vault"
	"github.com/curtailr/curtailr/pkg/vendor"
	"github.com/stretchr/testify/require"
)

// fakeVendor accepts every command unless sendErr is set.
type fakeVendor struct {
	id types.Vendor

	// delay slows every SendCommand down.
	delay time.Duration

	mu      sync.Mutex
	sendErr error
	sent    []vendor.Command
}

func (f *fakeVendor) ID() types.Vendor { return f.id }

func (f *fakeVendor) DeviceType(topology vendor.Topology) types.DeviceType {
	switch {
	case f.id == types.VendorHuawei && topology == vendor.TopologyEMS:
		return types.DeviceTypeHuaweiEMS
	case topology == vendor.TopologyEMS:
		return types.DeviceTypeSungrowEMS
	default:
		return types.DeviceTypeSungrowInverter
	}
}

func (f *fakeVendor) Exchange(ctx context.Context, refreshToken string) (token.Grant, error) {
	return token.Grant{AccessToken: "fresh", ExpiresIn: time.Hour}, nil
}

func (f *fakeVendor) SendCommand(ctx context.Context, accessToken string, cmd vendor.Command) (vendor.Response, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	if f.sendErr != nil {
		return vendor.Response{}, f.sendErr
	}
	return vendor.Response{Summary: "ok"}, nil
}

func (f *fakeVendor) commands() []vendor.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vendor.Command(nil), f.sent...)
}

type fixture struct {
	srv     *Server
	db      *storage.Memory
	sungrow *fakeVendor
	huawei  *fakeVendor
	metrics *metrics.Metrics
	vault   *vault.Vault
	loc     *time.Location
}

// newFixture returns a server whose clock is fixed at 2026-10-19 10:13 in
// Sofia. At that minute the shutdown pass reads "QH 38".
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	loc, err := time.LoadLocation("Europe/Sofia")
	require.NoError(t, err)
	v, err := vault.New("01234567890123456789012345678901")
	require.NoError(t, err)

	db := storage.NewMemory()
	access, err := v.Encrypt(ctx, "access")
	require.NoError(t, err)
	refresh, err := v.Encrypt(ctx, "refresh")
	require.NoError(t, err)
	expiry := time.Now().Add(time.Hour)
	require.NoError(t, db.UpsertTenant(ctx, types.Tenant{
		ID:   "t1",
		Name: "Acme",
		Tokens: map[types.Vendor]types.VendorTokens{
			types.VendorSungrow: {AccessToken: access, RefreshToken: refresh, AccessTokenExpiresAt: &expiry},
			types.VendorHuawei:  {AccessToken: access, RefreshToken: refresh, AccessTokenExpiresAt: &expiry},
		},
	}))

	sungrow := &fakeVendor{id: types.VendorSungrow}
	huawei := &fakeVendor{id: types.VendorHuawei}
	vendors := vendor.NewMap()
	vendors.Set(sungrow)
	vendors.Set(huawei)

	m := metrics.New()
	srv := New(db, vendors, v, period.NewResolver(loc), m)
	f := &fixture{
		srv:     srv,
		db:      db,
		sungrow: sungrow,
		huawei:  huawei,
		metrics: m,
		vault:   v,
		loc:     loc,
	}
	f.setClock(time.Date(2026, 10, 19, 10, 13, 0, 0, loc))
	return f
}

func (f *fixture) setClock(now time.Time) {
	clock := func() time.Time { return now }
	f.srv.now = clock
	f.srv.recorder.SetClock(clock)
}

func (f *fixture) addPlant(t *testing.T, plant types.Plant) types.Plant {
	t.Helper()
	if plant.TenantID == "" {
		plant.TenantID = "t1"
	}
	if plant.Vendor == "" {
		plant.Vendor = types.VendorSungrow
	}
	require.NoError(t, f.db.UpsertPlant(context.Background(), plant))
	return plant
}

func (f *fixture) addDevice(t *testing.T, plantID, id string, typ types.DeviceType) {
	t.Helper()
	require.NoError(t, f.db.UpsertDevice(context.Background(), types.Device{
		ID:       id,
		PlantID:  plantID,
		Type:     typ,
		VendorID: "sn-" + id,
	}))
}

func (f *fixture) addPrice(t *testing.T, label string, price float64) {
	t.Helper()
	require.NoError(t, f.db.UpsertPrice(context.Background(), types.PricePeriod{
		Date:  "2026-10-19",
		Label: label,
		Price: price,
	}))
}

func (f *fixture) plantStatus(t *testing.T, plantID string) types.PlantStatus {
	t.Helper()
	p, err := f.db.GetPlant(context.Background(), plantID)
	require.NoError(t, err)
	return p.Status
}

// auditMentioning returns the audit messages containing substr.
func (f *fixture) auditMentioning(substr string) []string {
	var msgs []string
	for _, e := range f.db.AuditEntries() {
		if strings.Contains(e.Message, substr) {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}

func threshold(f float64) *float64 {
	return &f
}
