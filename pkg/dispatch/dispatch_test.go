package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/curtailr/curtailr/pkg/metrics"
	"github.com/curtailr/curtailr/pkg/storage"
	"github.com/curtailr/curtailr/pkg/token"
	"github.com/curtailr/curtailr/pkg/types"
	"github.com/curtailr/curtailr/pkg/vault"
	"github.com/curtailr/curtailr/pkg/vendor"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVendor answers SendCommand from a queue of errors and records calls.
type fakeVendor struct {
	sendErrs  []error
	sent      []vendor.Command
	tokens    []string
	exchanges int
}

func (f *fakeVendor) ID() types.Vendor { return types.VendorSungrow }

func (f *fakeVendor) DeviceType(topology vendor.Topology) types.DeviceType {
	if topology == vendor.TopologyEMS {
		return types.DeviceTypeSungrowEMS
	}
	return types.DeviceTypeSungrowInverter
}

func (f *fakeVendor) Exchange(ctx context.Context, refreshToken string) (token.Grant, error) {
	f.exchanges++
	return token.Grant{
		AccessToken: fmt.Sprintf("access-%d", f.exchanges),
		ExpiresIn:   time.Hour,
	}, nil
}

func (f *fakeVendor) SendCommand(ctx context.Context, accessToken string, cmd vendor.Command) (vendor.Response, error) {
	f.sent = append(f.sent, cmd)
	f.tokens = append(f.tokens, accessToken)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return vendor.Response{}, err
		}
	}
	return vendor.Response{Summary: "ok"}, nil
}

type fixture struct {
	db      *storage.Memory
	fake    *fakeVendor
	d       *Dispatcher
	metrics *metrics.Metrics
	plant   types.Plant
}

func newFixture(t *testing.T, hasBattery bool) *fixture {
	t.Helper()
	ctx := context.Background()
	v, err := vault.New("01234567890123456789012345678901")
	require.NoError(t, err)

	access, err := v.Encrypt(ctx, "stored-access")
	require.NoError(t, err)
	refresh, err := v.Encrypt(ctx, "stored-refresh")
	require.NoError(t, err)
	expiry := time.Now().Add(time.Hour)

	db := storage.NewMemory()
	require.NoError(t, db.UpsertTenant(ctx, types.Tenant{
		ID: "t1",
		Tokens: map[types.Vendor]types.VendorTokens{
			types.VendorSungrow: {AccessToken: access, RefreshToken: refresh, AccessTokenExpiresAt: &expiry},
		},
	}))
	threshold := 50.0
	plant := types.Plant{
		ID:               "p1",
		TenantID:         "t1",
		Name:             "Roof A",
		Vendor:           types.VendorSungrow,
		HasBattery:       hasBattery,
		InstalledPowerKW: 100,
		Threshold:        &threshold,
		Status:           types.PlantStatusOn,
	}
	require.NoError(t, db.UpsertPlant(ctx, plant))

	fake := &fakeVendor{}
	vendors := vendor.NewMap()
	vendors.Set(fake)
	m := metrics.New()

	return &fixture{
		db:      db,
		fake:    fake,
		d:       New(db, vendors, v, m),
		metrics: m,
		plant:   plant,
	}
}

func (f *fixture) addDevice(t *testing.T, id string, typ types.DeviceType, vendorID string) {
	t.Helper()
	require.NoError(t, f.db.UpsertDevice(context.Background(), types.Device{
		ID:       id,
		PlantID:  f.plant.ID,
		Type:     typ,
		VendorID: vendorID,
	}))
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("Device Topology Batches Inverters", func(t *testing.T) {
		f := newFixture(t, false)
		f.addDevice(t, "d1", types.DeviceTypeSungrowInverter, "111")
		f.addDevice(t, "d2", types.DeviceTypeSungrowInverter, "222")
		f.addDevice(t, "d3", types.DeviceTypeSungrowEMS, "900")

		res, err := f.d.Dispatch(ctx, f.plant, vendor.ActionShutdown)
		require.NoError(t, err)
		assert.Equal(t, vendor.TopologyDevice, res.Topology)
		assert.False(t, res.Refreshed)

		require.Len(t, f.fake.sent, 1)
		assert.ElementsMatch(t, []string{"111", "222"}, f.fake.sent[0].DeviceIDs)
		assert.Equal(t, "stored-access", f.fake.tokens[0])
		assert.Zero(t, f.fake.exchanges)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommandsTotal.WithLabelValues("sungrow", "shutdown", "ok")))
	})

	t.Run("EMS Topology Uses One Controller", func(t *testing.T) {
		f := newFixture(t, true)
		f.addDevice(t, "d1", types.DeviceTypeSungrowInverter, "111")
		f.addDevice(t, "d3", types.DeviceTypeSungrowEMS, "900")

		res, err := f.d.Dispatch(ctx, f.plant, vendor.ActionStart)
		require.NoError(t, err)
		assert.Equal(t, vendor.TopologyEMS, res.Topology)
		require.Len(t, f.fake.sent, 1)
		assert.Equal(t, []string{"900"}, f.fake.sent[0].DeviceIDs)
		assert.Equal(t, 100.0, f.fake.sent[0].InstalledPowerKW)
		assert.Equal(t, vendor.ActionStart, f.fake.sent[0].Action)
	})

	t.Run("No Device Found", func(t *testing.T) {
		f := newFixture(t, true)
		f.addDevice(t, "d1", types.DeviceTypeSungrowInverter, "111")

		_, err := f.d.Dispatch(ctx, f.plant, vendor.ActionShutdown)
		assert.ErrorIs(t, err, types.ErrTopology)
		assert.Empty(t, f.fake.sent, "nothing is sent without a device")
	})

	t.Run("Auth Failure Refreshes Once", func(t *testing.T) {
		f := newFixture(t, false)
		f.addDevice(t, "d1", types.DeviceTypeSungrowInverter, "111")
		f.fake.sendErrs = []error{types.ErrAuthExpired, nil}

		res, err := f.d.Dispatch(ctx, f.plant, vendor.ActionShutdown)
		require.NoError(t, err)
		assert.True(t, res.Refreshed)
		assert.Equal(t, 1, f.fake.exchanges)
		assert.Equal(t, []string{"stored-access", "access-1"}, f.fake.tokens)

		// the refresh is audited against the tenant
		entries := f.db.AuditEntries()
		require.Len(t, entries, 1)
		assert.Equal(t, "tenant_id=t1", entries[0].Principal)
	})

	t.Run("Repeated Auth Failure Gives Up", func(t *testing.T) {
		f := newFixture(t, false)
		f.addDevice(t, "d1", types.DeviceTypeSungrowInverter, "111")
		f.fake.sendErrs = []error{types.ErrAuthExpired, types.ErrAuthExpired, types.ErrAuthExpired}

		_, err := f.d.Dispatch(ctx, f.plant, vendor.ActionShutdown)
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrTransientNetwork)
		assert.Equal(t, 1, f.fake.exchanges, "refresh at most once")
		assert.Len(t, f.fake.sent, 2, "retry at most once")
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CommandsTotal.WithLabelValues("sungrow", "shutdown", "error")))
	})

	t.Run("Other Errors Are Not Retried", func(t *testing.T) {
		f := newFixture(t, false)
		f.addDevice(t, "d1", types.DeviceTypeSungrowInverter, "111")
		f.fake.sendErrs = []error{fmt.Errorf("%w: status 502", types.ErrTransientNetwork)}

		_, err := f.d.Dispatch(ctx, f.plant, vendor.ActionStart)
		assert.ErrorIs(t, err, types.ErrTransientNetwork)
		assert.Len(t, f.fake.sent, 1)
		assert.Zero(t, f.fake.exchanges)
	})

	t.Run("Expired Token Refreshed Before Sending", func(t *testing.T) {
		f := newFixture(t, false)
		f.addDevice(t, "d1", types.DeviceTypeSungrowInverter, "111")
		tenant, err := f.db.GetTenant(ctx, "t1")
		require.NoError(t, err)
		toks := tenant.Tokens[types.VendorSungrow]
		past := time.Now().Add(-time.Minute)
		toks.AccessTokenExpiresAt = &past
		require.NoError(t, f.db.UpdateTenantTokens(ctx, "t1", types.VendorSungrow, toks, types.NewAuditEntry(time.Now(), "test", "expire")))

		res, err := f.d.Dispatch(ctx, f.plant, vendor.ActionShutdown)
		require.NoError(t, err)
		assert.False(t, res.Refreshed)
		assert.Equal(t, 1, f.fake.exchanges)
		assert.Equal(t, []string{"access-1"}, f.fake.tokens)
	})

	t.Run("Unconfigured Vendor", func(t *testing.T) {
		f := newFixture(t, false)
		plant := f.plant
		plant.Vendor = types.VendorHuawei

		_, err := f.d.Dispatch(ctx, plant, vendor.ActionShutdown)
		assert.ErrorIs(t, err, types.ErrConfig)
	})
}
