package storage

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/curtailr/curtailr/pkg/types"
)

// Memory is an in-process Database. Every method holds a single mutex so each
// call is atomic with respect to the others.
type Memory struct {
	mu      sync.Mutex
	tenants map[string]types.Tenant
	plants  map[string]types.Plant
	devices map[string]types.Device
	prices  map[string]types.PricePeriod
	audit   []types.AuditEntry
	closed  bool
}

var _ Database = (*Memory)(nil)

// NewMemory returns an empty in-memory Database.
func NewMemory() *Memory {
	return &Memory{
		tenants: make(map[string]types.Tenant),
		plants:  make(map[string]types.Plant),
		devices: make(map[string]types.Device),
		prices:  make(map[string]types.PricePeriod),
	}
}

func priceKey(date, label string) string {
	return date + "/" + label
}

func (m *Memory) check() error {
	if m.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}

func (m *Memory) GetPrice(ctx context.Context, date, label string) (types.PricePeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return types.PricePeriod{}, err
	}
	p, ok := m.prices[priceKey(date, label)]
	if !ok {
		return types.PricePeriod{}, fmt.Errorf("%w: %s %s", ErrPriceNotFound, date, label)
	}
	return p, nil
}

func (m *Memory) UpsertPrice(ctx context.Context, price types.PricePeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.prices[priceKey(price.Date, price.Label)] = price
	return nil
}

func (m *Memory) ListEnabledPlants(ctx context.Context) ([]types.Plant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var plants []types.Plant
	for _, p := range m.plants {
		if p.ControlEnabled() {
			plants = append(plants, p)
		}
	}
	sort.Slice(plants, func(i, j int) bool { return plants[i].ID < plants[j].ID })
	return plants, nil
}

func (m *Memory) GetPlant(ctx context.Context, plantID string) (types.Plant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return types.Plant{}, err
	}
	p, ok := m.plants[plantID]
	if !ok {
		return types.Plant{}, fmt.Errorf("%w: %s", ErrPlantNotFound, plantID)
	}
	return p, nil
}

func (m *Memory) ListDevices(ctx context.Context, plantID string, deviceType types.DeviceType) ([]types.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var devices []types.Device
	for _, d := range m.devices {
		if d.PlantID == plantID && d.Type == deviceType {
			devices = append(devices, d)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (m *Memory) UpsertPlant(ctx context.Context, plant types.Plant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if plant.ID == "" {
		return fmt.Errorf("plant id cannot be empty")
	}
	m.plants[plant.ID] = plant
	return nil
}

func (m *Memory) UpsertDevice(ctx context.Context, device types.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if device.ID == "" {
		return fmt.Errorf("device id cannot be empty")
	}
	m.devices[device.ID] = device
	return nil
}

func (m *Memory) GetTenant(ctx context.Context, tenantID string) (types.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return types.Tenant{}, err
	}
	t, ok := m.tenants[tenantID]
	if !ok {
		return types.Tenant{}, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	// hand out a copy so callers can't mutate stored tokens
	t.Tokens = maps.Clone(t.Tokens)
	return t, nil
}

func (m *Memory) UpsertTenant(ctx context.Context, tenant types.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if tenant.ID == "" {
		return fmt.Errorf("tenant id cannot be empty")
	}
	tenant.Tokens = maps.Clone(tenant.Tokens)
	m.tenants[tenant.ID] = tenant
	return nil
}

func (m *Memory) UpdateTenantTokens(ctx context.Context, tenantID string, vendor types.Vendor, tokens types.VendorTokens, entry types.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	t, ok := m.tenants[tenantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	t.Tokens = maps.Clone(t.Tokens)
	if t.Tokens == nil {
		t.Tokens = make(map[types.Vendor]types.VendorTokens)
	}
	t.Tokens[vendor] = tokens
	m.tenants[tenantID] = t
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) UpdatePlantStatus(ctx context.Context, plantID string, status types.PlantStatus, entry types.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	p, ok := m.plants[plantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlantNotFound, plantID)
	}
	p.Status = status
	m.plants[plantID] = p
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, entry types.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, start, end time.Time) ([]types.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var entries []types.AuditEntry
	for _, e := range m.audit {
		if !e.Timestamp.Before(start) && e.Timestamp.Before(end) {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	return entries, nil
}

// AuditEntries returns every stored entry in insertion order.
func (m *Memory) AuditEntries() []types.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
