package storagemock

import (
	"context"
	"time"

	"github.com/curtailr/curtailr/pkg/storage"
	"github.com/curtailr/curtailr/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetPrice(ctx context.Context, date, label string) (types.PricePeriod, error) {
	args := m.Called(ctx, date, label)
	return args.Get(0).(types.PricePeriod), args.Error(1)
}

func (m *MockDatabase) UpsertPrice(ctx context.Context, price types.PricePeriod) error {
	args := m.Called(ctx, price)
	return args.Error(0)
}

func (m *MockDatabase) ListEnabledPlants(ctx context.Context) ([]types.Plant, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.Plant), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetPlant(ctx context.Context, plantID string) (types.Plant, error) {
	args := m.Called(ctx, plantID)
	return args.Get(0).(types.Plant), args.Error(1)
}

func (m *MockDatabase) ListDevices(ctx context.Context, plantID string, deviceType types.DeviceType) ([]types.Device, error) {
	args := m.Called(ctx, plantID, deviceType)
	if len(args) > 0 {
		return args.Get(0).([]types.Device), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertPlant(ctx context.Context, plant types.Plant) error {
	args := m.Called(ctx, plant)
	return args.Error(0)
}

func (m *MockDatabase) UpsertDevice(ctx context.Context, device types.Device) error {
	args := m.Called(ctx, device)
	return args.Error(0)
}

func (m *MockDatabase) GetTenant(ctx context.Context, tenantID string) (types.Tenant, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(types.Tenant), args.Error(1)
}

func (m *MockDatabase) UpsertTenant(ctx context.Context, tenant types.Tenant) error {
	args := m.Called(ctx, tenant)
	return args.Error(0)
}

func (m *MockDatabase) UpdateTenantTokens(ctx context.Context, tenantID string, vendor types.Vendor, tokens types.VendorTokens, entry types.AuditEntry) error {
	args := m.Called(ctx, tenantID, vendor, tokens, entry)
	return args.Error(0)
}

func (m *MockDatabase) UpdatePlantStatus(ctx context.Context, plantID string, status types.PlantStatus, entry types.AuditEntry) error {
	args := m.Called(ctx, plantID, status, entry)
	return args.Error(0)
}

func (m *MockDatabase) AppendAudit(ctx context.Context, entry types.AuditEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockDatabase) ListAudit(ctx context.Context, start, end time.Time) ([]types.AuditEntry, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.AuditEntry), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
