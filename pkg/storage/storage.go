package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/curtailr/curtailr/pkg/types"
	"github.com/levenlabs/go-lflag"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrPlantNotFound  = errors.New("plant not found")
	ErrPriceNotFound  = errors.New("price not found")
)

// Database is the transactional store consumed by the control loop.
type Database interface {
	// Prices
	// GetPrice returns ErrPriceNotFound when no row exists for (date, label).
	GetPrice(ctx context.Context, date, label string) (types.PricePeriod, error)
	UpsertPrice(ctx context.Context, price types.PricePeriod) error

	// Inventory
	// ListEnabledPlants returns every plant that has a threshold set.
	ListEnabledPlants(ctx context.Context) ([]types.Plant, error)
	GetPlant(ctx context.Context, plantID string) (types.Plant, error)
	ListDevices(ctx context.Context, plantID string, deviceType types.DeviceType) ([]types.Device, error)
	UpsertPlant(ctx context.Context, plant types.Plant) error
	UpsertDevice(ctx context.Context, device types.Device) error

	// Tenants
	GetTenant(ctx context.Context, tenantID string) (types.Tenant, error)
	UpsertTenant(ctx context.Context, tenant types.Tenant) error
	// UpdateTenantTokens replaces the tenant's tokens for vendor and appends
	// entry in one transaction.
	UpdateTenantTokens(ctx context.Context, tenantID string, vendor types.Vendor, tokens types.VendorTokens, entry types.AuditEntry) error

	// Control state
	// UpdatePlantStatus writes the plant status and appends entry in one
	// transaction.
	UpdatePlantStatus(ctx context.Context, plantID string, status types.PlantStatus, entry types.AuditEntry) error

	// Audit
	AppendAudit(ctx context.Context, entry types.AuditEntry) error
	// ListAudit returns entries in [start, end) newest first.
	ListAudit(ctx context.Context, start, end time.Time) ([]types.AuditEntry, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, postgres, memory)")

	var p struct{ Database }

	fs := configuredFirestore()
	pg := configuredPostgres()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "postgres":
			if err := pg.Validate(); err != nil {
				panic(fmt.Sprintf("postgres validation failed: %v", err))
			}
			p.Database = pg
			if err := pg.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("postgres init failed: %v", err))
			}
		case "memory":
			p.Database = NewMemory()
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
