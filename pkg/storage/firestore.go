package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/curtailr/curtailr/pkg/log"
	"github.com/curtailr/curtailr/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collTenants = "tenants"
	collPlants  = "plants"
	collDevices = "devices"
	collPrices  = "prices"
	collAudit   = "audit"
)

// FirestoreProvider implements Database using Google Cloud Firestore. Each
// record is stored as a JSON string in the "json" field, with the few fields
// needed for queries copied alongside it.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

var _ Database = (*FirestoreProvider)(nil)

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// an empty project id is detected from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func decodeDoc[T any](ctx context.Context, doc *firestore.DocumentSnapshot, kind string) (T, error) {
	var v T
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc missing json", slog.String("id", doc.Ref.ID))
		return v, fmt.Errorf("%s %s missing json: %w", kind, doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, kind+" doc json not string", slog.String("id", doc.Ref.ID))
		return v, fmt.Errorf("%s %s json not string", kind, doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), &v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal "+kind, slog.String("id", doc.Ref.ID), slog.Any("err", err))
		return v, fmt.Errorf("failed to unmarshal %s %s: %w", kind, doc.Ref.ID, err)
	}
	return v, nil
}

func marshalString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func priceDocID(date, label string) string {
	return date + "|" + label
}

func auditDoc(entry types.AuditEntry) (string, map[string]interface{}, error) {
	jsonStr, err := marshalString(entry)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	// timestamp first so document ids sort chronologically
	docID := entry.Timestamp.UTC().Format(time.RFC3339Nano) + "_" + entry.ID
	return docID, map[string]interface{}{
		"json":      jsonStr,
		"timestamp": entry.Timestamp,
	}, nil
}

// GetPrice retrieves the price for (date, label) from the "prices" collection.
func (f *FirestoreProvider) GetPrice(ctx context.Context, date, label string) (types.PricePeriod, error) {
	doc, err := f.client.Collection(collPrices).Doc(priceDocID(date, label)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.PricePeriod{}, fmt.Errorf("%w: %s %s", ErrPriceNotFound, date, label)
		}
		return types.PricePeriod{}, fmt.Errorf("failed to get price %s %s: %w", date, label, err)
	}
	return decodeDoc[types.PricePeriod](ctx, doc, "price")
}

// UpsertPrice adds or replaces the price for (date, label).
func (f *FirestoreProvider) UpsertPrice(ctx context.Context, price types.PricePeriod) error {
	jsonStr, err := marshalString(price)
	if err != nil {
		return fmt.Errorf("failed to marshal price: %w", err)
	}
	_, err = f.client.Collection(collPrices).Doc(priceDocID(price.Date, price.Label)).Set(ctx, map[string]interface{}{
		"json": jsonStr,
		"date": price.Date,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert price: %w", err)
	}
	return nil
}

// ListEnabledPlants retrieves all plants with a threshold set.
func (f *FirestoreProvider) ListEnabledPlants(ctx context.Context) ([]types.Plant, error) {
	iter := f.client.Collection(collPlants).
		Where("controlEnabled", "==", true).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var plants []types.Plant
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating plants: %w", err)
		}
		p, err := decodeDoc[types.Plant](ctx, doc, "plant")
		if err != nil {
			// skip malformed documents
			continue
		}
		plants = append(plants, p)
	}
	return plants, nil
}

// GetPlant retrieves a plant from the "plants" collection.
func (f *FirestoreProvider) GetPlant(ctx context.Context, plantID string) (types.Plant, error) {
	doc, err := f.client.Collection(collPlants).Doc(plantID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Plant{}, fmt.Errorf("%w: %s", ErrPlantNotFound, plantID)
		}
		return types.Plant{}, fmt.Errorf("failed to get plant %s: %w", plantID, err)
	}
	return decodeDoc[types.Plant](ctx, doc, "plant")
}

func plantFields(plant types.Plant) (map[string]interface{}, error) {
	jsonStr, err := marshalString(plant)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plant %s: %w", plant.ID, err)
	}
	return map[string]interface{}{
		"json":           jsonStr,
		"controlEnabled": plant.ControlEnabled(),
		"tenantID":       plant.TenantID,
	}, nil
}

// UpsertPlant creates or replaces a plant document.
func (f *FirestoreProvider) UpsertPlant(ctx context.Context, plant types.Plant) error {
	if plant.ID == "" {
		return fmt.Errorf("plant id cannot be empty")
	}
	fields, err := plantFields(plant)
	if err != nil {
		return err
	}
	if _, err := f.client.Collection(collPlants).Doc(plant.ID).Set(ctx, fields); err != nil {
		return fmt.Errorf("failed to upsert plant %s: %w", plant.ID, err)
	}
	return nil
}

// ListDevices retrieves the devices of a plant with the given type code.
func (f *FirestoreProvider) ListDevices(ctx context.Context, plantID string, deviceType types.DeviceType) ([]types.Device, error) {
	iter := f.client.Collection(collDevices).
		Where("plantID", "==", plantID).
		Where("type", "==", int(deviceType)).
		Documents(ctx)
	defer iter.Stop()

	var devices []types.Device
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating devices: %w", err)
		}
		d, err := decodeDoc[types.Device](ctx, doc, "device")
		if err != nil {
			continue
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// UpsertDevice creates or replaces a device document.
func (f *FirestoreProvider) UpsertDevice(ctx context.Context, device types.Device) error {
	if device.ID == "" {
		return fmt.Errorf("device id cannot be empty")
	}
	jsonStr, err := marshalString(device)
	if err != nil {
		return fmt.Errorf("failed to marshal device %s: %w", device.ID, err)
	}
	_, err = f.client.Collection(collDevices).Doc(device.ID).Set(ctx, map[string]interface{}{
		"json":    jsonStr,
		"plantID": device.PlantID,
		"type":    int(device.Type),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", device.ID, err)
	}
	return nil
}

// GetTenant retrieves a tenant from the "tenants" collection.
func (f *FirestoreProvider) GetTenant(ctx context.Context, tenantID string) (types.Tenant, error) {
	doc, err := f.client.Collection(collTenants).Doc(tenantID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Tenant{}, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
		}
		return types.Tenant{}, fmt.Errorf("failed to get tenant %s: %w", tenantID, err)
	}
	return decodeDoc[types.Tenant](ctx, doc, "tenant")
}

// UpsertTenant creates or replaces a tenant document.
func (f *FirestoreProvider) UpsertTenant(ctx context.Context, tenant types.Tenant) error {
	if tenant.ID == "" {
		return fmt.Errorf("tenant id cannot be empty")
	}
	jsonStr, err := marshalString(tenant)
	if err != nil {
		return fmt.Errorf("failed to marshal tenant %s: %w", tenant.ID, err)
	}
	if _, err := f.client.Collection(collTenants).Doc(tenant.ID).Set(ctx, map[string]interface{}{
		"json": jsonStr,
	}); err != nil {
		return fmt.Errorf("failed to upsert tenant %s: %w", tenant.ID, err)
	}
	return nil
}

// UpdateTenantTokens swaps the tenant's tokens for vendor and writes the audit
// entry inside one Firestore transaction.
func (f *FirestoreProvider) UpdateTenantTokens(ctx context.Context, tenantID string, vendor types.Vendor, tokens types.VendorTokens, entry types.AuditEntry) error {
	ref := f.client.Collection(collTenants).Doc(tenantID)
	auditID, auditFields, err := auditDoc(entry)
	if err != nil {
		return err
	}
	err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
			}
			return err
		}
		tenant, err := decodeDoc[types.Tenant](ctx, doc, "tenant")
		if err != nil {
			return err
		}
		if tenant.Tokens == nil {
			tenant.Tokens = make(map[types.Vendor]types.VendorTokens)
		}
		tenant.Tokens[vendor] = tokens
		jsonStr, err := marshalString(tenant)
		if err != nil {
			return fmt.Errorf("failed to marshal tenant %s: %w", tenantID, err)
		}
		if err := tx.Set(ref, map[string]interface{}{"json": jsonStr}); err != nil {
			return err
		}
		return tx.Create(f.client.Collection(collAudit).Doc(auditID), auditFields)
	})
	if err != nil {
		return fmt.Errorf("failed to update tenant tokens %s: %w", tenantID, err)
	}
	return nil
}

// UpdatePlantStatus sets the plant status and writes the audit entry inside
// one Firestore transaction.
func (f *FirestoreProvider) UpdatePlantStatus(ctx context.Context, plantID string, plantStatus types.PlantStatus, entry types.AuditEntry) error {
	ref := f.client.Collection(collPlants).Doc(plantID)
	auditID, auditFields, err := auditDoc(entry)
	if err != nil {
		return err
	}
	err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: %s", ErrPlantNotFound, plantID)
			}
			return err
		}
		plant, err := decodeDoc[types.Plant](ctx, doc, "plant")
		if err != nil {
			return err
		}
		plant.Status = plantStatus
		fields, err := plantFields(plant)
		if err != nil {
			return err
		}
		if err := tx.Set(ref, fields); err != nil {
			return err
		}
		return tx.Create(f.client.Collection(collAudit).Doc(auditID), auditFields)
	})
	if err != nil {
		return fmt.Errorf("failed to update plant status %s: %w", plantID, err)
	}
	return nil
}

// AppendAudit adds a new entry to the "audit" collection.
func (f *FirestoreProvider) AppendAudit(ctx context.Context, entry types.AuditEntry) error {
	docID, fields, err := auditDoc(entry)
	if err != nil {
		return err
	}
	if _, err := f.client.Collection(collAudit).Doc(docID).Create(ctx, fields); err != nil {
		return fmt.Errorf("failed to append audit: %w", err)
	}
	return nil
}

// ListAudit retrieves audit entries in [start, end), newest first.
func (f *FirestoreProvider) ListAudit(ctx context.Context, start, end time.Time) ([]types.AuditEntry, error) {
	iter := f.client.Collection(collAudit).
		Where("timestamp", ">=", start).
		Where("timestamp", "<", end).
		OrderBy("timestamp", firestore.Desc).
		Documents(ctx)
	defer iter.Stop()

	var entries []types.AuditEntry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating audit: %w", err)
		}
		e, err := decodeDoc[types.AuditEntry](ctx, doc, "audit")
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
