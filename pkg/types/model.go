package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PrincipalScheduler is the audit principal used by unattended control passes.
const PrincipalScheduler = "scheduler"

// Vendor identifies one of the supported plant vendor integrations.
type Vendor string

const (
	VendorSungrow Vendor = "sungrow"
	VendorHuawei  Vendor = "huawei"
)

// Vendors lists every supported vendor.
var Vendors = []Vendor{VendorSungrow, VendorHuawei}

// ParseVendor converts a case-insensitive vendor name into a Vendor.
func ParseVendor(s string) (Vendor, error) {
	v := Vendor(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Vendors {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown vendor: %q", s)
}

// VendorTokens holds the encrypted credentials a tenant has for one vendor.
type VendorTokens struct {
	// AccessToken and RefreshToken are vault ciphertexts, never plaintext.
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	// AccessTokenExpiresAt is nil when the vendor never told us an expiry.
	AccessTokenExpiresAt *time.Time `json:"accessTokenExpiresAt,omitempty"`
}

// Tenant is the organization that owns plants and their vendor credentials.
type Tenant struct {
	ID     string                  `json:"id"`
	Name   string                  `json:"name"`
	Tokens map[Vendor]VendorTokens `json:"tokens"`
}

// PlantStatus is the last known commanded state of a plant.
type PlantStatus string

const (
	PlantStatusOn  PlantStatus = "ON"
	PlantStatusOff PlantStatus = "OFF"
)

// Plant is a PV (and optionally battery) installation under control.
type Plant struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantID"`
	Name     string `json:"name"`
	Vendor   Vendor `json:"vendor"`
	// VendorPlantID is the vendor's own plant identifier (Huawei plantCode).
	VendorPlantID    string  `json:"vendorPlantID"`
	HasBattery       bool    `json:"hasBattery"`
	InstalledPowerKW float64 `json:"installedPowerKW"`
	// Threshold is the minimum price the owner accepts. nil disables control.
	Threshold *float64    `json:"threshold,omitempty"`
	Status    PlantStatus `json:"status"`
}

// ControlEnabled returns true if the plant participates in price control.
func (p Plant) ControlEnabled() bool {
	return p.Threshold != nil
}

// DeviceType is a vendor-specific device type code.
type DeviceType int

const (
	DeviceTypeSungrowInverter DeviceType = 1
	DeviceTypeSungrowEMS      DeviceType = 26

	DeviceTypeHuaweiInverter DeviceType = 1
	DeviceTypeHuaweiEMS      DeviceType = 41
	DeviceTypeHuaweiDongle   DeviceType = 62
	DeviceTypeHuaweiLogger   DeviceType = 63
)

// Device is a single addressable unit belonging to a plant.
type Device struct {
	ID      string     `json:"id"`
	PlantID string     `json:"plantID"`
	Type    DeviceType `json:"type"`
	// VendorID is the vendor-assigned identifier used to address commands.
	VendorID     string `json:"vendorID"`
	Name         string `json:"name,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// PricePeriod is the market price for one intraday period of a date.
type PricePeriod struct {
	// Date is the market-local calendar date formatted as 2006-01-02.
	Date  string  `json:"date"`
	Label string  `json:"label"`
	Price float64 `json:"price"`
}

// AuditEntry is an immutable record of something the system did or tried.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Principal string    `json:"principal"`
	Message   string    `json:"message"`
}

// NewAuditEntry returns an entry with a fresh ID.
func NewAuditEntry(ts time.Time, principal, message string) AuditEntry {
	return AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: ts.UTC(),
		Principal: principal,
		Message:   message,
	}
}

// TenantPrincipal is the audit principal used for credential changes.
func TenantPrincipal(tenantID string) string {
	return "tenant_id=" + tenantID
}
