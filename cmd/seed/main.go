package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/curtailr/curtailr/pkg/log"
	"github.com/curtailr/curtailr/pkg/period"
	"github.com/curtailr/curtailr/pkg/storage"
	"github.com/curtailr/curtailr/pkg/types"
	"github.com/curtailr/curtailr/pkg/vault"
	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(fmt.Errorf("failed to load .env: %w", err))
	}
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	v := vault.Configured()
	r := period.Configured()
	accessToken := lflag.String("seed-access-token", "seed-access", "Plaintext vendor access token stored for the seeded tenant")
	refreshToken := lflag.String("seed-refresh-token", "seed-refresh", "Plaintext vendor refresh token stored for the seeded tenant")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	access, err := v.Encrypt(ctx, *accessToken)
	if err != nil {
		fail(ctx, "failed to encrypt access token", err)
	}
	refresh, err := v.Encrypt(ctx, *refreshToken)
	if err != nil {
		fail(ctx, "failed to encrypt refresh token", err)
	}
	// already expired so the first pass exercises a refresh
	expired := time.Now().Add(-time.Minute)
	tokens := types.VendorTokens{AccessToken: access, RefreshToken: refresh, AccessTokenExpiresAt: &expired}
	if err := s.UpsertTenant(ctx, types.Tenant{
		ID:   "tenant-1",
		Name: "Demo Energy",
		Tokens: map[types.Vendor]types.VendorTokens{
			types.VendorSungrow: tokens,
			types.VendorHuawei:  tokens,
		},
	}); err != nil {
		fail(ctx, "failed to seed tenant", err)
	}

	threshold := func(f float64) *float64 { return &f }
	plants := []struct {
		plant   types.Plant
		devices []types.Device
	}{
		{
			plant: types.Plant{
				ID: "plant-roof-a", TenantID: "tenant-1", Name: "Roof A", Vendor: types.VendorSungrow,
				InstalledPowerKW: 120, Threshold: threshold(0), Status: types.PlantStatusOn,
			},
			devices: []types.Device{
				{ID: "roof-a-inv-1", Type: types.DeviceTypeSungrowInverter, VendorID: "1180001", Name: "Inverter 1"},
				{ID: "roof-a-inv-2", Type: types.DeviceTypeSungrowInverter, VendorID: "1180002", Name: "Inverter 2"},
			},
		},
		{
			plant: types.Plant{
				ID: "plant-battery-b", TenantID: "tenant-1", Name: "Battery B", Vendor: types.VendorSungrow,
				HasBattery: true, InstalledPowerKW: 250, Threshold: threshold(15), Status: types.PlantStatusOn,
			},
			devices: []types.Device{
				{ID: "battery-b-ems", Type: types.DeviceTypeSungrowEMS, VendorID: "2260001", Name: "EMS"},
				{ID: "battery-b-inv-1", Type: types.DeviceTypeSungrowInverter, VendorID: "2180001", Name: "Inverter 1"},
			},
		},
		{
			plant: types.Plant{
				ID: "plant-fusion-c", TenantID: "tenant-1", Name: "Fusion C", Vendor: types.VendorHuawei,
				VendorPlantID: "NE=33554792", InstalledPowerKW: 80, Threshold: threshold(5), Status: types.PlantStatusOn,
			},
			devices: []types.Device{
				{ID: "fusion-c-inv-1", Type: types.DeviceTypeHuaweiInverter, VendorID: "1000000033594051", Name: "SUN2000"},
			},
		},
		{
			// no threshold, never controlled
			plant: types.Plant{
				ID: "plant-manual-d", TenantID: "tenant-1", Name: "Manual D", Vendor: types.VendorSungrow,
				InstalledPowerKW: 40, Status: types.PlantStatusOn,
			},
		},
	}
	for _, p := range plants {
		if err := s.UpsertPlant(ctx, p.plant); err != nil {
			fail(ctx, "failed to seed plant", err)
		}
		for _, d := range p.devices {
			d.PlantID = p.plant.ID
			if err := s.UpsertDevice(ctx, d); err != nil {
				fail(ctx, "failed to seed device", err)
			}
		}
	}

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	date := r.Date(time.Now())
	for idx := 1; idx <= period.PerDay; idx++ {
		hour := float64(idx-1) / 4
		// cheap around solar noon, expensive in the evening peak
		price := 110 - 130*math.Exp(-((hour-13)*(hour-13))/8)
		if hour >= 18 && hour < 21 {
			price += 60
		}
		// Jitter
		price += rng.Float64()*10 - 5
		price = math.Round(price*100) / 100

		if err := s.UpsertPrice(ctx, types.PricePeriod{
			Date:  date,
			Label: period.FormatLabel(idx),
			Price: price,
		}); err != nil {
			fail(ctx, "failed to seed price", err)
		}
		fmt.Printf("Seeded %s %s: %.2f\n", date, period.FormatLabel(idx), price)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}

func fail(ctx context.Context, msg string, err error) {
	log.Ctx(ctx).ErrorContext(ctx, msg, slog.Any("error", err))
	os.Exit(1)
}
