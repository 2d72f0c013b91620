// Package dispatch sends start and shutdown commands to a plant's vendor.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/curtailr/curtailr/pkg/log"
	"github.com/curtailr/curtailr/pkg/metrics"
	"github.com/curtailr/curtailr/pkg/storage"
	"github.com/curtailr/curtailr/pkg/token"
	"github.com/curtailr/curtailr/pkg/types"
	"github.com/curtailr/curtailr/pkg/vendor"
)

// Result describes a command that a vendor accepted.
type Result struct {
	Topology vendor.Topology
	Response vendor.Response
	// Refreshed is true when the access token had to be refreshed mid-dispatch.
	Refreshed bool
}

// Dispatcher resolves a plant's topology and sends one command for it.
type Dispatcher struct {
	db      storage.Database
	vendors *vendor.Map
	tokens  map[types.Vendor]*token.Manager
	metrics *metrics.Metrics
}

// New returns a Dispatcher with one token manager per configured vendor.
func New(db storage.Database, vendors *vendor.Map, cipher token.Cipher, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		db:      db,
		vendors: vendors,
		tokens:  make(map[types.Vendor]*token.Manager),
		metrics: m,
	}
	for _, c := range vendors.Clients() {
		d.tokens[c.ID()] = token.NewManager(c.ID(), db, cipher, c, m)
	}
	return d
}

// Tokens returns the token manager for v, or nil if v isn't configured.
func (d *Dispatcher) Tokens(v types.Vendor) *token.Manager {
	return d.tokens[v]
}

// Command builds the vendor command for plant. It returns types.ErrTopology
// when the plant has no device to address.
func (d *Dispatcher) Command(ctx context.Context, client vendor.Client, plant types.Plant, action vendor.Action) (vendor.Command, error) {
	topology := vendor.PlantTopology(plant)
	devices, err := d.db.ListDevices(ctx, plant.ID, client.DeviceType(topology))
	if err != nil {
		return vendor.Command{}, fmt.Errorf("failed to list devices: %w", err)
	}

	cmd := vendor.Command{
		Action:           action,
		Topology:         topology,
		PlantCode:        plant.VendorPlantID,
		InstalledPowerKW: plant.InstalledPowerKW,
	}
	for _, dev := range devices {
		if dev.VendorID == "" {
			continue
		}
		cmd.DeviceIDs = append(cmd.DeviceIDs, dev.VendorID)
		// only the first EMS controls the plant
		if topology == vendor.TopologyEMS {
			break
		}
	}
	if len(cmd.DeviceIDs) == 0 {
		return vendor.Command{}, fmt.Errorf("%w: %s topology for plant %s", types.ErrTopology, topology, plant.Name)
	}
	return cmd, nil
}

// Dispatch sends action for plant. On an authorization failure the token is
// refreshed once and the command retried once. A second authorization
// failure is reported as types.ErrTransientNetwork.
func (d *Dispatcher) Dispatch(ctx context.Context, plant types.Plant, action vendor.Action) (Result, error) {
	client, err := d.vendors.Get(plant.Vendor)
	if err != nil {
		return Result{}, err
	}
	tokens := d.tokens[plant.Vendor]
	if tokens == nil {
		return Result{}, fmt.Errorf("%w: no token manager for %s", types.ErrConfig, plant.Vendor)
	}

	ctx = log.WithAttrs(ctx, slog.String("vendor", string(plant.Vendor)), slog.String("action", string(action)))

	cmd, err := d.Command(ctx, client, plant, action)
	if err != nil {
		d.metrics.Command(string(plant.Vendor), string(action), "topology_error")
		return Result{}, err
	}
	res := Result{Topology: cmd.Topology}

	accessToken, err := tokens.ValidAccessToken(ctx, plant.TenantID)
	if err != nil {
		d.metrics.Command(string(plant.Vendor), string(action), "token_error")
		return res, fmt.Errorf("failed to get access token: %w", err)
	}

	res.Response, err = client.SendCommand(ctx, accessToken, cmd)
	if errors.Is(err, types.ErrAuthExpired) {
		log.Ctx(ctx).InfoContext(ctx, "access token rejected, refreshing once")
		g, rerr := tokens.Refresh(ctx, plant.TenantID)
		if rerr != nil {
			d.metrics.Command(string(plant.Vendor), string(action), "token_error")
			return res, fmt.Errorf("failed to refresh rejected access token: %w", rerr)
		}
		res.Refreshed = true
		res.Response, err = client.SendCommand(ctx, g.AccessToken, cmd)
		if errors.Is(err, types.ErrAuthExpired) {
			err = fmt.Errorf("%w: authorization failed after refresh: %v", types.ErrTransientNetwork, err)
		}
	}
	if err != nil {
		d.metrics.Command(string(plant.Vendor), string(action), "error")
		log.Ctx(ctx).WarnContext(ctx, "vendor command failed", slog.Any("error", err))
		return res, fmt.Errorf("%s %s failed: %w", plant.Vendor, action, err)
	}

	d.metrics.Command(string(plant.Vendor), string(action), "ok")
	log.Ctx(ctx).InfoContext(ctx, "vendor command accepted", slog.String("topology", string(cmd.Topology)), slog.String("response", res.Response.Summary))
	return res, nil
}
