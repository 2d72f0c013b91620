package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/curtailr/curtailr/pkg/controller"
	"github.com/curtailr/curtailr/pkg/log"
	"github.com/curtailr/curtailr/pkg/period"
	"github.com/curtailr/curtailr/pkg/storage"
	"github.com/curtailr/curtailr/pkg/types"
	"github.com/curtailr/curtailr/pkg/vendor"
)

// PassReport summarizes one control pass.
type PassReport struct {
	Pass  string   `json:"pass"`
	Date  string   `json:"date,omitempty"`
	Label string   `json:"label,omitempty"`
	Price *float64 `json:"price"`
	// Skipped is true when the pass ran outside the control window.
	Skipped   bool `json:"skipped"`
	Evaluated int  `json:"evaluated"`
	Commands  int  `json:"commands"`
	Failures  int  `json:"failures"`
}

// Evaluation is the result of evaluating a single plant on demand.
type Evaluation struct {
	Status      types.PlantStatus `json:"status"`
	Plant       types.Plant       `json:"plant"`
	Label       string            `json:"label"`
	Price       *float64          `json:"price"`
	Action      vendor.Action     `json:"action,omitempty"`
	Reason      controller.Reason `json:"reason"`
	Explanation string            `json:"explanation"`
	Error       string            `json:"error,omitempty"`
}

// RunPass runs one shutdown or start pass over every enabled plant whose
// vendor is under automated control. Only one pass or evaluation runs at a
// time, whichever goroutine started it. Plants are processed one at a time and
// each status change is committed before the next plant is looked at.
// Per-plant failures are audited and counted in the report, they never abort
// the pass.
func (s *Server) RunPass(ctx context.Context, pass period.Pass) (PassReport, error) {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	now := s.now()
	ctx = log.WithAttrs(ctx, slog.String("pass", pass.String()))
	report := PassReport{Pass: pass.String()}
	outcome := "ok"
	defer func() {
		s.metrics.ObservePass(pass.String(), outcome, s.now().Sub(now))
	}()

	if !s.resolver.InControlWindow(now) {
		log.Ctx(ctx).DebugContext(ctx, "outside control window, skipping pass")
		report.Skipped = true
		outcome = "outside_window"
		return report, nil
	}

	report.Date = s.resolver.Date(now)
	report.Label = s.resolver.Label(now, pass)
	price, err := s.lookupPrice(ctx, report.Date, report.Label)
	if err != nil {
		s.recorder.Append(ctx, types.PrincipalScheduler, s.checkMessage(pass, report.Label, nil))
		outcome = "error"
		return report, err
	}
	report.Price = price
	s.recorder.Append(ctx, types.PrincipalScheduler, s.checkMessage(pass, report.Label, price))
	if price == nil {
		log.Ctx(ctx).InfoContext(ctx, "no price for period", slog.String("date", report.Date), slog.String("label", report.Label))
		outcome = "no_price"
		return report, nil
	}

	plants, err := s.storage.ListEnabledPlants(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list plants", slog.Any("error", err))
		outcome = "error"
		return report, fmt.Errorf("failed to list plants: %w", err)
	}

	for _, plant := range plants {
		if err := ctx.Err(); err != nil {
			outcome = "canceled"
			return report, err
		}
		if !s.autoVendors[plant.Vendor] {
			log.Ctx(ctx).DebugContext(ctx, "vendor not under automated control", slog.String("plantID", plant.ID), slog.String("vendor", string(plant.Vendor)))
			continue
		}
		report.Evaluated++
		d, err := s.evaluate(ctx, types.PrincipalScheduler, plant, price, pass)
		if d.Action != "" {
			report.Commands++
		}
		if err != nil {
			report.Failures++
		}
	}
	if report.Failures > 0 {
		outcome = "partial"
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"pass finished",
		slog.String("label", report.Label),
		slog.Int("evaluated", report.Evaluated),
		slog.Int("commands", report.Commands),
		slog.Int("failures", report.Failures),
	)
	return report, nil
}

// EvaluatePlant runs the pass matching the plant's current status for that
// plant alone. Unlike RunPass it ignores the control window and the
// automated control vendor list, but the plant's vendor must be configured.
// Dispatch failures are audited and reported in the Evaluation, not returned.
func (s *Server) EvaluatePlant(ctx context.Context, plantID, principal string) (Evaluation, error) {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	plant, err := s.storage.GetPlant(ctx, plantID)
	if err != nil {
		return Evaluation{}, err
	}
	if _, err := s.vendors.Get(plant.Vendor); err != nil {
		return Evaluation{}, err
	}

	pass := period.PassStart
	if plant.Status == types.PlantStatusOn {
		pass = period.PassShutdown
	}
	ctx = log.WithAttrs(ctx, slog.String("pass", pass.String()))

	now := s.now()
	ev := Evaluation{
		Status: plant.Status,
		Label:  s.resolver.Label(now, pass),
	}
	price, err := s.lookupPrice(ctx, s.resolver.Date(now), ev.Label)
	if err != nil {
		s.recorder.Append(ctx, principal, s.checkMessage(pass, ev.Label, nil))
		return Evaluation{}, err
	}
	ev.Price = price
	s.recorder.Append(ctx, principal, s.checkMessage(pass, ev.Label, price))

	d, err := s.evaluate(ctx, principal, plant, price, pass)
	ev.Action = d.Action
	ev.Reason = d.Reason
	ev.Explanation = d.Explanation
	if err != nil {
		ev.Error = err.Error()
	} else if d.Action != "" {
		ev.Status = d.Action.Target()
	}
	plant.Status = ev.Status
	ev.Plant = plant
	return ev, nil
}

// evaluate decides for one plant and, if there is something to do,
// dispatches the command and records the outcome. The returned error is the
// dispatch or commit failure, which has already been audited.
func (s *Server) evaluate(ctx context.Context, principal string, plant types.Plant, price *float64, pass period.Pass) (controller.Decision, error) {
	ctx = log.WithAttrs(ctx, slog.String("plantID", plant.ID))

	d := s.controller.Decide(ctx, plant, price, pass)
	s.metrics.Decision(pass.String(), string(d.Reason))
	if d.Action == "" {
		log.Ctx(ctx).DebugContext(ctx, "no action", slog.String("reason", string(d.Reason)), slog.String("explanation", d.Explanation))
		return d, nil
	}

	log.Ctx(ctx).InfoContext(ctx, "dispatching", slog.String("action", string(d.Action)), slog.String("explanation", d.Explanation))
	res, err := s.dispatcher.Dispatch(ctx, plant, d.Action)
	topology := res.Topology
	if topology == "" {
		topology = vendor.PlantTopology(plant)
	}
	if err != nil {
		s.recorder.Append(ctx, principal, fmt.Sprintf(
			"%s %s result for plant %s: error: %v",
			topologyName(topology), d.Action, plant.Name, err,
		))
		return d, err
	}

	target := d.Action.Target()
	err = s.recorder.Transition(ctx, principal, plant, target, fmt.Sprintf(
		"%s %s result for plant %s (%s -> %s): %s",
		topologyName(topology), d.Action, plant.Name, plant.Status, target, res.Response.Summary,
	))
	return d, err
}

// lookupPrice returns nil when the period has no price.
func (s *Server) lookupPrice(ctx context.Context, date, label string) (*float64, error) {
	p, err := s.storage.GetPrice(ctx, date, label)
	if errors.Is(err, storage.ErrPriceNotFound) {
		return nil, nil
	} else if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get price", slog.String("date", date), slog.String("label", label), slog.Any("error", err))
		return nil, fmt.Errorf("failed to get price for %s %s: %w", date, label, err)
	}
	return &p.Price, nil
}

func (s *Server) checkMessage(pass period.Pass, label string, price *float64) string {
	priceStr := "N/A"
	if price != nil {
		priceStr = strconv.FormatFloat(*price, 'f', -1, 64)
	}
	name := pass.String()
	return fmt.Sprintf(
		"%s check at %s for product %s and price %s",
		strings.ToUpper(name[:1])+name[1:],
		s.resolver.Local(s.now()).Format("2006-01-02 15:04"),
		label,
		priceStr,
	)
}

func topologyName(t vendor.Topology) string {
	if t == vendor.TopologyEMS {
		return "EMS"
	}
	return "Device"
}
