package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/curtailr/curtailr/pkg/period"
	"github.com/curtailr/curtailr/pkg/types"
	"github.com/curtailr/curtailr/pkg/vendor"
)

// Reason explains why a decision was made. It is also used as a metric label.
type Reason string

const (
	ReasonDisabled       Reason = "disabled"
	ReasonWrongStatus    Reason = "wrong_status"
	ReasonNoPrice        Reason = "no_price"
	ReasonBelowThreshold Reason = "below_threshold"
	ReasonAboveThreshold Reason = "above_threshold"
	// ReasonHold covers a price on the wrong side of, or exactly at, the
	// threshold.
	ReasonHold Reason = "hold"
)

// Decision represents the result of the decision logic.
type Decision struct {
	// Action is empty when nothing should be sent.
	Action      vendor.Action
	Reason      Reason
	Explanation string
}

// Controller decides whether a plant should be started or shut down.
type Controller struct {
}

// NewController creates a new Controller.
func NewController() *Controller {
	return &Controller{}
}

// Decide determines the action for plant during pass. price is nil when no
// price is known for the period. The shutdown pass only considers ON plants
// and shuts them down when the price is strictly below the threshold. The
// start pass only considers OFF plants and starts them when the price is
// strictly above it.
func (c *Controller) Decide(ctx context.Context, plant types.Plant, price *float64, pass period.Pass) Decision {
	if !plant.ControlEnabled() {
		return Decision{Reason: ReasonDisabled, Explanation: "no threshold set"}
	}

	var want types.PlantStatus
	switch pass {
	case period.PassShutdown:
		want = types.PlantStatusOn
	case period.PassStart:
		want = types.PlantStatusOff
	default:
		return Decision{Reason: ReasonWrongStatus, Explanation: fmt.Sprintf("unknown pass %s", pass)}
	}
	if plant.Status != want {
		return Decision{
			Reason:      ReasonWrongStatus,
			Explanation: fmt.Sprintf("plant is %s, %s pass only acts on %s", plant.Status, pass, want),
		}
	}

	if price == nil {
		return Decision{Reason: ReasonNoPrice, Explanation: "no price for period"}
	}
	threshold := *plant.Threshold

	slog.DebugContext(ctx, "controller decide",
		slog.String("plantID", plant.ID),
		slog.String("pass", pass.String()),
		slog.Float64("price", *price),
		slog.Float64("threshold", threshold),
	)

	switch {
	case pass == period.PassShutdown && *price < threshold:
		return Decision{
			Action:      vendor.ActionShutdown,
			Reason:      ReasonBelowThreshold,
			Explanation: fmt.Sprintf("price %.2f is below threshold %.2f", *price, threshold),
		}
	case pass == period.PassStart && *price > threshold:
		return Decision{
			Action:      vendor.ActionStart,
			Reason:      ReasonAboveThreshold,
			Explanation: fmt.Sprintf("price %.2f is above threshold %.2f", *price, threshold),
		}
	}
	return Decision{
		Reason:      ReasonHold,
		Explanation: fmt.Sprintf("price %.2f does not cross threshold %.2f", *price, threshold),
	}
}
