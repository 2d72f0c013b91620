// Package audit records plant status transitions and the audit trail that is
// the only failure-visibility channel of the unattended control loop.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/curtailr/curtailr/pkg/log"
	"github.com/curtailr/curtailr/pkg/metrics"
	"github.com/curtailr/curtailr/pkg/storage"
	"github.com/curtailr/curtailr/pkg/types"
)

// Recorder writes status changes and audit entries.
type Recorder struct {
	db      storage.Database
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRecorder returns a Recorder backed by db.
func NewRecorder(db storage.Database, m *metrics.Metrics) *Recorder {
	return &Recorder{
		db:      db,
		metrics: m,
		now:     time.Now,
	}
}

// SetClock overrides the clock used to timestamp entries.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

// Append writes an audit-only entry. The audit sink is best effort: a failure
// is logged and counted but never returned, so control is never blocked on it.
func (r *Recorder) Append(ctx context.Context, principal, message string) {
	entry := types.NewAuditEntry(r.now(), principal, message)
	if err := r.db.AppendAudit(ctx, entry); err != nil {
		r.metrics.AuditFailure()
		log.Ctx(ctx).ErrorContext(
			ctx,
			"failed to append audit entry",
			slog.String("principal", principal),
			slog.String("message", message),
			slog.Any("error", err),
		)
	}
}

// Transition commits the plant's new status together with its audit entry.
// If the transaction fails the status is unchanged; the failure itself is
// appended to the audit trail and returned. The plant ID is expected on the
// context logger.
func (r *Recorder) Transition(ctx context.Context, principal string, plant types.Plant, status types.PlantStatus, message string) error {
	entry := types.NewAuditEntry(r.now(), principal, message)
	if err := r.db.UpdatePlantStatus(ctx, plant.ID, status, entry); err != nil {
		log.Ctx(ctx).ErrorContext(
			ctx,
			"failed to commit plant status",
			slog.String("plant", plant.Name),
			slog.String("status", string(status)),
			slog.Any("error", err),
		)
		r.Append(ctx, principal, fmt.Sprintf("Failed to record status %s for plant %s: %v (%s)", status, plant.Name, err, message))
		return fmt.Errorf("failed to commit plant %s status: %w", plant.ID, err)
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"plant status changed",
		slog.String("plant", plant.Name),
		slog.String("from", string(plant.Status)),
		slog.String("to", string(status)),
	)
	return nil
}
