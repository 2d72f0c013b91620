package server

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/curtailr/curtailr/pkg/log"
	"github.com/curtailr/curtailr/pkg/period"
)

// Minutes past the hour at which each pass fires. Each start minute follows
// its shutdown minute inside the same quarter-hour so the two passes never
// overlap.
var (
	ShutdownMinutes = []int{13, 28, 43, 58}
	StartMinutes    = []int{14, 29, 44, 59}
)

// passForMinute returns the pass scheduled at the given minute, if any.
func passForMinute(minute int) (period.Pass, bool) {
	if slices.Contains(ShutdownMinutes, minute) {
		return period.PassShutdown, true
	}
	if slices.Contains(StartMinutes, minute) {
		return period.PassStart, true
	}
	return 0, false
}

// runScheduler wakes at every minute boundary and runs the pass scheduled
// for that minute. Passes run on this goroutine so they can never overlap.
func (s *Server) runScheduler(ctx context.Context) {
	ctx = log.WithAttrs(ctx, slog.String("component", "scheduler"))
	log.Ctx(ctx).InfoContext(
		ctx,
		"starting scheduler",
		slog.Any("shutdownMinutes", ShutdownMinutes),
		slog.Any("startMinutes", StartMinutes),
		slog.String("timezone", s.resolver.Location().String()),
	)
	for {
		now := s.now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Ctx(ctx).InfoContext(ctx, "stopping scheduler")
			return
		case <-timer.C:
		}
		s.tick(ctx, next)
	}
}

func (s *Server) tick(ctx context.Context, at time.Time) {
	pass, ok := passForMinute(s.resolver.Local(at).Minute())
	if !ok {
		return
	}
	report, err := s.RunPass(ctx, pass)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "pass failed", slog.String("pass", pass.String()), slog.Any("error", err))
		return
	}
	if report.Failures > 0 {
		log.Ctx(ctx).WarnContext(ctx, "pass finished with failures", slog.String("pass", pass.String()), slog.Int("failures", report.Failures))
	}
}
