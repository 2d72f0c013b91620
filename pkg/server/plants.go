package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/curtailr/curtailr/pkg/log"
	"github.com/curtailr/curtailr/pkg/period"
	"github.com/curtailr/curtailr/pkg/storage"
	"github.com/curtailr/curtailr/pkg/types"
)

func (s *Server) handleListPlants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	plants, err := s.storage.ListEnabledPlants(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list plants", slog.Any("error", err))
		writeJSONError(w, "failed to list plants", http.StatusInternalServerError)
		return
	}
	if plants == nil {
		plants = []types.Plant{}
	}
	writeJSON(w, plants)
}

func (s *Server) handleEvaluatePlant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	plantID := r.PathValue("plantID")
	principal := s.getEmail(r)
	if principal == "" {
		principal = localPrincipal
	}

	ev, err := s.EvaluatePlant(ctx, plantID, principal)
	switch {
	case errors.Is(err, storage.ErrPlantNotFound):
		writeJSONError(w, "plant not found", http.StatusNotFound)
		return
	case errors.Is(err, types.ErrConfig):
		writeJSONError(w, "plant vendor is not configured", http.StatusConflict)
		return
	case err != nil:
		log.Ctx(ctx).ErrorContext(ctx, "failed to evaluate plant", slog.String("plantID", plantID), slog.Any("error", err))
		writeJSONError(w, "failed to evaluate plant", http.StatusInternalServerError)
		return
	}
	writeJSON(w, ev)
}

func (s *Server) handleRunPass(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var pass period.Pass
	switch r.PathValue("pass") {
	case period.PassShutdown.String():
		pass = period.PassShutdown
	case period.PassStart.String():
		pass = period.PassStart
	default:
		writeJSONError(w, "unknown pass", http.StatusNotFound)
		return
	}

	report, err := s.RunPass(ctx, pass)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "pass failed", slog.String("pass", pass.String()), slog.Any("error", err))
		writeJSONError(w, "pass failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, report)
}
