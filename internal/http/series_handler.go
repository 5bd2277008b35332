package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/example/studio-scheduler/internal/application"
	"github.com/example/studio-scheduler/internal/scheduler"
)

type seriesService interface {
	CreateSeries(ctx context.Context, principal scheduler.Actor, input application.SeriesInput) (application.SeriesResult, error)
	GetSeries(ctx context.Context, groupID string) (application.SeriesView, error)
	UpdateSeries(ctx context.Context, principal scheduler.Actor, groupID string, input application.SeriesPatchInput) (application.SeriesUpdateResult, error)
	DeleteSeries(ctx context.Context, principal scheduler.Actor, groupID string, deleteAll bool) (application.SeriesDeleteResult, error)
}

// SeriesHandler serves recurring groups of sessions.
type SeriesHandler struct {
	service   seriesService
	responder responder
	logger    *slog.Logger
}

func NewSeriesHandler(service seriesService, logger *slog.Logger) *SeriesHandler {
	base := defaultLogger(logger)
	return &SeriesHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *SeriesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req application.SeriesInput
	if !decodeBody(h.responder, handlerLogger(r.Context(), h.logger, "SeriesHandler", "Create"), w, r, &req) {
		return
	}
	result, err := h.service.CreateSeries(r.Context(), actorFromContext(r.Context()), req)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, result)
}

func (h *SeriesHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetSeries(r.Context(), r.PathValue("groupId"))
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, view)
}

func (h *SeriesHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req application.SeriesPatchInput
	if !decodeBody(h.responder, handlerLogger(r.Context(), h.logger, "SeriesHandler", "Update"), w, r, &req) {
		return
	}
	result, err := h.service.UpdateSeries(r.Context(), actorFromContext(r.Context()), r.PathValue("groupId"), req)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, result)
}

// Delete removes future occurrences, or the whole series with ?deleteAll=true.
func (h *SeriesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	deleteAll := false
	if raw := r.URL.Query().Get("deleteAll"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidQueryParam)
			return
		}
		deleteAll = parsed
	}
	result, err := h.service.DeleteSeries(r.Context(), actorFromContext(r.Context()), r.PathValue("groupId"), deleteAll)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, result)
}
