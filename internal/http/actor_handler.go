package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/example/studio-scheduler/internal/application"
	"github.com/example/studio-scheduler/internal/scheduler"
)

type actorService interface {
	CreateActor(ctx context.Context, principal scheduler.Actor, input application.ActorInput) (application.ActorCredentials, error)
	RotateKey(ctx context.Context, principal scheduler.Actor, actorID string) (application.ActorCredentials, error)
	ListActors(ctx context.Context) ([]application.ActorView, error)
	DeleteActor(ctx context.Context, principal scheduler.Actor, actorID string) error
}

// ActorHandler manages the actor directory. Mutations are admin only.
type ActorHandler struct {
	service   actorService
	responder responder
	logger    *slog.Logger
}

func NewActorHandler(service actorService, logger *slog.Logger) *ActorHandler {
	base := defaultLogger(logger)
	return &ActorHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *ActorHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req application.ActorInput
	if !decodeBody(h.responder, handlerLogger(r.Context(), h.logger, "ActorHandler", "Create"), w, r, &req) {
		return
	}
	creds, err := h.service.CreateActor(r.Context(), actorFromContext(r.Context()), req)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, creds)
}

func (h *ActorHandler) List(w http.ResponseWriter, r *http.Request) {
	actors, err := h.service.ListActors(r.Context())
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, actors)
}

func (h *ActorHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	h.responder.writeJSON(r.Context(), w, http.StatusOK, principal)
}

func (h *ActorHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	creds, err := h.service.RotateKey(r.Context(), actorFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, creds)
}

func (h *ActorHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteActor(r.Context(), actorFromContext(r.Context()), r.PathValue("id")); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}
