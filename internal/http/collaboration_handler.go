package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/studio-scheduler/internal/collaboration"
)

type presenceCoordinator interface {
	Join(ctx context.Context, actorID string) (collaboration.JoinResult, error)
	Authenticate(token string) (collaboration.TokenClaims, error)
	Leave(ctx context.Context, token string) error
	Presences() []collaboration.Presence
	ReportActivity(ctx context.Context, actorID, eventID string, kind collaboration.ActivityKind) error
	RenewLock(ctx context.Context, eventID, actorID string) (collaboration.Lock, error)
}

// CollaborationHandler serves presence over plain HTTP. Live updates go through Hub.
type CollaborationHandler struct {
	coordinator presenceCoordinator
	responder   responder
	logger      *slog.Logger
}

func NewCollaborationHandler(coordinator presenceCoordinator, logger *slog.Logger) *CollaborationHandler {
	base := defaultLogger(logger)
	return &CollaborationHandler{coordinator: coordinator, responder: newResponder(base), logger: base}
}

type joinResponse struct {
	Token     string                 `json:"token"`
	ExpiresAt time.Time              `json:"expiresAt"`
	Presence  collaboration.Presence `json:"presence"`
}

// Join opens a presence connection for the authenticated actor and returns its token. The token
// is presented when opening the websocket.
func (h *CollaborationHandler) Join(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	result, err := h.coordinator.Join(r.Context(), principal.ID)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	handlerLogger(r.Context(), h.logger, "CollaborationHandler", "Join", "connection_id", result.Presence.ConnectionID).
		InfoContext(r.Context(), "presence token issued")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, joinResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
		Presence:  result.Presence,
	})
}

type leaveRequest struct {
	Token string `json:"token"`
}

func (h *CollaborationHandler) Leave(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if !decodeBody(h.responder, handlerLogger(r.Context(), h.logger, "CollaborationHandler", "Leave"), w, r, &req) {
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	claims, err := h.coordinator.Authenticate(req.Token)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	if claims.Subject != principal.ID {
		h.responder.writeJSON(r.Context(), w, http.StatusForbidden, errorResponse{ErrorCode: "FORBIDDEN", Message: "the token belongs to another actor"})
		return
	}
	if err := h.coordinator.Leave(r.Context(), req.Token); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

func (h *CollaborationHandler) Presence(w http.ResponseWriter, r *http.Request) {
	h.responder.writeJSON(r.Context(), w, http.StatusOK, h.coordinator.Presences())
}

type activityRequest struct {
	SessionID string `json:"sessionId"`
	Activity  string `json:"activity"`
}

func (h *CollaborationHandler) Activity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if !decodeBody(h.responder, handlerLogger(r.Context(), h.logger, "CollaborationHandler", "Activity"), w, r, &req) {
		return
	}
	kind, err := collaboration.ParseActivity(req.Activity)
	if err != nil {
		h.responder.writeJSON(r.Context(), w, http.StatusUnprocessableEntity, errorResponse{
			ErrorCode: "VALIDATION",
			Message:   "the request contains invalid fields",
			Errors:    map[string]string{"activity": "must be one of none viewing selecting editing"},
		})
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	if err := h.coordinator.ReportActivity(r.Context(), principal.ID, req.SessionID, kind); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

// RenewLock extends a lock the caller already holds.
func (h *CollaborationHandler) RenewLock(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	lock, err := h.coordinator.RenewLock(r.Context(), r.PathValue("id"), principal.ID)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, lockResponse{SessionID: lock.EventID, OwnerID: lock.OwnerID, ExpiresAt: lock.ExpiresAt})
}
