package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/studio-scheduler/internal/application"
	"github.com/example/studio-scheduler/internal/collaboration"
	"github.com/example/studio-scheduler/internal/scheduler"
)

type sessionService interface {
	CheckConflicts(ctx context.Context, input application.CheckInput) (scheduler.ConflictReport, error)
	CreateSession(ctx context.Context, principal scheduler.Actor, input application.SessionInput) (scheduler.Session, error)
	GetSession(ctx context.Context, id string) (scheduler.Session, error)
	ListSessions(ctx context.Context, input application.ListInput) ([]scheduler.Session, error)
	Reschedule(ctx context.Context, principal scheduler.Actor, id string, input application.RescheduleInput) (scheduler.Session, error)
	EditSession(ctx context.Context, principal scheduler.Actor, id string, input application.EditInput) (scheduler.Session, error)
	Book(ctx context.Context, principal scheduler.Actor, id string, input application.ActionInput) (scheduler.Session, error)
	Confirm(ctx context.Context, principal scheduler.Actor, id string, input application.ActionInput) (scheduler.Session, error)
	Complete(ctx context.Context, principal scheduler.Actor, id string, input application.ActionInput) (scheduler.Session, error)
	Cancel(ctx context.Context, principal scheduler.Actor, id string, input application.ActionInput) (scheduler.Session, error)
	DeleteSession(ctx context.Context, principal scheduler.Actor, id string, expectedVersion int64) error
	ListOverrides(ctx context.Context, principal scheduler.Actor, sessionID string) ([]application.OverrideView, error)
	PendingConflicts(ctx context.Context, principal scheduler.Actor) []collaboration.PendingConflict
	ResolveConflict(ctx context.Context, principal scheduler.Actor, conflictID, policyName string) (collaboration.Outcome, error)
	AcquireLock(ctx context.Context, principal scheduler.Actor, id string) (collaboration.LockResult, error)
	ReleaseLock(ctx context.Context, principal scheduler.Actor, id string) error
}

// SessionHandler serves single sessions, conflict checks and edit locks.
type SessionHandler struct {
	service   sessionService
	responder responder
	logger    *slog.Logger
}

func NewSessionHandler(service sessionService, logger *slog.Logger) *SessionHandler {
	base := defaultLogger(logger)
	return &SessionHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *SessionHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return handlerLogger(ctx, h.logger, "SessionHandler", operation, attrs...)
}

func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req application.SessionInput
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.service.CreateSession(r.Context(), actorFromContext(r.Context()), req)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, session)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, session)
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	input, err := listInputFromQuery(r.URL.Query())
	if err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, err)
		return
	}
	sessions, err := h.service.ListSessions(r.Context(), input)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, sessionListResponse{Sessions: sessions, Count: len(sessions)})
}

type sessionListResponse struct {
	Sessions []scheduler.Session `json:"sessions"`
	Count    int                 `json:"count"`
}

func listInputFromQuery(values url.Values) (application.ListInput, error) {
	input := application.ListInput{
		TrainerID: strings.TrimSpace(values.Get("trainerId")),
		ClientID:  strings.TrimSpace(values.Get("clientId")),
		GroupID:   strings.TrimSpace(values.Get("groupId")),
	}
	for key, target := range map[string]*time.Time{"from": &input.From, "to": &input.To} {
		raw := strings.TrimSpace(values.Get(key))
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return application.ListInput{}, fmt.Errorf("%w: %s must be RFC 3339", errInvalidQueryParam, key)
		}
		*target = parsed
	}
	for _, raw := range values["status"] {
		for _, status := range strings.Split(raw, ",") {
			if status = strings.TrimSpace(status); status != "" {
				input.Statuses = append(input.Statuses, status)
			}
		}
	}
	return input, nil
}

func (h *SessionHandler) Patch(w http.ResponseWriter, r *http.Request) {
	var req application.EditInput
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.service.EditSession(r.Context(), actorFromContext(r.Context()), r.PathValue("id"), req)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, session)
}

func (h *SessionHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req application.RescheduleInput
	if !h.decode(w, r, &req) {
		return
	}
	session, err := h.service.Reschedule(r.Context(), actorFromContext(r.Context()), r.PathValue("id"), req)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, session)
}

// Action returns a handler for one lifecycle transition. The body is optional.
func (h *SessionHandler) Action(name string) http.HandlerFunc {
	var run func(context.Context, scheduler.Actor, string, application.ActionInput) (scheduler.Session, error)
	switch name {
	case "book":
		run = h.service.Book
	case "confirm":
		run = h.service.Confirm
	case "complete":
		run = h.service.Complete
	case "cancel":
		run = h.service.Cancel
	default:
		panic("http: unknown session action " + name)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req application.ActionInput
		if r.ContentLength != 0 && !h.decode(w, r, &req) {
			return
		}
		session, err := run(r.Context(), actorFromContext(r.Context()), r.PathValue("id"), req)
		if err != nil {
			h.log(r.Context(), name, "session_id", r.PathValue("id")).DebugContext(r.Context(), "transition rejected", "error", err)
			h.responder.handleServiceError(r.Context(), w, err)
			return
		}
		h.responder.writeJSON(r.Context(), w, http.StatusOK, session)
	}
}

func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var expected int64
	if raw := strings.TrimSpace(r.URL.Query().Get("expectedVersion")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, fmt.Errorf("%w: expectedVersion", errInvalidQueryParam))
			return
		}
		expected = parsed
	}
	if err := h.service.DeleteSession(r.Context(), actorFromContext(r.Context()), r.PathValue("id"), expected); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

func (h *SessionHandler) Overrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := h.service.ListOverrides(r.Context(), actorFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, overrides)
}

func (h *SessionHandler) CheckConflicts(w http.ResponseWriter, r *http.Request) {
	var req application.CheckInput
	if !h.decode(w, r, &req) {
		return
	}
	report, err := h.service.CheckConflicts(r.Context(), req)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, checkResponse{HasConflicts: report.HasConflicts(), ConflictReport: report})
}

type checkResponse struct {
	HasConflicts bool `json:"hasConflicts"`
	scheduler.ConflictReport
}

func (h *SessionHandler) PendingConflicts(w http.ResponseWriter, r *http.Request) {
	pending := h.service.PendingConflicts(r.Context(), actorFromContext(r.Context()))
	h.responder.writeJSON(r.Context(), w, http.StatusOK, pending)
}

type resolveRequest struct {
	Policy string `json:"policy"`
}

func (h *SessionHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	outcome, err := h.service.ResolveConflict(r.Context(), actorFromContext(r.Context()), r.PathValue("conflictId"), req.Policy)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, outcome)
}

type lockResponse struct {
	SessionID string    `json:"sessionId"`
	OwnerID   string    `json:"ownerId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *SessionHandler) AcquireLock(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.AcquireLock(r.Context(), actorFromContext(r.Context()), r.PathValue("id"))
	if err == nil {
		err = result.Err()
	}
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, lockResponse{
		SessionID: result.Lock.EventID,
		OwnerID:   result.Lock.OwnerID,
		ExpiresAt: result.Lock.ExpiresAt,
	})
}

func (h *SessionHandler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ReleaseLock(r.Context(), actorFromContext(r.Context()), r.PathValue("id")); err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

func (h *SessionHandler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	return decodeBody(h.responder, h.log(r.Context(), "decode"), w, r, target)
}

func decodeBody(resp responder, logger *slog.Logger, w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		logger.InfoContext(r.Context(), "failed to decode request body", "error", err, "error_kind", "bad_request")
		resp.writeError(r.Context(), w, http.StatusBadRequest, fmt.Errorf("%w: %v", errBadRequestBody, err))
		return false
	}
	return true
}
