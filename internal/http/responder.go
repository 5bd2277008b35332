package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/studio-scheduler/internal/application"
	"github.com/example/studio-scheduler/internal/collaboration"
	"github.com/example/studio-scheduler/internal/logging"
	"github.com/example/studio-scheduler/internal/recurrence"
	"github.com/example/studio-scheduler/internal/scheduler"
)

var (
	errBadRequestBody    = errors.New("request body is not valid JSON")
	errMissingAccessKey  = errors.New("an access key is required")
	errInvalidQueryParam = errors.New("invalid query parameter")
)

type responder struct {
	logger *slog.Logger
}

func newResponder(logger *slog.Logger) responder {
	return responder{logger: defaultLogger(logger)}
}

func (r responder) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}

	if status == http.StatusNoContent || payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.loggerFor(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (r responder) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	message := http.StatusText(status)
	if err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			message = msg
		}
		r.loggerFor(ctx).InfoContext(ctx, "request rejected", "status", status, "error", err)
	}

	r.writeJSON(ctx, w, status, errorResponse{Message: message})
}

// handleServiceError maps domain errors to status codes. Structured errors carry their data
// so that clients can act on conflicts, lock owners and rule problems.
func (r responder) handleServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		r.writeError(ctx, w, http.StatusInternalServerError, errors.New("unknown error"))
		return
	}

	var (
		stale       *application.StaleEditError
		versionErr  *scheduler.VersionConflictError
		seriesErr   *application.SeriesConflictError
		batchErr    *scheduler.BatchConflictError
		conflictErr *scheduler.ConflictError
		lockErr     *collaboration.LockDeniedError
		ruleErr     *recurrence.RuleError
		invariant   *scheduler.InvariantViolation
		vErr        *application.ValidationError
	)
	switch {
	case errors.As(err, &stale):
		r.writeJSON(ctx, w, http.StatusConflict, versionConflictResponse{
			ErrorCode:      "VERSION_CONFLICT",
			Message:        "the session changed since it was read",
			ConflictID:     stale.Conflict.ID,
			SessionID:      stale.Conflict.SessionID,
			CurrentVersion: stale.Conflict.SeenVersion,
		})
	case errors.As(err, &versionErr):
		r.writeJSON(ctx, w, http.StatusConflict, versionConflictResponse{
			ErrorCode:      "VERSION_CONFLICT",
			Message:        "the session changed since it was read",
			SessionID:      versionErr.SessionID,
			CurrentVersion: versionErr.Current,
		})
	case errors.As(err, &seriesErr):
		r.writeJSON(ctx, w, http.StatusConflict, seriesConflictResponse{
			ErrorCode:   "CONFLICT",
			Message:     "occurrences of the series would be double-booked",
			Occurrences: seriesErr.Reports,
		})
	case errors.As(err, &batchErr):
		occurrences := make([]occurrenceConflict, 0, len(batchErr.Conflicts))
		for _, c := range batchErr.Conflicts {
			occurrences = append(occurrences, occurrenceConflict{
				Start:        c.Draft.Start,
				End:          c.Draft.Start.Add(time.Duration(c.Draft.DurationMinutes) * time.Minute),
				Conflicts:    c.Report.Conflicts,
				Alternatives: c.Report.Alternatives,
			})
		}
		r.writeJSON(ctx, w, http.StatusConflict, batchConflictResponse{
			ErrorCode:   "CONFLICT",
			Message:     "occurrences would be double-booked",
			Occurrences: occurrences,
		})
	case errors.As(err, &conflictErr):
		r.writeJSON(ctx, w, http.StatusConflict, conflictResponse{
			ErrorCode:    "CONFLICT",
			Message:      "the requested time is already taken",
			Conflicts:    conflictErr.Report.Conflicts,
			Alternatives: conflictErr.Report.Alternatives,
		})
	case errors.As(err, &lockErr):
		r.writeJSON(ctx, w, http.StatusLocked, lockDeniedResponse{
			ErrorCode: "LOCK_DENIED",
			Message:   "another actor is editing this session",
			Owner:     lockErr.Owner,
			ExpiresAt: lockErr.ExpiresAt,
		})
	case errors.Is(err, collaboration.ErrLockNotHeld):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "LOCK_NOT_HELD", Message: "the lock is not held by this actor"})
	case errors.As(err, &ruleErr):
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
			ErrorCode: "INVALID_RULE",
			Message:   "the recurrence rule cannot be expanded",
			Errors:    ruleErr.Problems,
		})
	case errors.As(err, &invariant):
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
			ErrorCode: "INVARIANT_VIOLATION",
			Message:   invariant.Error(),
			Errors:    map[string]string{invariant.Rule: invariant.Detail},
		})
	case errors.As(err, &vErr):
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
			ErrorCode: "VALIDATION",
			Message:   "the request contains invalid fields",
			Errors:    vErr.FieldErrors,
		})
	case errors.Is(err, scheduler.ErrVersionConflict):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "VERSION_CONFLICT", Message: err.Error()})
	case errors.Is(err, scheduler.ErrConflict):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "CONFLICT", Message: err.Error()})
	case errors.Is(err, scheduler.ErrInvariantViolation), errors.Is(err, recurrence.ErrInvalidRule):
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{ErrorCode: "INVARIANT_VIOLATION", Message: err.Error()})
	case errors.Is(err, collaboration.ErrUnknownPolicy):
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{ErrorCode: "VALIDATION", Message: err.Error()})
	case errors.Is(err, application.ErrInvalidCredentials), errors.Is(err, collaboration.ErrInvalidToken):
		r.writeJSON(ctx, w, http.StatusUnauthorized, errorResponse{ErrorCode: "UNAUTHENTICATED", Message: "credentials were not accepted"})
	case errors.Is(err, application.ErrUnauthorized), errors.Is(err, scheduler.ErrUnauthorized):
		r.writeJSON(ctx, w, http.StatusForbidden, errorResponse{ErrorCode: "FORBIDDEN", Message: "the actor may not perform this operation"})
	case errors.Is(err, application.ErrNotFound), errors.Is(err, scheduler.ErrNotFound),
		errors.Is(err, collaboration.ErrConflictNotFound), errors.Is(err, collaboration.ErrUnknownActor):
		r.writeJSON(ctx, w, http.StatusNotFound, errorResponse{ErrorCode: "NOT_FOUND", Message: "the resource does not exist"})
	case errors.Is(err, application.ErrAlreadyExists):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "ALREADY_EXISTS", Message: "the resource already exists"})
	case errors.Is(err, scheduler.ErrUnavailable):
		r.loggerFor(ctx).ErrorContext(ctx, "persistence unavailable", "error", err)
		r.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{ErrorCode: "UNAVAILABLE", Message: "storage is unavailable, retry later"})
	default:
		r.loggerFor(ctx).ErrorContext(ctx, "unexpected error", "error", err)
		r.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{ErrorCode: "INTERNAL", Message: http.StatusText(http.StatusInternalServerError)})
	}
}

func (r responder) loggerFor(ctx context.Context) *slog.Logger {
	return logging.FromContextOr(ctx, r.logger)
}

type errorResponse struct {
	ErrorCode string            `json:"error_code,omitempty"`
	Message   string            `json:"message"`
	Errors    map[string]string `json:"errors,omitempty"`
}

type conflictResponse struct {
	ErrorCode    string                  `json:"error_code"`
	Message      string                  `json:"message"`
	Conflicts    []scheduler.Conflict    `json:"conflicts"`
	Alternatives []scheduler.Alternative `json:"alternatives"`
}

type occurrenceConflict struct {
	Start        time.Time               `json:"start"`
	End          time.Time               `json:"end"`
	Conflicts    []scheduler.Conflict    `json:"conflicts"`
	Alternatives []scheduler.Alternative `json:"alternatives"`
}

type batchConflictResponse struct {
	ErrorCode   string               `json:"error_code"`
	Message     string               `json:"message"`
	Occurrences []occurrenceConflict `json:"occurrences"`
}

type seriesConflictResponse struct {
	ErrorCode   string                              `json:"error_code"`
	Message     string                              `json:"message"`
	Occurrences map[string]scheduler.ConflictReport `json:"occurrences"`
}

type versionConflictResponse struct {
	ErrorCode      string `json:"error_code"`
	Message        string `json:"message"`
	ConflictID     string `json:"conflictId,omitempty"`
	SessionID      string `json:"sessionId"`
	CurrentVersion int64  `json:"currentVersion"`
}

type lockDeniedResponse struct {
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Owner     collaboration.Identity `json:"owner"`
	ExpiresAt time.Time              `json:"expiresAt"`
}
