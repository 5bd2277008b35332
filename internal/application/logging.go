package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/studio-scheduler/internal/collaboration"
	"github.com/example/studio-scheduler/internal/logging"
	"github.com/example/studio-scheduler/internal/recurrence"
	"github.com/example/studio-scheduler/internal/scheduler"
)

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// serviceLogger tags the request logger, or base outside a request, with the service operation.
func serviceLogger(ctx context.Context, base *slog.Logger, serviceName, operation string, attrs ...any) *slog.Logger {
	args := make([]any, 0, len(attrs)+2)
	args = append(args, slog.String("service", serviceName), slog.String("operation", operation))
	return logging.FromContextOr(ctx, defaultLogger(base)).With(append(args, attrs...)...)
}

// logOutcome writes one line per finished operation. Expected client errors log at info.
func logOutcome(ctx context.Context, logger *slog.Logger, err error, msg string, attrs ...any) {
	if err == nil {
		logger.InfoContext(ctx, msg, attrs...)
		return
	}
	attrs = append(attrs, "error_kind", ErrorKind(err), "error", err)
	if errors.Is(err, scheduler.ErrUnavailable) || ErrorKind(err) == "unexpected" {
		logger.ErrorContext(ctx, msg+" failed", attrs...)
		return
	}
	logger.InfoContext(ctx, msg+" rejected", attrs...)
}

// ErrorKind maps sentinel and validation errors to a stable logging label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, recurrence.ErrInvalidRule):
		return "invalid_rule"
	case errors.Is(err, scheduler.ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, scheduler.ErrConflict):
		return "conflict"
	case errors.Is(err, collaboration.ErrLockDenied), errors.Is(err, collaboration.ErrLockNotHeld):
		return "lock_denied"
	case errors.Is(err, scheduler.ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, scheduler.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, collaboration.ErrInvalidToken):
		return "invalid_credentials"
	case errors.Is(err, ErrNotFound), errors.Is(err, scheduler.ErrNotFound),
		errors.Is(err, collaboration.ErrConflictNotFound), errors.Is(err, collaboration.ErrUnknownActor):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, scheduler.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, collaboration.ErrUnknownPolicy):
		return "validation"
	}

	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return "validation"
	}

	return "unexpected"
}
