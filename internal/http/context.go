package http

import (
	"context"
	"log/slog"

	"github.com/example/studio-scheduler/internal/collaboration"
	"github.com/example/studio-scheduler/internal/logging"
	"github.com/example/studio-scheduler/internal/scheduler"
)

type principalKey struct{}

// ContextWithPrincipal returns a derived context containing the authenticated actor.
func ContextWithPrincipal(ctx context.Context, principal collaboration.Identity) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext extracts the authenticated actor from context if available.
func PrincipalFromContext(ctx context.Context) (collaboration.Identity, bool) {
	principal, ok := ctx.Value(principalKey{}).(collaboration.Identity)
	return principal, ok
}

// actorFromContext returns the principal in the form scheduling mutations carry.
func actorFromContext(ctx context.Context) scheduler.Actor {
	principal, _ := PrincipalFromContext(ctx)
	return principal.Actor()
}

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// handlerLogger prefers the request scoped logger, which already carries the request and actor ids.
func handlerLogger(ctx context.Context, fallback *slog.Logger, handlerName, operation string, attrs ...any) *slog.Logger {
	base := logging.FromContextOr(ctx, defaultLogger(fallback))
	args := make([]any, 0, len(attrs)+2)
	args = append(args, slog.String("handler", handlerName), slog.String("operation", operation))
	return base.With(append(args, attrs...)...)
}
