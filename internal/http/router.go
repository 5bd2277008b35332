package http

import (
	"net/http"
)

// RouterConfig wires handlers into the mux. Nil handlers leave their routes unregistered.
type RouterConfig struct {
	Sessions      *SessionHandler
	Series        *SeriesHandler
	Actors        *ActorHandler
	Collaboration *CollaborationHandler
	Hub           *Hub
	// Authenticate wraps every route except /healthz and the websocket, which carries its own token.
	Authenticate func(http.Handler) http.Handler
	// Middleware wraps the whole mux, outermost first.
	Middleware []func(http.Handler) http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()
	protected := func(pattern string, h http.HandlerFunc) {
		var handler http.Handler = h
		if cfg.Authenticate != nil {
			handler = cfg.Authenticate(handler)
		}
		mux.Handle(pattern, handler)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	if s := cfg.Sessions; s != nil {
		protected("POST /sessions", s.Create)
		protected("GET /sessions", s.List)
		protected("GET /sessions/{id}", s.Get)
		protected("PATCH /sessions/{id}", s.Patch)
		protected("DELETE /sessions/{id}", s.Delete)
		protected("POST /sessions/{id}/reschedule", s.Reschedule)
		for _, action := range []string{"book", "confirm", "complete", "cancel"} {
			protected("POST /sessions/{id}/"+action, s.Action(action))
		}
		protected("GET /sessions/{id}/overrides", s.Overrides)
		protected("POST /sessions/{id}/lock", s.AcquireLock)
		protected("DELETE /sessions/{id}/lock", s.ReleaseLock)

		protected("POST /conflicts/check", s.CheckConflicts)
		protected("GET /conflicts", s.PendingConflicts)
		protected("POST /conflicts/{conflictId}/resolve", s.ResolveConflict)
	}

	if s := cfg.Series; s != nil {
		protected("POST /series", s.Create)
		protected("GET /series/{groupId}", s.Get)
		protected("PATCH /series/{groupId}", s.Update)
		protected("DELETE /series/{groupId}", s.Delete)
	}

	if a := cfg.Actors; a != nil {
		protected("POST /actors", a.Create)
		protected("GET /actors", a.List)
		protected("GET /actors/me", a.Me)
		protected("POST /actors/{id}/rotate-key", a.RotateKey)
		protected("DELETE /actors/{id}", a.Delete)
	}

	if c := cfg.Collaboration; c != nil {
		protected("POST /collaboration/join", c.Join)
		protected("POST /collaboration/leave", c.Leave)
		protected("GET /collaboration/presence", c.Presence)
		protected("POST /collaboration/activity", c.Activity)
		protected("POST /sessions/{id}/lock/renew", c.RenewLock)
	}

	if cfg.Hub != nil {
		mux.HandleFunc("GET /collaboration/ws", cfg.Hub.Serve)
	}

	return Chain(mux, cfg.Middleware...)
}
