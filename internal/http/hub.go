package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/studio-scheduler/internal/application"
	"github.com/example/studio-scheduler/internal/broadcast"
	"github.com/example/studio-scheduler/internal/collaboration"
	"github.com/example/studio-scheduler/internal/scheduler"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 64 << 10
	wsOutboundQueue  = 32
)

type eventSource interface {
	Subscribe(actorID string) *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
}

type sessionLocker interface {
	GetSession(ctx context.Context, id string) (scheduler.Session, error)
	AcquireLock(ctx context.Context, principal scheduler.Actor, id string) (collaboration.LockResult, error)
	ReleaseLock(ctx context.Context, principal scheduler.Actor, id string) error
}

// HubOptions tunes the websocket endpoint.
type HubOptions struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	Logger         *slog.Logger
}

// Hub upgrades presence tokens to websocket connections. Each connection receives the
// broadcaster's events in order and may acquire, renew and release locks or report activity.
type Hub struct {
	coordinator presenceCoordinator
	events      eventSource
	sessions    sessionLocker
	upgrader    websocket.Upgrader
	ping        time.Duration
	responder   responder
	logger      *slog.Logger
}

func NewHub(coordinator presenceCoordinator, events eventSource, sessions sessionLocker, opts HubOptions) *Hub {
	base := defaultLogger(opts.Logger)
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	origins := slices.Clone(opts.AllowedOrigins)
	return &Hub{
		coordinator: coordinator,
		events:      events,
		sessions:    sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(origins) == 0 || origin == "" || slices.Contains(origins, origin) || slices.Contains(origins, "*")
			},
		},
		ping:      opts.PingInterval,
		responder: newResponder(base),
		logger:    base,
	}
}

// inbound is a client request on the socket.
type inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Activity  string `json:"activity,omitempty"`
}

// reply answers one inbound request.
type reply struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	OK        bool           `json:"ok"`
	Data      any            `json:"data,omitempty"`
	Error     *errorResponse `json:"error,omitempty"`
}

type wsConn struct {
	hub      *Hub
	conn     *websocket.Conn
	identity collaboration.Identity
	token    string
	sub      *broadcast.Subscription
	replica  *broadcast.Replica
	out      chan reply
	logger   *slog.Logger
}

// Serve handles GET /collaboration/ws?token=... The token comes from Join.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := h.coordinator.Authenticate(token)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	identity := collaboration.Identity{ID: claims.Subject, DisplayName: claims.DisplayName, Role: scheduler.Role(claims.Role)}
	logger := handlerLogger(r.Context(), h.logger, "Hub", "Serve", "actor_id", identity.ID, "connection_id", claims.ID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{
		hub:      h,
		conn:     conn,
		identity: identity,
		token:    token,
		sub:      h.events.Subscribe(identity.ID),
		replica:  broadcast.NewReplica(),
		out:      make(chan reply, wsOutboundQueue),
		logger:   logger,
	}

	ctx, cancel := context.WithCancel(r.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeLoop(ctx)
		// unblocks the reader when the writer gave up first
		cancel()
		_ = conn.Close()
	}()

	logger.InfoContext(ctx, "websocket connected")
	c.readLoop(ctx, done)

	cancel()
	h.events.Unsubscribe(c.sub)
	<-done
	if err := h.coordinator.Leave(context.WithoutCancel(ctx), token); err != nil {
		logger.WarnContext(ctx, "leave on disconnect failed", "error", err)
	}
	logger.InfoContext(ctx, "websocket disconnected")
}

func (c *wsConn) readLoop(ctx context.Context, writerDone <-chan struct{}) {
	c.conn.SetReadLimit(wsMaxMessageSize)
	deadline := func() error { return c.conn.SetReadDeadline(time.Now().Add(2 * c.hub.ping)) }
	_ = deadline()
	c.conn.SetPongHandler(func(string) error { return deadline() })

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.InfoContext(ctx, "websocket read failed", "error", err)
			}
			return
		}
		_ = deadline()
		if !c.enqueue(ctx, writerDone, c.handle(ctx, msg)) {
			return
		}
	}
}

// enqueue hands a reply to the writer. It gives up once the writer has exited.
func (c *wsConn) enqueue(ctx context.Context, writerDone <-chan struct{}, resp reply) bool {
	select {
	case c.out <- resp:
		return true
	case <-ctx.Done():
		return false
	case <-writerDone:
		return false
	}
}

func (c *wsConn) handle(ctx context.Context, msg inbound) reply {
	resp := reply{Type: msg.Type + ".result", RequestID: msg.RequestID, SessionID: msg.SessionID}
	actor := c.identity.Actor()

	var err error
	switch msg.Type {
	case "lock.acquire":
		var result collaboration.LockResult
		result, err = c.hub.sessions.AcquireLock(ctx, actor, msg.SessionID)
		if err == nil {
			err = result.Err()
		}
		if err == nil {
			resp.Data = result.Lock
		}
	case "lock.renew":
		var lock collaboration.Lock
		lock, err = c.hub.coordinator.RenewLock(ctx, msg.SessionID, actor.ID)
		if err == nil {
			resp.Data = lock
		}
	case "lock.release":
		err = c.hub.sessions.ReleaseLock(ctx, actor, msg.SessionID)
	case "activity":
		var kind collaboration.ActivityKind
		kind, err = collaboration.ParseActivity(msg.Activity)
		if err == nil {
			err = c.hub.coordinator.ReportActivity(ctx, actor.ID, msg.SessionID, kind)
		}
	case "resync":
		var session scheduler.Session
		session, err = c.hub.sessions.GetSession(ctx, msg.SessionID)
		switch {
		case err == nil:
			c.replica.Seed(session.ID, session.Version)
			resp.Data = session
		case errors.Is(err, application.ErrNotFound), errors.Is(err, scheduler.ErrNotFound):
			c.replica.Forget(msg.SessionID)
			resp.Data = map[string]bool{"deleted": true}
			err = nil
		}
	case "ping":
		resp.Type = "pong"
	default:
		resp.Type = "error"
		resp.Error = &errorResponse{ErrorCode: "UNKNOWN_MESSAGE", Message: "unsupported message type " + msg.Type}
		return resp
	}

	if err != nil {
		resp.Error = socketError(err)
		return resp
	}
	resp.OK = true
	return resp
}

func socketError(err error) *errorResponse {
	var lockErr *collaboration.LockDeniedError
	switch {
	case errors.As(err, &lockErr):
		return &errorResponse{ErrorCode: "LOCK_DENIED", Message: "another actor is editing this session", Errors: map[string]string{
			"owner":     lockErr.Owner.ID,
			"expiresAt": lockErr.ExpiresAt.UTC().Format(time.RFC3339),
		}}
	case errors.Is(err, collaboration.ErrLockNotHeld):
		return &errorResponse{ErrorCode: "LOCK_NOT_HELD", Message: "the lock is not held by this actor"}
	case errors.Is(err, application.ErrNotFound), errors.Is(err, scheduler.ErrNotFound), errors.Is(err, collaboration.ErrUnknownActor):
		return &errorResponse{ErrorCode: "NOT_FOUND", Message: "the resource does not exist"}
	case errors.Is(err, application.ErrUnauthorized), errors.Is(err, scheduler.ErrUnauthorized):
		return &errorResponse{ErrorCode: "FORBIDDEN", Message: "the actor may not perform this operation"}
	case errors.Is(err, scheduler.ErrUnavailable):
		return &errorResponse{ErrorCode: "UNAVAILABLE", Message: "storage is unavailable, retry later"}
	}
	return &errorResponse{ErrorCode: "VALIDATION", Message: err.Error()}
}

// writeLoop owns every write on the connection.
func (c *wsConn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.hub.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case resp := <-c.out:
			if !c.writeJSON(resp) {
				return
			}
		case event, ok := <-c.sub.Events():
			if !ok {
				return
			}
			event, deliver := c.filter(event)
			if !deliver {
				continue
			}
			if !c.writeJSON(event) {
				return
			}
		}
	}
}

// filter keeps each session's deltas gapless for this client. A gap becomes a resync notice.
func (c *wsConn) filter(event broadcast.Event) (broadcast.Event, bool) {
	switch event.Kind {
	case broadcast.EventResyncRequired:
		c.replica.Forget(event.SessionID)
	case broadcast.EventDelta:
		if event.Delta == nil {
			return event, true
		}
		switch c.replica.Apply(*event.Delta) {
		case broadcast.Duplicate:
			return event, false
		case broadcast.Gap:
			c.replica.Forget(event.SessionID)
			return broadcast.Event{
				Kind:      broadcast.EventResyncRequired,
				SessionID: event.SessionID,
				Stamp:     event.Stamp,
				Timestamp: event.Timestamp,
			}, true
		}
	}
	return event, true
}

func (c *wsConn) write(messageType int, data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data) == nil
}

func (c *wsConn) writeJSON(v any) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Info("websocket write failed", "error", err)
		return false
	}
	return true
}
