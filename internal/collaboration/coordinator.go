// Package collaboration tracks who is connected, who is editing which session, and settles
// concurrent edits that raced on the same session version.
package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/studio-scheduler/internal/broadcast"
	"github.com/example/studio-scheduler/internal/scheduler"
)

// Identity is an actor as known to the actor directory.
type Identity struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"displayName"`
	Role        scheduler.Role `json:"role"`
}

// Actor converts the identity into the form carried by scheduling mutations.
func (i Identity) Actor() scheduler.Actor {
	return scheduler.Actor{ID: i.ID, Role: i.Role}
}

// ActorRegistry resolves actor ids. Unknown ids yield ErrUnknownActor.
type ActorRegistry interface {
	Lookup(ctx context.Context, actorID string) (Identity, error)
}

// EventSink receives presence, lock and resolution events.
type EventSink interface {
	Emit(event broadcast.Event)
}

// SessionMutator is the part of the scheduling store conflict resolution needs.
type SessionMutator interface {
	Get(id string) (scheduler.Session, error)
	Mutate(ctx context.Context, id string, expectedVersion int64, change scheduler.Change) (scheduler.Session, error)
	History(id string) []scheduler.CommittedChange
}

// ActivityKind is what a connected actor is doing.
type ActivityKind string

const (
	ActivityNone      ActivityKind = "none"
	ActivityViewing   ActivityKind = "viewing"
	ActivitySelecting ActivityKind = "selecting"
	ActivityEditing   ActivityKind = "editing"
)

// ParseActivity validates an activity name. Empty means none.
func ParseActivity(value string) (ActivityKind, error) {
	switch ActivityKind(strings.ToLower(strings.TrimSpace(value))) {
	case "", ActivityNone:
		return ActivityNone, nil
	case ActivityViewing:
		return ActivityViewing, nil
	case ActivitySelecting:
		return ActivitySelecting, nil
	case ActivityEditing:
		return ActivityEditing, nil
	}
	return "", fmt.Errorf("collaboration: unknown activity %q", value)
}

// ConnectionState is always connected for listed presences; Leave removes the entry.
type ConnectionState string

const (
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
)

// Presence is one live connection of an actor.
type Presence struct {
	ConnectionID string          `json:"connectionId"`
	Actor        Identity        `json:"actor"`
	State        ConnectionState `json:"connectionState"`
	Activity     ActivityKind    `json:"activity"`
	EventID      string          `json:"eventId,omitempty"`
	JoinedAt     time.Time       `json:"joinedAt"`
	LastSeen     time.Time       `json:"lastSeen"`
}

// JoinResult is returned by Join.
type JoinResult struct {
	Token     string
	ExpiresAt time.Time
	Presence  Presence
}

// LockResult is returned by AcquireLock. Owner is the holder when the lock was denied.
type LockResult struct {
	Granted bool
	Lock    Lock
	Owner   *Identity
}

// Err converts a denied result into a *LockDeniedError.
func (r LockResult) Err() error {
	if r.Granted {
		return nil
	}
	owner := Identity{ID: r.Lock.OwnerID}
	if r.Owner != nil {
		owner = *r.Owner
	}
	return &LockDeniedError{EventID: r.Lock.EventID, Owner: owner, ExpiresAt: r.Lock.ExpiresAt}
}

// Options wires a Coordinator. Registry, Tokens and Mutator are required.
type Options struct {
	Registry    ActorRegistry
	Tokens      *TokenIssuer
	Mutator     SessionMutator
	Locks       LockStore
	Events      EventSink
	Now         func() time.Time
	LockTTL     time.Duration
	Sequencer   *scheduler.Sequencer
	IDGenerator func() string
	Logger      *slog.Logger
}

// Coordinator owns ephemeral collaboration state. It can be rebuilt from nothing on restart and
// is never the source of truth for session status.
type Coordinator struct {
	registry ActorRegistry
	tokens   *TokenIssuer
	mutator  SessionMutator
	locks    LockStore
	events   EventSink
	now      func() time.Time
	ttl      time.Duration
	stamps   *scheduler.Sequencer
	newID    func() string
	logger   *slog.Logger

	mu        sync.Mutex
	presence  map[string]*Presence
	held      map[string]Lock
	conflicts map[string]*PendingConflict
}

type discardSink struct{}

func (discardSink) Emit(broadcast.Event) {}

// NewCoordinator validates the options and returns a coordinator.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Registry == nil {
		return nil, errors.New("collaboration: actor registry is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("collaboration: token issuer is required")
	}
	if opts.Mutator == nil {
		return nil, errors.New("collaboration: session mutator is required")
	}
	if opts.Locks == nil {
		opts.Locks = NewMemoryLockStore()
	}
	if opts.Events == nil {
		opts.Events = discardSink{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.Sequencer == nil {
		opts.Sequencer = scheduler.NewSequencer(opts.Now)
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		registry:  opts.Registry,
		tokens:    opts.Tokens,
		mutator:   opts.Mutator,
		locks:     opts.Locks,
		events:    opts.Events,
		now:       opts.Now,
		ttl:       opts.LockTTL,
		stamps:    opts.Sequencer,
		newID:     opts.IDGenerator,
		logger:    opts.Logger.With(slog.String("component", "collaboration")),
		presence:  make(map[string]*Presence),
		held:      make(map[string]Lock),
		conflicts: make(map[string]*PendingConflict),
	}, nil
}

// LockTTL reports the configured lock lifetime.
func (c *Coordinator) LockTTL() time.Duration {
	return c.ttl
}

func (c *Coordinator) emit(event broadcast.Event) {
	if event.Stamp == 0 {
		event.Stamp = c.stamps.Next()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = c.now().UTC()
	}
	c.events.Emit(event)
}

// Join registers a new connection for the actor and returns its signed token.
func (c *Coordinator) Join(ctx context.Context, actorID string) (JoinResult, error) {
	identity, err := c.registry.Lookup(ctx, actorID)
	if err != nil {
		return JoinResult{}, err
	}
	connectionID := c.newID()
	token, expires, err := c.tokens.Issue(identity, connectionID)
	if err != nil {
		return JoinResult{}, err
	}
	now := c.now().UTC()
	p := &Presence{
		ConnectionID: connectionID,
		Actor:        identity,
		State:        Connected,
		Activity:     ActivityNone,
		JoinedAt:     now,
		LastSeen:     now,
	}
	c.mu.Lock()
	c.presence[connectionID] = p
	snapshot := *p
	c.mu.Unlock()

	c.emit(broadcast.Event{Kind: broadcast.EventPresenceJoined, Data: snapshot})
	c.logger.InfoContext(ctx, "actor joined", slog.String("actor_id", identity.ID), slog.String("connection_id", connectionID))
	return JoinResult{Token: token, ExpiresAt: expires, Presence: snapshot}, nil
}

// Authenticate verifies a token and returns its claims if the connection is still present.
func (c *Coordinator) Authenticate(token string) (TokenClaims, error) {
	claims, err := c.tokens.Parse(token)
	if err != nil {
		return TokenClaims{}, err
	}
	c.mu.Lock()
	_, ok := c.presence[claims.ID]
	c.mu.Unlock()
	if !ok {
		return TokenClaims{}, fmt.Errorf("%w: connection %s has left", ErrInvalidToken, claims.ID)
	}
	return claims, nil
}

// Leave ends the connection. When it was the actor's last connection, its locks are released.
func (c *Coordinator) Leave(ctx context.Context, token string) error {
	claims, err := c.tokens.Parse(token)
	if err != nil {
		return err
	}
	c.mu.Lock()
	p, ok := c.presence[claims.ID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.presence, claims.ID)
	left := *p
	left.State = Disconnected
	lastConnection := true
	for _, other := range c.presence {
		if other.Actor.ID == left.Actor.ID {
			lastConnection = false
			break
		}
	}
	var orphaned []Lock
	if lastConnection {
		for _, lock := range c.held {
			if lock.OwnerID == left.Actor.ID {
				orphaned = append(orphaned, lock)
			}
		}
	}
	c.mu.Unlock()

	for _, lock := range orphaned {
		if err := c.ReleaseLock(ctx, lock.EventID, lock.OwnerID); err != nil && !errors.Is(err, ErrLockNotHeld) {
			c.logger.WarnContext(ctx, "release on leave failed", slog.String("event_id", lock.EventID), slog.Any("error", err))
		}
	}
	c.emit(broadcast.Event{Kind: broadcast.EventPresenceLeft, Data: left})
	c.logger.InfoContext(ctx, "actor left", slog.String("actor_id", left.Actor.ID), slog.String("connection_id", left.ConnectionID))
	return nil
}

// Presences lists live connections ordered by join time.
func (c *Coordinator) Presences() []Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Presence, 0, len(c.presence))
	for _, p := range c.presence {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

// ReportActivity updates presence metadata of every connection of the actor. It takes no locks
// on scheduling state.
func (c *Coordinator) ReportActivity(ctx context.Context, actorID, eventID string, kind ActivityKind) error {
	now := c.now().UTC()
	c.mu.Lock()
	var updated []Presence
	for _, p := range c.presence {
		if p.Actor.ID != actorID {
			continue
		}
		p.Activity = kind
		p.EventID = eventID
		if kind == ActivityNone {
			p.EventID = ""
		}
		p.LastSeen = now
		updated = append(updated, *p)
	}
	c.mu.Unlock()

	if len(updated) == 0 {
		return fmt.Errorf("%w: %s is not connected", ErrUnknownActor, actorID)
	}
	c.emit(broadcast.Event{Kind: broadcast.EventActivity, SessionID: eventID, Data: updated[0]})
	c.logger.DebugContext(ctx, "activity reported", slog.String("actor_id", actorID), slog.String("activity", string(kind)))
	return nil
}

// AcquireLock grants the lock when no live lock exists, or renews it when actorID already owns it.
func (c *Coordinator) AcquireLock(ctx context.Context, eventID, actorID string) (LockResult, error) {
	if _, err := c.registry.Lookup(ctx, actorID); err != nil {
		return LockResult{}, err
	}
	lock, granted, err := c.locks.Acquire(ctx, eventID, actorID, c.now().UTC(), c.ttl)
	if err != nil {
		return LockResult{}, err
	}
	if !granted {
		result := LockResult{Granted: false, Lock: lock}
		if owner, err := c.registry.Lookup(ctx, lock.OwnerID); err == nil {
			result.Owner = &owner
		} else {
			result.Owner = &Identity{ID: lock.OwnerID}
		}
		c.emit(broadcast.Event{Kind: broadcast.EventLockDenied, SessionID: eventID, Recipients: []string{actorID}, Data: lock})
		return result, nil
	}

	c.mu.Lock()
	c.held[eventID] = lock
	c.mu.Unlock()
	c.emit(broadcast.Event{Kind: broadcast.EventLockGranted, SessionID: eventID, Data: lock})
	return LockResult{Granted: true, Lock: lock}, nil
}

// RenewLock extends a lock the actor already holds.
func (c *Coordinator) RenewLock(ctx context.Context, eventID, actorID string) (Lock, error) {
	current, ok, err := c.locks.Get(ctx, eventID, c.now().UTC())
	if err != nil {
		return Lock{}, err
	}
	if !ok || current.OwnerID != actorID {
		return Lock{}, fmt.Errorf("%w: %s on %s", ErrLockNotHeld, actorID, eventID)
	}
	result, err := c.AcquireLock(ctx, eventID, actorID)
	if err != nil {
		return Lock{}, err
	}
	if !result.Granted {
		return Lock{}, result.Err()
	}
	return result.Lock, nil
}

// ReleaseLock drops the actor's lock on the event.
func (c *Coordinator) ReleaseLock(ctx context.Context, eventID, actorID string) error {
	released, err := c.locks.Release(ctx, eventID, actorID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if lock, ok := c.held[eventID]; ok && lock.OwnerID == actorID {
		delete(c.held, eventID)
	}
	c.mu.Unlock()
	if !released {
		return fmt.Errorf("%w: %s on %s", ErrLockNotHeld, actorID, eventID)
	}
	c.emit(broadcast.Event{Kind: broadcast.EventLockReleased, SessionID: eventID, Data: Lock{EventID: eventID, OwnerID: actorID}})
	return nil
}

// LockOwner returns the live lock on the event, if any.
func (c *Coordinator) LockOwner(ctx context.Context, eventID string) (Lock, bool, error) {
	return c.locks.Get(ctx, eventID, c.now().UTC())
}

// CheckEditable fails with *LockDeniedError when someone other than actorID holds a live lock.
func (c *Coordinator) CheckEditable(ctx context.Context, eventID, actorID string) error {
	lock, ok, err := c.locks.Get(ctx, eventID, c.now().UTC())
	if err != nil {
		return err
	}
	if !ok || lock.OwnerID == actorID {
		return nil
	}
	result := LockResult{Lock: lock, Owner: &Identity{ID: lock.OwnerID}}
	if owner, err := c.registry.Lookup(ctx, lock.OwnerID); err == nil {
		result.Owner = &owner
	}
	return result.Err()
}

// Sweep emits lock.expired for every lock this node granted that is no longer live.
func (c *Coordinator) Sweep(ctx context.Context) int {
	c.mu.Lock()
	candidates := make([]Lock, 0, len(c.held))
	for _, lock := range c.held {
		candidates = append(candidates, lock)
	}
	c.mu.Unlock()

	now := c.now().UTC()
	expired := 0
	for _, lock := range candidates {
		current, ok, err := c.locks.Get(ctx, lock.EventID, now)
		if err != nil {
			c.logger.WarnContext(ctx, "sweep lookup failed", slog.String("event_id", lock.EventID), slog.Any("error", err))
			continue
		}
		if ok && current.OwnerID == lock.OwnerID {
			continue
		}
		c.mu.Lock()
		if held, still := c.held[lock.EventID]; still && held.OwnerID == lock.OwnerID {
			delete(c.held, lock.EventID)
		}
		c.mu.Unlock()
		expired++
		c.emit(broadcast.Event{Kind: broadcast.EventLockExpired, SessionID: lock.EventID, Data: lock})
	}
	return expired
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(ctx); n > 0 {
				c.logger.DebugContext(ctx, "expired locks swept", slog.Int("count", n))
			}
		}
	}
}
