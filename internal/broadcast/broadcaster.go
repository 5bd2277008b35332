// Package broadcast fans committed session changes and collaboration events out to subscribers.
//
// Deltas for one session reach every subscriber in version order because the store publishes
// while it still holds that session's coordination point and each subscriber is a FIFO queue.
// Delivery never blocks the publisher: a subscriber whose queue is full misses the event and is
// told to resynchronise the affected session once it drains.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/studio-scheduler/internal/scheduler"
)

// EventKind tags every message on the collaboration channel.
type EventKind string

const (
	EventDelta            EventKind = "session.delta"
	EventResyncRequired   EventKind = "session.resync_required"
	EventPresenceJoined   EventKind = "presence.joined"
	EventPresenceLeft     EventKind = "presence.left"
	EventActivity         EventKind = "presence.activity"
	EventLockGranted      EventKind = "lock.granted"
	EventLockDenied       EventKind = "lock.denied"
	EventLockReleased     EventKind = "lock.released"
	EventLockExpired      EventKind = "lock.expired"
	EventConflictRecorded EventKind = "conflict.recorded"
	EventConflictResolved EventKind = "conflict.resolved"
	EventOverride         EventKind = "conflict.overridden"
)

// Event is one message for subscribers. An empty Recipients list addresses everyone.
type Event struct {
	Kind       EventKind        `json:"type"`
	SessionID  string           `json:"sessionId,omitempty"`
	Recipients []string         `json:"recipients,omitempty"`
	Stamp      int64            `json:"stamp"`
	Timestamp  time.Time        `json:"timestamp"`
	Delta      *scheduler.Delta `json:"delta,omitempty"`
	Data       any              `json:"data,omitempty"`
}

func (e Event) addressedTo(actorID string) bool {
	if len(e.Recipients) == 0 {
		return true
	}
	for _, r := range e.Recipients {
		if r == actorID {
			return true
		}
	}
	return false
}

// Sink receives every locally originated event outside the mutation path.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

const (
	defaultQueueSize  = 256
	defaultOutboxSize = 1024
)

// Options wires a Broadcaster.
type Options struct {
	Sequencer  *scheduler.Sequencer
	Now        func() time.Time
	QueueSize  int
	OutboxSize int
	Sinks      []Sink
	Logger     *slog.Logger
}

// Broadcaster implements scheduler.DeltaPublisher and the collaboration event sink.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	stamps    *scheduler.Sequencer
	now       func() time.Time
	queueSize int
	sinks     []Sink
	outbox    chan Event
	logger    *slog.Logger
}

// New constructs a Broadcaster. Call Run to start delivering to sinks.
func New(opts Options) *Broadcaster {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sequencer == nil {
		opts.Sequencer = scheduler.NewSequencer(opts.Now)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broadcaster{
		subs:      make(map[uint64]*Subscription),
		stamps:    opts.Sequencer,
		now:       opts.Now,
		queueSize: opts.QueueSize,
		sinks:     opts.Sinks,
		outbox:    make(chan Event, opts.OutboxSize),
		logger:    opts.Logger.With(slog.String("component", "broadcaster")),
	}
}

// Publish wraps a committed delta in an event for everyone.
func (b *Broadcaster) Publish(delta scheduler.Delta) {
	d := delta
	b.Emit(Event{
		Kind:      EventDelta,
		SessionID: delta.SessionID,
		Stamp:     delta.Stamp,
		Timestamp: delta.Timestamp,
		Delta:     &d,
	})
}

// Emit stamps the event if needed, fans it out locally and queues it for the sinks.
func (b *Broadcaster) Emit(event Event) {
	if event.Stamp == 0 {
		event.Stamp = b.stamps.Next()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}
	b.Forward(event)
	if len(b.sinks) == 0 {
		return
	}
	select {
	case b.outbox <- event:
	default:
		b.logger.Warn("outbox full, dropping event for sinks",
			slog.String("kind", string(event.Kind)),
			slog.String("session_id", event.SessionID),
		)
	}
}

// Forward delivers an event to local subscribers only. Relayed events from other nodes enter here.
func (b *Broadcaster) Forward(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !event.addressedTo(sub.actorID) {
			continue
		}
		sub.deliver(event)
	}
}

// Run drains the outbox into the sinks until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.outbox:
			for _, sink := range b.sinks {
				if err := sink.Deliver(ctx, event); err != nil {
					b.logger.Error("sink delivery failed",
						slog.String("kind", string(event.Kind)),
						slog.String("session_id", event.SessionID),
						slog.Any("error", err),
					)
				}
			}
		}
	}
}

// Subscribe registers a receiver. actorID filters addressed events; empty receives only broadcasts.
func (b *Broadcaster) Subscribe(actorID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		actorID: actorID,
		events:  make(chan Event, b.queueSize),
		missed:  make(map[string]struct{}),
		now:     b.now,
		stamps:  b.stamps,
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	sub.mu.Lock()
	sub.closed = true
	close(sub.events)
	sub.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscription is one receiver's bounded FIFO of events.
type Subscription struct {
	id      uint64
	actorID string

	mu      sync.Mutex
	events  chan Event
	missed  map[string]struct{}
	dropped int
	closed  bool
	now     func() time.Time
	stamps  *scheduler.Sequencer
}

// Events is closed by Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// ActorID returns the actor this subscription was opened for.
func (s *Subscription) ActorID() string {
	return s.actorID
}

// Dropped reports how many events overflowed the queue.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for sessionID := range s.missed {
		notice := Event{
			Kind:      EventResyncRequired,
			SessionID: sessionID,
			Stamp:     s.stamps.Next(),
			Timestamp: s.now().UTC(),
		}
		select {
		case s.events <- notice:
			delete(s.missed, sessionID)
		default:
		}
	}
	select {
	case s.events <- event:
	default:
		s.dropped++
		if event.SessionID != "" {
			s.missed[event.SessionID] = struct{}{}
		}
	}
}
