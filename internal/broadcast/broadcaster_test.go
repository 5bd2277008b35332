package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/studio-scheduler/internal/scheduler"
)

func delta(id string, from, to int64) scheduler.Delta {
	return scheduler.Delta{
		SessionID:     id,
		FromVersion:   from,
		ToVersion:     to,
		ChangedFields: []scheduler.Field{scheduler.FieldNotes},
		Timestamp:     time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC),
	}
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBroadcaster_PreservesPerSessionOrder(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	sub := b.Subscribe("actor-1")
	defer b.Unsubscribe(sub)

	for v := int64(1); v <= 5; v++ {
		b.Publish(delta("s-1", v-1, v))
	}
	for v := int64(1); v <= 5; v++ {
		ev := receive(t, sub)
		if ev.Kind != EventDelta || ev.Delta.ToVersion != v {
			t.Fatalf("expected version %d, got %+v", v, ev)
		}
		if ev.Stamp == 0 {
			t.Fatal("expected events to be stamped")
		}
	}
}

func TestBroadcaster_AddressedEvents(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	alice := b.Subscribe("alice")
	bob := b.Subscribe("bob")
	defer b.Unsubscribe(alice)
	defer b.Unsubscribe(bob)

	b.Emit(Event{Kind: EventConflictResolved, Recipients: []string{"bob"}})
	b.Emit(Event{Kind: EventLockGranted, SessionID: "s-1"})

	if ev := receive(t, alice); ev.Kind != EventLockGranted {
		t.Fatalf("alice should only see the broadcast, got %s", ev.Kind)
	}
	if ev := receive(t, bob); ev.Kind != EventConflictResolved {
		t.Fatalf("bob should see his outcome first, got %s", ev.Kind)
	}
	if ev := receive(t, bob); ev.Kind != EventLockGranted {
		t.Fatalf("bob should see the broadcast, got %s", ev.Kind)
	}
}

func TestBroadcaster_OverflowRequestsResync(t *testing.T) {
	t.Parallel()

	b := New(Options{QueueSize: 2})
	sub := b.Subscribe("slow")
	defer b.Unsubscribe(sub)

	b.Publish(delta("s-1", 0, 1))
	b.Publish(delta("s-1", 1, 2))
	b.Publish(delta("s-1", 2, 3))
	if sub.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", sub.Dropped())
	}

	receive(t, sub)
	receive(t, sub)
	b.Publish(delta("s-2", 0, 1))

	if ev := receive(t, sub); ev.Kind != EventResyncRequired || ev.SessionID != "s-1" {
		t.Fatalf("expected resync notice for s-1, got %+v", ev)
	}
	if ev := receive(t, sub); ev.SessionID != "s-2" {
		t.Fatalf("expected s-2 delta after the notice, got %+v", ev)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	got    chan struct{}
}

func (s *recordingSink) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func TestBroadcaster_RunDeliversToSinks(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{got: make(chan struct{}, 4)}
	b := New(Options{Sinks: []Sink{sink}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Publish(delta("s-9", 0, 1))
	select {
	case <-sink.got:
	case <-time.After(time.Second):
		t.Fatal("sink never received the event")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.events[0].SessionID != "s-9" {
		t.Fatalf("unexpected sink event %+v", sink.events[0])
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	sub := b.Subscribe("gone")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", b.Subscribers())
	}
	b.Publish(delta("s-1", 0, 1))
}
