package application

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/studio-scheduler/internal/broadcast"
	"github.com/example/studio-scheduler/internal/collaboration"
	"github.com/example/studio-scheduler/internal/persistence/memory"
	"github.com/example/studio-scheduler/internal/scheduler"
	"github.com/example/studio-scheduler/internal/testfixtures"
)

var fastHashParams = Argon2idParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}

type recordingEmitter struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *recordingEmitter) Emit(event broadcast.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingEmitter) kinds() []broadcast.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]broadcast.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type testEnv struct {
	clock    *testfixtures.Clock
	storage  *memory.Storage
	events   *recordingEmitter
	actors   *ActorService
	store    *scheduler.Store
	coord    *collaboration.Coordinator
	sessions *SessionService

	admin    scheduler.Actor
	trainer  scheduler.Actor
	trainer2 scheduler.Actor
	client   scheduler.Actor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testfixtures.NewClock(time.Time{})
	ids := testfixtures.NewIDGenerator("id")
	storage := memory.New()
	events := &recordingEmitter{}

	for _, fixture := range []testfixtures.ActorFixture{
		testfixtures.NewActorFixture(testfixtures.WithActorID("admin-1"), testfixtures.WithActorRole(scheduler.RoleAdmin)),
		testfixtures.NewActorFixture(testfixtures.WithActorID("trainer-1"), testfixtures.WithActorRole(scheduler.RoleTrainer)),
		testfixtures.NewActorFixture(testfixtures.WithActorID("trainer-2"), testfixtures.WithActorRole(scheduler.RoleTrainer)),
		testfixtures.NewActorFixture(testfixtures.WithActorID("client-1"), testfixtures.WithActorRole(scheduler.RoleClient)),
	} {
		if err := storage.CreateActor(ctx, fixture.Persistence()); err != nil {
			t.Fatalf("seed actor: %v", err)
		}
	}

	actors := NewActorService(storage, ActorServiceOptions{Now: clock.NowFunc(), HashParams: fastHashParams, Logger: logger})
	store := scheduler.NewStore(scheduler.StoreOptions{
		Repository:  NewSessionStore(storage),
		Overrides:   NewOverrideAudit(storage, events, ids.NextFunc(), logger),
		Now:         clock.NowFunc(),
		IDGenerator: ids.NextFunc(),
		Logger:      logger,
	})
	tokens, err := collaboration.NewTokenIssuer([]byte("test-secret"), time.Hour, clock.NowFunc())
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	coord, err := collaboration.NewCoordinator(collaboration.Options{
		Registry:    actors,
		Tokens:      tokens,
		Mutator:     store,
		Events:      events,
		Now:         clock.NowFunc(),
		Sequencer:   store.Sequencer(),
		IDGenerator: ids.NextFunc(),
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	sessions, err := NewSessionService(SessionServiceDeps{
		Store:       store,
		Coordinator: coord,
		Series:      storage,
		Overrides:   storage,
		Now:         clock.NowFunc(),
		IDGenerator: ids.NextFunc(),
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("session service: %v", err)
	}

	return &testEnv{
		clock:    clock,
		storage:  storage,
		events:   events,
		actors:   actors,
		store:    store,
		coord:    coord,
		sessions: sessions,
		admin:    scheduler.Actor{ID: "admin-1", Role: scheduler.RoleAdmin},
		trainer:  scheduler.Actor{ID: "trainer-1", Role: scheduler.RoleTrainer},
		trainer2: scheduler.Actor{ID: "trainer-2", Role: scheduler.RoleTrainer},
		client:   scheduler.Actor{ID: "client-1", Role: scheduler.RoleClient},
	}
}

// tomorrow returns hh:mm on the day after the reference time.
func tomorrow(hour, minute int) time.Time {
	ref := testfixtures.ReferenceTime()
	return time.Date(ref.Year(), ref.Month(), ref.Day()+1, hour, minute, 0, 0, time.UTC)
}

func (e *testEnv) mustCreate(t *testing.T, trainer string, start time.Time, minutes int) scheduler.Session {
	t.Helper()
	session, err := e.sessions.CreateSession(context.Background(), e.admin, SessionInput{
		Start:           start,
		DurationMinutes: minutes,
		TrainerID:       trainer,
		Location:        "Studio A",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}
