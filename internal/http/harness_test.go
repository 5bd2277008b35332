package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/studio-scheduler/internal/application"
	"github.com/example/studio-scheduler/internal/broadcast"
	"github.com/example/studio-scheduler/internal/collaboration"
	"github.com/example/studio-scheduler/internal/persistence/memory"
	"github.com/example/studio-scheduler/internal/scheduler"
	"github.com/example/studio-scheduler/internal/testfixtures"
)

// keyAuthenticator accepts "<actorID>-key" for every seeded actor.
type keyAuthenticator map[string]collaboration.Identity

func (k keyAuthenticator) Authenticate(_ context.Context, accessKey string) (collaboration.Identity, error) {
	identity, ok := k[accessKey]
	if !ok {
		return collaboration.Identity{}, application.ErrInvalidCredentials
	}
	return identity, nil
}

type apiEnv struct {
	clock       *testfixtures.Clock
	broadcaster *broadcast.Broadcaster
	coord       *collaboration.Coordinator
	sessions    *application.SessionService
	handler     http.Handler
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testfixtures.NewClock(time.Time{})
	ids := testfixtures.NewIDGenerator("id")
	storage := memory.New()

	auth := keyAuthenticator{}
	for _, seed := range []struct {
		id   string
		role scheduler.Role
	}{
		{"admin-1", scheduler.RoleAdmin},
		{"trainer-1", scheduler.RoleTrainer},
		{"trainer-2", scheduler.RoleTrainer},
		{"client-1", scheduler.RoleClient},
	} {
		fixture := testfixtures.NewActorFixture(testfixtures.WithActorID(seed.id), testfixtures.WithActorRole(seed.role))
		if err := storage.CreateActor(ctx, fixture.Persistence()); err != nil {
			t.Fatalf("seed actor: %v", err)
		}
		auth[seed.id+"-key"] = collaboration.Identity{ID: seed.id, DisplayName: fixture.DisplayName, Role: seed.role}
	}

	actors := application.NewActorService(storage, application.ActorServiceOptions{
		Now:        clock.NowFunc(),
		HashParams: application.Argon2idParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16},
		Logger:     logger,
	})
	sequencer := scheduler.NewSequencer(clock.NowFunc())
	broadcaster := broadcast.New(broadcast.Options{Sequencer: sequencer, Now: clock.NowFunc(), Logger: logger})
	store := scheduler.NewStore(scheduler.StoreOptions{
		Repository:  application.NewSessionStore(storage),
		Publisher:   broadcaster,
		Overrides:   application.NewOverrideAudit(storage, broadcaster, ids.NextFunc(), logger),
		Now:         clock.NowFunc(),
		IDGenerator: ids.NextFunc(),
		Sequencer:   sequencer,
		Logger:      logger,
	})
	tokens, err := collaboration.NewTokenIssuer([]byte("test-secret-0123456789"), time.Hour, clock.NowFunc())
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	coord, err := collaboration.NewCoordinator(collaboration.Options{
		Registry:    actors,
		Tokens:      tokens,
		Mutator:     store,
		Events:      broadcaster,
		Now:         clock.NowFunc(),
		Sequencer:   sequencer,
		IDGenerator: ids.NextFunc(),
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	sessions, err := application.NewSessionService(application.SessionServiceDeps{
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

	handler := NewRouter(RouterConfig{
		Sessions:      NewSessionHandler(sessions, logger),
		Series:        NewSeriesHandler(sessions, logger),
		Actors:        NewActorHandler(actors, logger),
		Collaboration: NewCollaborationHandler(coord, logger),
		Hub:           NewHub(coord, broadcaster, sessions, HubOptions{Logger: logger}),
		Authenticate:  RequireActor(auth, logger),
		Middleware:    []func(http.Handler) http.Handler{RequestLogger(logger)},
	})

	return &apiEnv{clock: clock, broadcaster: broadcaster, coord: coord, sessions: sessions, handler: handler}
}

func (e *apiEnv) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(strings.NewReader(rec.Body.String())).Decode(&out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

// tomorrow returns hh:mm on the day after the fixture reference time.
func tomorrow(hour, minute int) time.Time {
	ref := testfixtures.ReferenceTime()
	return time.Date(ref.Year(), ref.Month(), ref.Day()+1, hour, minute, 0, 0, time.UTC)
}

func (e *apiEnv) createSession(t *testing.T, key, trainer string, start time.Time, minutes int) scheduler.Session {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/sessions", key, map[string]any{
		"startTime": start,
		"duration":  minutes,
		"trainerId": trainer,
		"location":  "Studio A",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: status %d body %s", rec.Code, rec.Body.String())
	}
	return decodeJSON[scheduler.Session](t, rec)
}
