package application

import (
	"context"
	"errors"
	"testing"

	"github.com/example/studio-scheduler/internal/collaboration"
	"github.com/example/studio-scheduler/internal/scheduler"
)

func TestActorService_CreateAndAuthenticate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	creds, err := env.actors.CreateActor(ctx, env.admin, ActorInput{ID: "coach-3", DisplayName: " Coach Three ", Role: "Trainer"})
	if err != nil {
		t.Fatalf("create actor: %v", err)
	}
	if creds.Actor.DisplayName != "Coach Three" || creds.Actor.Role != scheduler.RoleTrainer {
		t.Fatalf("unexpected actor view %+v", creds.Actor)
	}

	identity, err := env.actors.Authenticate(ctx, creds.AccessKey)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if identity.ID != "coach-3" || identity.Role != scheduler.RoleTrainer {
		t.Fatalf("unexpected identity %+v", identity)
	}

	if _, err := env.actors.Authenticate(ctx, "coach-3.wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := env.actors.Authenticate(ctx, "garbage"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for malformed key, got %v", err)
	}
}

func TestActorService_CreateRequiresAdmin(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	_, err := env.actors.CreateActor(context.Background(), env.trainer, ActorInput{ID: "x", DisplayName: "X", Role: "client"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestActorService_CreateValidatesAndRejectsDuplicates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.actors.CreateActor(ctx, env.admin, ActorInput{ID: "", DisplayName: "", Role: "owner"})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"id", "displayName", "role"} {
		if _, ok := vErr.FieldErrors[field]; !ok {
			t.Fatalf("expected %s error, got %v", field, vErr.FieldErrors)
		}
	}

	_, err = env.actors.CreateActor(ctx, env.admin, ActorInput{ID: "trainer-1", DisplayName: "Again", Role: "trainer"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestActorService_RotateKeyInvalidatesOldKey(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	creds, err := env.actors.CreateActor(ctx, env.admin, ActorInput{ID: "client-9", DisplayName: "Client", Role: "client"})
	if err != nil {
		t.Fatalf("create actor: %v", err)
	}
	if _, err := env.actors.Authenticate(ctx, creds.AccessKey); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	self := scheduler.Actor{ID: "client-9", Role: scheduler.RoleClient}
	rotated, err := env.actors.RotateKey(ctx, self, "client-9")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := env.actors.Authenticate(ctx, creds.AccessKey); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old key to be rejected, got %v", err)
	}
	if _, err := env.actors.Authenticate(ctx, rotated.AccessKey); err != nil {
		t.Fatalf("expected new key to work: %v", err)
	}

	if _, err := env.actors.RotateKey(ctx, self, "trainer-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected clients to be limited to their own key, got %v", err)
	}
}

func TestActorService_LookupAndDelete(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	identity, err := env.actors.Lookup(ctx, "trainer-2")
	if err != nil || identity.Role != scheduler.RoleTrainer {
		t.Fatalf("lookup: %+v %v", identity, err)
	}
	if _, err := env.actors.Lookup(ctx, "nobody"); !errors.Is(err, collaboration.ErrUnknownActor) {
		t.Fatalf("expected ErrUnknownActor, got %v", err)
	}

	var vErr *ValidationError
	if err := env.actors.DeleteActor(ctx, env.admin, env.admin.ID); !errors.As(err, &vErr) {
		t.Fatalf("expected admins not to delete themselves, got %v", err)
	}
	if err := env.actors.DeleteActor(ctx, env.admin, "trainer-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.actors.DeleteActor(ctx, env.admin, "trainer-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}

	actors, err := env.actors.ListActors(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(actors) != 3 {
		t.Fatalf("expected three actors left, got %d", len(actors))
	}
}
