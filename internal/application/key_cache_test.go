package application

import (
	"testing"
	"time"

	"github.com/example/studio-scheduler/internal/collaboration"
	"github.com/example/studio-scheduler/internal/scheduler"
)

func TestKeyCacheExpiresEntries(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	current := fixed
	cache := newKeyCache(time.Second, 4, func() time.Time { return current })

	cache.Store("trainer-1.secret", collaboration.Identity{ID: "trainer-1", Role: scheduler.RoleTrainer})
	if got, ok := cache.Get("trainer-1.secret"); !ok || got.ID != "trainer-1" {
		t.Fatalf("expected cache hit before expiry, got %+v %v", got, ok)
	}

	current = current.Add(2 * time.Second)
	if _, ok := cache.Get("trainer-1.secret"); ok {
		t.Fatalf("expected cache entry to expire")
	}
}

func TestKeyCacheForgetDropsEveryKeyOfActor(t *testing.T) {
	cache := newKeyCache(time.Minute, 4, time.Now)
	cache.Store("trainer-1.old", collaboration.Identity{ID: "trainer-1"})
	cache.Store("trainer-1.new", collaboration.Identity{ID: "trainer-1"})
	cache.Store("client-1.key", collaboration.Identity{ID: "client-1"})

	cache.Forget("trainer-1")

	if _, ok := cache.Get("trainer-1.old"); ok {
		t.Fatalf("expected old key to be forgotten")
	}
	if _, ok := cache.Get("trainer-1.new"); ok {
		t.Fatalf("expected new key to be forgotten")
	}
	if _, ok := cache.Get("client-1.key"); !ok {
		t.Fatalf("expected other actors to stay cached")
	}
}

func TestKeyCacheEvictsOldestWhenFull(t *testing.T) {
	current := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	cache := newKeyCache(time.Minute, 2, func() time.Time { return current })

	cache.Store("a", collaboration.Identity{ID: "a"})
	current = current.Add(time.Second)
	cache.Store("b", collaboration.Identity{ID: "b"})
	current = current.Add(time.Second)
	cache.Store("c", collaboration.Identity{ID: "c"})

	if _, ok := cache.Get("a"); ok {
		t.Fatalf("expected oldest entry to be evicted")
	}
	if _, ok := cache.Get("c"); !ok {
		t.Fatalf("expected newest entry to be cached")
	}
}

func TestKeysRoundTrip(t *testing.T) {
	t.Parallel()

	hash, err := HashSecret("s3cret", fastHashParams)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := VerifySecret(hash, "s3cret"); err != nil {
		t.Fatalf("expected secret to verify: %v", err)
	}
	if err := VerifySecret(hash, "other"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := VerifySecret("plain", "s3cret"); err != ErrInvalidKeyHash {
		t.Fatalf("expected ErrInvalidKeyHash, got %v", err)
	}

	id, secret, ok := splitAccessKey(formatAccessKey("coach.anna", "abc"))
	if !ok || id != "coach.anna" || secret != "abc" {
		t.Fatalf("unexpected split %q %q %v", id, secret, ok)
	}
	if _, _, ok := splitAccessKey("nodot"); ok {
		t.Fatalf("expected key without separator to be rejected")
	}
}
