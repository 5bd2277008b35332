package application

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/example/studio-scheduler/internal/collaboration"
)

// keyCache remembers recently verified access keys so that argon2 runs once per key and TTL
// rather than on every request. Entries are keyed by a digest of the presented key, never the key.
type keyCache struct {
	mu         sync.RWMutex
	now        func() time.Time
	ttl        time.Duration
	maxEntries int
	entries    map[string]keyCacheEntry
}

type keyCacheEntry struct {
	identity  collaboration.Identity
	expiresAt time.Time
}

func newKeyCache(ttl time.Duration, maxEntries int, now func() time.Time) *keyCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if now == nil {
		now = time.Now
	}
	return &keyCache{
		now:        now,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]keyCacheEntry),
	}
}

func keyDigest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (c *keyCache) Get(key string) (collaboration.Identity, bool) {
	if c == nil {
		return collaboration.Identity{}, false
	}
	digest := keyDigest(key)
	c.mu.RLock()
	entry, ok := c.entries[digest]
	c.mu.RUnlock()
	if !ok {
		return collaboration.Identity{}, false
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, digest)
		c.mu.Unlock()
		return collaboration.Identity{}, false
	}
	return entry.identity, true
}

func (c *keyCache) Store(key string, identity collaboration.Identity) {
	if c == nil {
		return
	}
	expiry := c.now().Add(c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupLocked()
	if len(c.entries) >= c.maxEntries {
		c.evictOneLocked()
	}
	c.entries[keyDigest(key)] = keyCacheEntry{identity: identity, expiresAt: expiry}
}

// Forget drops every entry of one actor, e.g. after its key was rotated or it was deleted.
func (c *keyCache) Forget(actorID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for digest, entry := range c.entries {
		if entry.identity.ID == actorID {
			delete(c.entries, digest)
		}
	}
}

func (c *keyCache) cleanupLocked() {
	now := c.now()
	for digest, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, digest)
		}
	}
}

func (c *keyCache) evictOneLocked() {
	var (
		oldest string
		expiry time.Time
	)
	for digest, entry := range c.entries {
		if oldest == "" || entry.expiresAt.Before(expiry) {
			oldest, expiry = digest, entry.expiresAt
		}
	}
	delete(c.entries, oldest)
}
