package broadcast

import (
	"sync"

	"github.com/example/studio-scheduler/internal/scheduler"
)

// ApplyResult says what a receiver did with a delta.
type ApplyResult int

const (
	// Applied advanced the known version.
	Applied ApplyResult = iota + 1
	// Duplicate was already seen and is ignored.
	Duplicate
	// Gap means an earlier delta was missed; the receiver must resynchronise the session.
	Gap
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	}
	return "unknown"
}

// Replica tracks the version a receiver holds for each session so deltas apply idempotently.
type Replica struct {
	mu       sync.Mutex
	versions map[string]int64
}

// NewReplica returns an empty replica.
func NewReplica() *Replica {
	return &Replica{versions: make(map[string]int64)}
}

// Seed records a version obtained from a full snapshot.
func (r *Replica) Seed(sessionID string, version int64) {
	r.mu.Lock()
	r.versions[sessionID] = version
	r.mu.Unlock()
}

// Forget drops what is known about a session.
func (r *Replica) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.versions, sessionID)
	r.mu.Unlock()
}

// Version returns the known version of a session.
func (r *Replica) Version(sessionID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[sessionID]
	return v, ok
}

// Apply accepts a delta only when its FromVersion matches the known version. A session the
// replica has never seen is adopted from a creation delta or a delta carrying a snapshot.
func (r *Replica) Apply(delta scheduler.Delta) ApplyResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	known, ok := r.versions[delta.SessionID]
	switch {
	case !ok && (delta.FromVersion == 0 || delta.Session != nil || delta.Deleted()):
	case !ok:
		return Gap
	case delta.ToVersion <= known:
		return Duplicate
	case delta.FromVersion != known:
		return Gap
	}

	if delta.Deleted() {
		delete(r.versions, delta.SessionID)
		return Applied
	}
	r.versions[delta.SessionID] = delta.ToVersion
	return Applied
}
