package collaboration

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockDenied indicates another actor holds a live lock on the event.
	ErrLockDenied = errors.New("collaboration: lock denied")
	// ErrLockNotHeld indicates the actor tried to renew or release a lock it does not own.
	ErrLockNotHeld = errors.New("collaboration: lock not held")
	// ErrUnknownActor indicates the actor registry has no such actor.
	ErrUnknownActor = errors.New("collaboration: unknown actor")
	// ErrInvalidToken indicates a presence token failed verification.
	ErrInvalidToken = errors.New("collaboration: invalid session token")
	// ErrConflictNotFound indicates the conflict id is unknown or already resolved.
	ErrConflictNotFound = errors.New("collaboration: conflict not found")
	// ErrUnknownPolicy indicates an unsupported resolution policy name.
	ErrUnknownPolicy = errors.New("collaboration: unknown resolution policy")
)

// LockDeniedError names the actor currently holding the lock.
type LockDeniedError struct {
	EventID   string
	Owner     Identity
	ExpiresAt time.Time
}

func (e *LockDeniedError) Error() string {
	return fmt.Sprintf("%s: %s holds %s until %s", ErrLockDenied, e.Owner.ID, e.EventID, e.ExpiresAt.Format(time.RFC3339))
}

func (e *LockDeniedError) Unwrap() error { return ErrLockDenied }
