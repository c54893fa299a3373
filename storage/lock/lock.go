// Package lock serialises work on a single key (a lease id) across goroutines
// and, with the Redis implementation, across replicas.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned when the lock could not be obtained before the
// context expired.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker hands out exclusive locks keyed by string. The returned release
// function is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
