// Package locksource describes the locking interface used to serialize
// work on shared keys: build slots are locked per (release, platform) so
// concurrent requests coalesce onto one container run, and sync runs are
// locked per index so overlapping managers skip instead of duplicating a
// traversal.
//
// Locks are process-local by default ([Local]). Running several proxy
// processes against one catalog is still safe without a shared lock
// backend: duplicate builds converge because artifacts are written to
// content-addressed paths with overwrite semantics, and sync work is
// idempotent. A shared implementation only removes the wasted work.
package locksource

import (
	"context"
	"strings"
)

// ContextLock abstracts over how locks are implemented.
//
// Lock and TryLock take an exclusive lock on the key and return a Context
// that is canceled if the parent Context is canceled or the lock is lost
// for some other reason. The CancelFunc releases the lock and must always
// be called.
type ContextLock interface {
	// Lock waits to acquire the named lock.
	Lock(ctx context.Context, key string) (context.Context, context.CancelFunc)
	// TryLock returns a canceled Context instead of waiting when the lock
	// is held elsewhere.
	TryLock(ctx context.Context, key string) (context.Context, context.CancelFunc)
}

// Key assembles a lock key from parts. Keys are namespaced by convention:
// "build/<release-id>/<platform-id>", "sync/<index-slug>".
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}
