package locksource

import (
	"context"
	"sync"
)

// Local provides locks backed by local concurrency primitives.
//
// The zero Local is ready for use. A Local must not be copied after first
// use.
type Local struct {
	m sync.Map
}

// A barrier is closed when the holder of a key releases it.
type barrier chan struct{}

var _ ContextLock = (*Local)(nil)

// Lock implements [ContextLock].
func (l *Local) Lock(ctx context.Context, key string) (context.Context, context.CancelFunc) {
	for {
		v, held := l.m.LoadOrStore(key, make(barrier))
		b := v.(barrier)
		if !held {
			c, f := context.WithCancel(ctx)
			return c, l.release(b, key, f)
		}
		select {
		case <-b:
			// The previous holder released; race for it again.
		case <-ctx.Done():
			return ctx, func() {}
		}
	}
}

// TryLock implements [ContextLock].
func (l *Local) TryLock(ctx context.Context, key string) (context.Context, context.CancelFunc) {
	c, f := context.WithCancel(ctx)
	v, held := l.m.LoadOrStore(key, make(barrier))
	if held {
		f()
		return c, func() {}
	}
	return c, l.release(v.(barrier), key, f)
}

// Release returns a CancelFunc that cancels the derived Context, removes
// the key, and wakes every waiter.
func (l *Local) release(b barrier, key string, cancel context.CancelFunc) context.CancelFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			l.m.Delete(key)
			close(b)
		})
	}
}
