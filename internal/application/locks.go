package application

import (
	"context"
	"sync"
)

// NameLocks serializes operations per release name. A lock is taken when
// an operation is accepted and released when its workflow finishes, so
// it outlives the request that took it.
type NameLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// TryLock takes the lock for name without blocking. The returned unlock
// func is idempotent.
func (l *NameLocks) TryLock(name string) (unlock func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[name]; busy {
		return nil, false
	}
	if l.held == nil {
		l.held = make(map[string]chan struct{})
	}
	done := make(chan struct{})
	l.held[name] = done

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
			close(done)
		})
	}, true
}

// Held reports whether name is locked.
func (l *NameLocks) Held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[name]
	return ok
}

// Wait blocks until name is not locked or ctx ends.
func (l *NameLocks) Wait(ctx context.Context, name string) error {
	l.mu.Lock()
	done, ok := l.held[name]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
