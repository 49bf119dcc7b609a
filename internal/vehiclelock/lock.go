// Package vehiclelock serializes route rebuilds per vehicle. There is no
// lock across vehicles.
//
// TryLock is for background work that skips a busy vehicle. Lock is for work
// that must not be dropped, such as a cancellation: it cancels the current
// holder's context and waits for it to release.
package vehiclelock

import (
	"context"
	"errors"
	"sync"
)

// ErrConflict means another rebuild holds the vehicle.
var ErrConflict = errors.New("vehicle is locked")

type Locker interface {
	TryLock(ctx context.Context, vehicleID string) (context.Context, func(), error)
	Lock(ctx context.Context, vehicleID string) (context.Context, func(), error)
}

type holder struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]*holder
}

func NewLocal() *Local { return &Local{held: map[string]*holder{}} }

// TryLock acquires vehicleID or fails immediately with ErrConflict. The
// returned context is cancelled when a Lock caller preempts this holder.
func (l *Local) TryLock(ctx context.Context, vehicleID string) (context.Context, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[vehicleID]; busy {
		return nil, nil, ErrConflict
	}
	return l.acquire(ctx, vehicleID)
}

// Lock acquires vehicleID, preempting the current holder.
func (l *Local) Lock(ctx context.Context, vehicleID string) (context.Context, func(), error) {
	for {
		l.mu.Lock()
		h, busy := l.held[vehicleID]
		if !busy {
			defer l.mu.Unlock()
			return l.acquire(ctx, vehicleID)
		}
		h.cancel()
		l.mu.Unlock()
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// Held reports whether vehicleID is currently locked.
func (l *Local) Held(vehicleID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[vehicleID]
	return ok
}

// acquire must run with l.mu held.
func (l *Local) acquire(ctx context.Context, vehicleID string) (context.Context, func(), error) {
	lctx, cancel := context.WithCancel(ctx)
	h := &holder{cancel: cancel, done: make(chan struct{})}
	l.held[vehicleID] = h
	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			if l.held[vehicleID] == h {
				delete(l.held, vehicleID)
			}
			l.mu.Unlock()
			cancel()
			close(h.done)
		})
	}
	return lctx, release, nil
}
