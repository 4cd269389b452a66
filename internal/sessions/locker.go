package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrLockTimeout is returned when a queued writer gives up waiting.
	ErrLockTimeout = errors.New("sessions: lock acquisition timeout")

	// ErrLockHeld is returned by TryAcquire when another run owns the
	// session.
	ErrLockHeld = errors.New("sessions: session busy")
)

// Locker serializes turns per session. Each key has a one-slot semaphore;
// Acquire queues behind the current holder, TryAcquire rejects immediately
// so the hub can surface busy.
type Locker struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewLocker creates an empty locker.
func NewLocker() *Locker {
	return &Locker{sems: make(map[string]chan struct{})}
}

func (l *Locker) sem(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.sems[key] = s
	}
	return s
}

// Acquire blocks until the session lock is free, the timeout passes, or ctx
// is cancelled. The returned release function is idempotent.
func (l *Locker) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	s := l.sem(key)
	select {
	case s <- struct{}{}:
		return l.releaser(s), nil
	default:
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s <- struct{}{}:
		return l.releaser(s), nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes the lock without waiting.
func (l *Locker) TryAcquire(key string) (func(), error) {
	s := l.sem(key)
	select {
	case s <- struct{}{}:
		return l.releaser(s), nil
	default:
		return nil, ErrLockHeld
	}
}

// IsLocked reports whether the session currently has a holder.
func (l *Locker) IsLocked(key string) bool {
	l.mu.Lock()
	s, ok := l.sems[key]
	l.mu.Unlock()
	return ok && len(s) > 0
}

func (l *Locker) releaser(s chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-s })
	}
}
