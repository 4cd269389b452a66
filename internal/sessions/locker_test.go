package sessions

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTryAcquireRejectsWhileHeld(t *testing.T) {
	l := NewLocker()
	release, err := l.TryAcquire("s1")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if _, err := l.TryAcquire("s1"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second TryAcquire: %v", err)
	}
	if _, err := l.TryAcquire("s2"); err != nil {
		t.Fatalf("other session blocked: %v", err)
	}
	release()
	if _, err := l.TryAcquire("s1"); err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
}

func TestAcquireQueuesBehindHolder(t *testing.T) {
	l := NewLocker()
	release, _ := l.TryAcquire("s1")

	acquired := make(chan struct{})
	go func() {
		r, err := l.Acquire(context.Background(), "s1", 5*time.Second)
		if err != nil {
			t.Errorf("queued Acquire: %v", err)
			close(acquired)
			return
		}
		defer r()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("queued writer got the lock while held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("queued writer never got the lock")
	}
}

func TestAcquireTimesOut(t *testing.T) {
	l := NewLocker()
	l.TryAcquire("s1")
	_, err := l.Acquire(context.Background(), "s1", 20*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v", err)
	}
}

func TestAcquireObservesCancel(t *testing.T) {
	l := NewLocker()
	l.TryAcquire("s1")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := l.Acquire(ctx, "s1", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l := NewLocker()
	release, _ := l.TryAcquire("s1")
	release()
	release()
	if l.IsLocked("s1") {
		t.Fatal("still locked after release")
	}
	if _, err := l.TryAcquire("s1"); err != nil {
		t.Fatalf("TryAcquire after double release: %v", err)
	}
}
