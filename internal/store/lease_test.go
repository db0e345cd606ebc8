package store

import (
	"context"
	"testing"
	"time"

	logx "tgblast/pkg/logx"
)

func TestLeaseAcquireRelease(t *testing.T) {
	t.Parallel()
	l := NewLeases(2, 0, logx.Nop())

	r1, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	r2, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := l.InUse(); got != 2 {
		t.Fatalf("InUse = %d, want 2", got)
	}

	r1()
	r1() // double release is a no-op
	if got := l.InUse(); got != 1 {
		t.Fatalf("InUse after release = %d, want 1", got)
	}
	r2()
	if got := l.InUse(); got != 0 {
		t.Fatalf("InUse = %d, want 0", got)
	}
}

func TestLeaseBlocksAtCapacity(t *testing.T) {
	t.Parallel()
	l := NewLeases(1, 0, logx.Nop())

	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		r, err := l.Acquire(context.Background())
		if err == nil {
			r()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while pool is full")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestLeaseAcquireHonorsContext(t *testing.T) {
	t.Parallel()
	l := NewLeases(1, 0, logx.Nop())
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); err == nil {
		t.Fatal("expected context error while pool exhausted")
	}
}
