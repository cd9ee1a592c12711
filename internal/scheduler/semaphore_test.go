package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(0)
	if s.Cap() != 1 {
		t.Fatalf("cap = %d, want 1", s.Cap())
	}
	if !s.TryAcquire() || s.TryAcquire() {
		t.Fatal("expected exactly one slot")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); err == nil {
		t.Fatal("acquire on a full semaphore should time out")
	}
	s.Release()
	if s.InUse() != 0 {
		t.Fatalf("in use = %d", s.InUse())
	}
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
}
