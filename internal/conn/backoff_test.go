package conn

import (
	"testing"
	"time"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := backoff{policy: BackoffPolicy{Base: time.Second, Cap: 5 * time.Second, MaxAttempts: 10}}

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second, // capped
		5 * time.Second,
	}
	for i, w := range want {
		delay, ok := b.Next()
		if !ok {
			t.Fatalf("attempt %d: budget exhausted early", i)
		}
		if delay != w {
			t.Fatalf("attempt %d: delay = %v, want %v", i, delay, w)
		}
	}
}

func TestBackoffExhaustsBudget(t *testing.T) {
	b := backoff{policy: BackoffPolicy{Base: time.Millisecond, Cap: time.Second, MaxAttempts: 3}}

	for i := range 3 {
		if _, ok := b.Next(); !ok {
			t.Fatalf("attempt %d refused within budget", i)
		}
	}
	if _, ok := b.Next(); ok {
		t.Fatal("attempt allowed past the budget")
	}
}

func TestBackoffReset(t *testing.T) {
	b := backoff{policy: BackoffPolicy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 2}}

	_, _ = b.Next()
	_, _ = b.Next()
	if _, ok := b.Next(); ok {
		t.Fatal("expected exhausted budget")
	}

	b.Reset()
	delay, ok := b.Next()
	if !ok || delay != time.Second {
		t.Fatalf("after reset: delay = %v, ok = %v", delay, ok)
	}
}

func TestBackoffOverflowFallsBackToCap(t *testing.T) {
	b := backoff{policy: BackoffPolicy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 100}}
	for range 70 {
		delay, ok := b.Next()
		if !ok {
			t.Fatal("budget exhausted early")
		}
		if delay <= 0 || delay > 30*time.Second {
			t.Fatalf("delay out of range: %v", delay)
		}
	}
}
