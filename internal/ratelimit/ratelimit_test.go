package ratelimit

import (
	"testing"
	"time"
)

func TestNewLimiter_Disabled(t *testing.T) {
	l := NewLimiter(0)
	now := time.Unix(100, 0)
	for i := 0; i < 1000; i++ {
		if !l.AllowN(now, 1) {
			t.Fatalf("disabled limiter rejected event %d", i)
		}
	}
}

func TestNewLimiter_BurstThenRefill(t *testing.T) {
	l := NewLimiter(5)
	now := time.Unix(100, 0)
	for i := 0; i < 5; i++ {
		if !l.AllowN(now, 1) {
			t.Fatalf("event %d rejected inside burst", i)
		}
	}
	if l.AllowN(now, 1) {
		t.Fatalf("event allowed past burst")
	}
	if !l.AllowN(now.Add(200*time.Millisecond), 1) {
		t.Fatalf("event rejected after refill")
	}
}

func TestKeyedLimiter_IsolatesKeys(t *testing.T) {
	l, err := NewKeyedLimiter[string](2, 16, nil)
	if err != nil {
		t.Fatalf("NewKeyedLimiter: %v", err)
	}
	now := time.Unix(100, 0)

	if !l.Allow("a", now) || !l.Allow("a", now) {
		t.Fatalf("a rejected inside burst")
	}
	if l.Allow("a", now) {
		t.Fatalf("a allowed past burst")
	}
	if !l.Allow("b", now) {
		t.Fatalf("b rejected; buckets must be per key")
	}
	if !l.Allow("a", now.Add(time.Second)) {
		t.Fatalf("a rejected after refill")
	}
}

func TestKeyedLimiter_EvictsOldestKey(t *testing.T) {
	evicted := 0
	l, err := NewKeyedLimiter[int](1, 2, func() { evicted++ })
	if err != nil {
		t.Fatalf("NewKeyedLimiter: %v", err)
	}
	now := time.Unix(100, 0)

	l.Allow(1, now)
	l.Allow(2, now)
	l.Allow(3, now)

	if evicted != 1 {
		t.Fatalf("evicted=%d, want 1", evicted)
	}
	if got := l.Len(); got != 2 {
		t.Fatalf("Len=%d, want 2", got)
	}
	// Key 1 was evicted, so it starts with a fresh bucket.
	if !l.Allow(1, now) {
		t.Fatalf("evicted key did not get a fresh bucket")
	}
}

func TestKeyedLimiter_RejectsNonPositiveRate(t *testing.T) {
	if _, err := NewKeyedLimiter[string](0, 1, nil); err == nil {
		t.Fatalf("expected error for zero rate")
	}
}
