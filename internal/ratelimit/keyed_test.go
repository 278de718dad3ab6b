package ratelimit

import "testing"

func TestKeyedLimiter_PerKeyBudget(t *testing.T) {
	l, err := NewKeyedLimiter(0.001, 2, 16, nil)
	if err != nil {
		t.Fatalf("NewKeyedLimiter: %v", err)
	}
	for i := 0; i < 2; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("attempt %d: expected burst to be allowed", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatalf("expected third attempt to be limited")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatalf("expected independent budget for a different key")
	}
}

func TestKeyedLimiter_DisabledWhenRateZero(t *testing.T) {
	l, err := NewKeyedLimiter(0, 1, 16, nil)
	if err != nil {
		t.Fatalf("NewKeyedLimiter: %v", err)
	}
	for i := 0; i < 100; i++ {
		if !l.Allow("k") {
			t.Fatalf("attempt %d limited with rate disabled", i)
		}
	}
	if l.Len() != 0 {
		t.Fatalf("Len=%d, want 0 (no state kept when disabled)", l.Len())
	}
}

func TestKeyedLimiter_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	l, err := NewKeyedLimiter(0.001, 1, 2, func(key string) { evicted = append(evicted, key) })
	if err != nil {
		t.Fatalf("NewKeyedLimiter: %v", err)
	}
	l.Allow("a")
	l.Allow("b")
	l.Allow("c")

	if l.Len() != 2 {
		t.Fatalf("Len=%d, want 2", l.Len())
	}
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("evicted=%v, want [a]", evicted)
	}
	// "a" was evicted, so it starts with a fresh burst.
	if !l.Allow("a") {
		t.Fatalf("expected evicted key to get a fresh budget")
	}
}

func TestKeyedLimiter_NilIsPermissive(t *testing.T) {
	var l *KeyedLimiter
	if !l.Allow("x") {
		t.Fatalf("nil limiter must allow")
	}
}
