package ratelimit

import (
	"testing"
	"time"
)

func TestAllowDrainsAndRefills(t *testing.T) {
	at := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	l := New().WithClock(func() time.Time { return at })

	for i := 0; i < 3; i++ {
		if !l.Allow("kis:rest", 3, 1) {
			t.Fatalf("call %d should pass within capacity", i)
		}
	}
	if l.Allow("kis:rest", 3, 1) {
		t.Fatal("drained bucket should reject")
	}

	at = at.Add(2 * time.Second)
	if !l.Allow("kis:rest", 3, 1) {
		t.Fatal("refill should restore a token")
	}
	if !l.Allow("kis:rest", 3, 1) {
		t.Fatal("two seconds should restore two tokens")
	}
	if l.Allow("kis:rest", 3, 1) {
		t.Fatal("third call should exceed the refill")
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	at := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	l := New().WithClock(func() time.Time { return at })

	if !l.Allow("a", 1, 0) {
		t.Fatal("first key should pass")
	}
	if l.Allow("a", 1, 0) {
		t.Fatal("first key should be drained")
	}
	if !l.Allow("b", 1, 0) {
		t.Fatal("second key has its own bucket")
	}
}
