package ratelimit

import (
	"testing"
	"time"

	"grimm.is/paramstrip/internal/clock"
)

func withMockClock(t *testing.T) *clock.MockClock {
	t.Helper()
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	t.Cleanup(clock.SetDefault(mc))
	return mc
}

func TestLimiter_Allow_Burst(t *testing.T) {
	withMockClock(t)
	l := NewLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("4th request should be denied (burst exhausted)")
	}
}

func TestLimiter_Allow_Refills(t *testing.T) {
	mc := withMockClock(t)
	l := NewLimiter(2, 1)

	if !l.Allow("k") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("k") {
		t.Fatal("second request should be denied")
	}

	mc.Advance(500 * time.Millisecond)
	if !l.Allow("k") {
		t.Error("request after refill should be allowed")
	}
}

func TestLimiter_Allow_DifferentKeys(t *testing.T) {
	withMockClock(t)
	l := NewLimiter(1, 1)

	if !l.Allow("a") || !l.Allow("b") {
		t.Error("each key has its own bucket")
	}
	if l.Allow("a") {
		t.Error("key a should be exhausted")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	withMockClock(t)
	l := NewLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !l.Allow("k") {
			t.Fatalf("request %d denied with limiting disabled", i)
		}
	}
}

func TestLimiter_AllowN(t *testing.T) {
	withMockClock(t)
	l := NewLimiter(1, 5)
	if !l.AllowN("k", 5) {
		t.Error("AllowN(5) within burst should succeed")
	}
	if l.AllowN("k", 1) {
		t.Error("bucket should be empty")
	}
}

func TestLimiter_ResetAndCleanup(t *testing.T) {
	mc := withMockClock(t)
	l := NewLimiter(1, 1)

	l.Allow("old")
	mc.Advance(time.Hour)
	l.Allow("new")
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}

	l.CleanupExpired(time.Minute)
	if l.Len() != 1 {
		t.Errorf("Len() after cleanup = %d, want 1", l.Len())
	}

	l.Reset("new")
	if l.Len() != 0 {
		t.Errorf("Len() after reset = %d, want 0", l.Len())
	}
}
