package clock

import (
	"testing"
	"time"
)

func TestNow_UsesSystemClock(t *testing.T) {
	before := time.Now()
	got := Now()
	if got.Before(before) || got.After(time.Now()) {
		t.Errorf("Now() = %v, want the wall clock", got)
	}
}

func TestMockClock(t *testing.T) {
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(start)

	mock.Advance(time.Hour)
	if d := mock.Since(start); d != time.Hour {
		t.Errorf("Since() = %v, want 1h", d)
	}

	mock.Set(start)
	if !mock.Now().Equal(start) {
		t.Errorf("Now() after Set = %v", mock.Now())
	}
}

func TestSetDefault_Restores(t *testing.T) {
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	restore := SetDefault(Func(func() time.Time { return frozen }))

	if got := Now(); !got.Equal(frozen) {
		t.Fatalf("Now() = %v, want %v", got, frozen)
	}
	if d := Since(frozen.Add(-time.Minute)); d != time.Minute {
		t.Errorf("Since() = %v", d)
	}

	restore()
	if Now().Equal(frozen) {
		t.Error("still frozen after restore")
	}
}
