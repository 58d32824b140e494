package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"grimm.is/paramstrip/internal/clock"
	"grimm.is/paramstrip/internal/logging"
	"grimm.is/paramstrip/internal/rules"
	"grimm.is/paramstrip/internal/rulesync"
)

func newTestScheduler(t *testing.T) (*Scheduler, *clock.MockClock) {
	t.Helper()
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	t.Cleanup(clock.SetDefault(mc))

	s := New(logging.Nop())
	s.Tick = time.Hour // runDue is driven by the tests
	return s, mc
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestScheduler_AddTask(t *testing.T) {
	s, _ := newTestScheduler(t)
	noop := func(ctx context.Context) error { return nil }

	if err := s.AddTask(&Task{ID: "a", Name: "A", Interval: time.Minute, Func: noop}); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if err := s.AddTask(&Task{ID: "a", Name: "A", Interval: time.Minute, Func: noop}); err == nil {
		t.Error("Expected error adding duplicate task")
	}
	if err := s.AddTask(&Task{ID: "b", Func: noop}); err == nil {
		t.Error("Expected error for zero interval")
	}
	if err := s.AddTask(&Task{Interval: time.Minute, Func: noop}); err == nil {
		t.Error("Expected error for missing ID")
	}

	if got := len(s.Status()); got != 1 {
		t.Errorf("Expected 1 task status, got %d", got)
	}
}

func TestScheduler_RunsDueTasks(t *testing.T) {
	s, mc := newTestScheduler(t)

	var runs atomic.Int32
	s.AddTask(&Task{
		ID:       "count",
		Name:     "Count",
		Interval: time.Minute,
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	s.Start(context.Background())
	defer s.Stop()

	s.runDue(mc.Now())
	if runs.Load() != 0 {
		t.Fatal("task ran before its interval elapsed")
	}

	mc.Advance(time.Minute)
	s.runDue(mc.Now())
	waitFor(t, func() bool { return s.Status()[0].RunCount == 1 })

	st := s.Status()[0]
	if !st.NextRun.Equal(mc.Now().Add(time.Minute)) {
		t.Errorf("NextRun = %v, want one interval after the run", st.NextRun)
	}
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	s, mc := newTestScheduler(t)

	release := make(chan struct{})
	var runs atomic.Int32
	s.AddTask(&Task{
		ID:       "slow",
		Name:     "Slow",
		Interval: time.Second,
		Func: func(ctx context.Context) error {
			runs.Add(1)
			<-release
			return nil
		},
	})
	s.Start(context.Background())

	mc.Advance(time.Second)
	s.runDue(mc.Now())
	waitFor(t, func() bool { return runs.Load() == 1 })

	mc.Advance(time.Second)
	s.runDue(mc.Now())
	close(release)
	s.Stop()

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1 while the first run was in flight", got)
	}
}

func TestScheduler_RunOnStartAndErrors(t *testing.T) {
	s, _ := newTestScheduler(t)

	s.AddTask(&Task{
		ID:         "fail",
		Name:       "Fail",
		Interval:   time.Hour,
		RunOnStart: true,
		Func:       func(ctx context.Context) error { return errors.New("boom") },
	})
	if err := s.RunTask("fail"); err == nil {
		t.Error("RunTask before Start should fail")
	}

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return s.Status()[0].ErrorCount == 1 })
	if st := s.Status()[0]; st.LastError != "boom" || st.Running {
		t.Errorf("status = %+v, want the failure recorded", st)
	}

	if err := s.RunTask("missing"); err == nil {
		t.Error("RunTask of unknown task should fail")
	}
}

type fakeReconciler struct {
	drift rulesync.Drift
	err   error
	calls atomic.Int32
}

func (f *fakeReconciler) Reconcile(ctx context.Context, dryRun bool) (rulesync.Drift, error) {
	f.calls.Add(1)
	if dryRun {
		return rulesync.Drift{}, errors.New("reconcile task must repair")
	}
	return f.drift, f.err
}

func TestReconcileTask(t *testing.T) {
	ctx := context.Background()

	clean := &fakeReconciler{}
	task := NewReconcileTask(clean, time.Minute, logging.Nop())
	if err := task.Func(ctx); err != nil {
		t.Errorf("clean reconcile error = %v", err)
	}

	partial := &fakeReconciler{drift: rulesync.Drift{
		Missing: []rules.Record{rules.Spec{Parameter: "a"}.Build(1, true)},
		Errors:  []string{"activate rule 1: rejected"},
	}}
	task = NewReconcileTask(partial, time.Minute, logging.Nop())
	if err := task.Func(ctx); err == nil {
		t.Error("expected an error when drift could not be repaired")
	}

	broken := &fakeReconciler{err: rules.ErrStoreWriteFailed}
	task = NewReconcileTask(broken, time.Minute, logging.Nop())
	if err := task.Func(ctx); !errors.Is(err, rules.ErrStoreWriteFailed) {
		t.Errorf("error = %v, want the reconcile failure", err)
	}
}
