package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grimm.is/paramstrip/internal/logging"
	"grimm.is/paramstrip/internal/rulesync"
)

// Reconciler repairs drift between the engine and the persisted rules.
type Reconciler interface {
	Reconcile(ctx context.Context, dryRun bool) (rulesync.Drift, error)
}

// NewReconcileTask creates a task that repairs engine drift every interval.
func NewReconcileTask(r Reconciler, interval time.Duration, logger *logging.Logger) *Task {
	return &Task{
		ID:          "reconcile",
		Name:        "Reconcile",
		Description: "Repair drift between the engine and the persisted rules",
		Interval:    interval,
		Timeout:     30 * time.Second,
		Func: func(ctx context.Context) error {
			drift, err := r.Reconcile(ctx, false)
			if err != nil {
				return err
			}
			if drift.Empty() {
				return nil
			}
			logger.Warn("repaired engine drift",
				"missing", len(drift.Missing), "orphans", len(drift.Orphans), "stale", len(drift.Stale), "fixed", drift.Fixed)
			if len(drift.Errors) > 0 {
				return fmt.Errorf("%d rules could not be repaired: %w", len(drift.Errors), errors.New(drift.Errors[0]))
			}
			return nil
		},
	}
}
