package rulesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"grimm.is/paramstrip/internal/events"
	"grimm.is/paramstrip/internal/rules"
)

// Drift is the difference between the persisted list and the active set.
type Drift struct {
	// Missing are enabled records the engine is not enforcing.
	Missing []rules.Record `json:"missing"`
	// Orphans are active rules with no enabled record behind them.
	Orphans []rules.Rule `json:"orphans"`
	// Stale are enabled records whose active rule differs from the
	// persisted one.
	Stale []rules.Record `json:"stale"`

	Fixed  int      `json:"fixed"`
	Errors []string `json:"errors,omitempty"`
}

// Empty reports whether both sides agree.
func (d Drift) Empty() bool {
	return len(d.Missing) == 0 && len(d.Orphans) == 0 && len(d.Stale) == 0
}

// Reconcile brings the engine back in line with the persisted list, which is
// authoritative. With dryRun it only reports.
func (s *Synchronizer) Reconcile(ctx context.Context, dryRun bool) (Drift, error) {
	op := s.begin(rules.OpReconcile)

	s.mu.Lock()
	drift, err := s.reconcileLocked(ctx, dryRun)
	s.mu.Unlock()

	if err != nil {
		return drift, s.fail(ctx, op, rules.Key{}, 0, err)
	}

	if s.opts.Metrics != nil {
		result := "ok"
		if len(drift.Errors) > 0 {
			result = "partial"
		}
		s.opts.Metrics.RecordOperation(string(op.op), result, sinceSeconds(op))
	}
	s.opts.Events.EmitBulk(events.EventRulesReconcile, events.BulkEventData{
		OpID:    op.id,
		Op:      string(op.op),
		Added:   len(drift.Missing) + len(drift.Stale),
		Removed: len(drift.Orphans),
		Failed:  len(drift.Errors),
	})
	if !drift.Empty() {
		s.logger.Warn("engine drifted from persisted rules",
			"op_id", op.id, "missing", len(drift.Missing), "orphans", len(drift.Orphans),
			"stale", len(drift.Stale), "fixed", drift.Fixed, "dry_run", dryRun)
	}
	s.refreshGauges(ctx)
	return drift, nil
}

func (s *Synchronizer) reconcileLocked(ctx context.Context, dryRun bool) (Drift, error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return Drift{}, err
	}
	active, err := s.engine.ListActive(ctx)
	if err != nil {
		return Drift{}, err
	}

	drift := Diff(snap.Records, active)
	if dryRun {
		return drift, nil
	}

	fix := func(what string, id int, err error) {
		if err != nil {
			drift.Errors = append(drift.Errors, fmt.Sprintf("%s %d: %v", what, id, err))
			return
		}
		drift.Fixed++
	}

	// Orphans go first so re-adds have room under the rule limit.
	for _, r := range drift.Orphans {
		err := s.engine.Deactivate(ctx, r.ID)
		if errors.Is(err, rules.ErrNotFound) {
			err = nil
		}
		fix("deactivate", r.ID, err)
	}
	for _, rec := range drift.Stale {
		err := s.engine.Deactivate(ctx, rec.ID)
		if err == nil || errors.Is(err, rules.ErrNotFound) {
			err = s.engine.Activate(ctx, rec)
		}
		fix("replace", rec.ID, err)
	}
	for _, rec := range drift.Missing {
		fix("activate", rec.ID, s.engine.Activate(ctx, rec))
	}
	return drift, nil
}

// Diff compares persisted records with the active rule set.
func Diff(records []rules.Record, active []rules.Rule) Drift {
	var d Drift

	byID := make(map[int]rules.Rule, len(active))
	for _, r := range active {
		byID[r.ID] = r
	}

	enabled := make(map[int]bool)
	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		enabled[rec.ID] = true

		got, ok := byID[rec.ID]
		switch {
		case !ok:
			d.Missing = append(d.Missing, rec)
		case !sameRule(got, rec.Native()):
			d.Stale = append(d.Stale, rec)
		}
	}

	for _, r := range active {
		if !enabled[r.ID] {
			d.Orphans = append(d.Orphans, r)
		}
	}
	return d
}

func sameRule(a, b rules.Rule) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}
