package rulesync

import (
	"context"
	"errors"
	"fmt"

	"grimm.is/paramstrip/internal/events"
	"grimm.is/paramstrip/internal/rules"
)

// SeedReport summarizes a bulk seed.
type SeedReport struct {
	Added   []rules.Record `json:"added"`
	Skipped int            `json:"skipped"`
	Failed  int            `json:"failed"`
	Errors  []string       `json:"errors,omitempty"`
}

// Seed creates every spec, enabled, one at a time. Duplicates are skipped
// without an event; other per-item failures are counted and seeding carries
// on. Only a cancelled context stops it early.
func (s *Synchronizer) Seed(ctx context.Context, specs []rules.Builder) (SeedReport, error) {
	op := s.begin(rules.OpSeed)
	report, err := s.seed(ctx, op, specs)
	s.finishBulk(ctx, op, report, 0)
	if err != nil {
		return report, &rules.OpError{Op: rules.OpSeed, Err: err}
	}
	return report, nil
}

func (s *Synchronizer) seed(ctx context.Context, op *operation, specs []rules.Builder) (SeedReport, error) {
	var report SeedReport
	for _, b := range specs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := b.Validate(); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, err.Error())
			continue
		}

		s.mu.Lock()
		rec, err := s.insertLocked(ctx, op, newRecord(b, true, 0, 0, nil))
		s.mu.Unlock()

		switch {
		case err == nil:
			report.Added = append(report.Added, rec)
		case errors.Is(err, rules.ErrDuplicateFound):
			report.Skipped++
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return report, err
		default:
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", b.Key(), err))
			s.logger.Warn("seed rule failed", "op_id", op.id, "key", b.Key().String(), "error", err)
		}
	}
	return report, nil
}

// Install is the first-run path: the engine is cleared, the persisted list
// reset to empty, and the specs seeded.
func (s *Synchronizer) Install(ctx context.Context, specs []rules.Builder) (SeedReport, error) {
	op := s.begin(rules.OpInstall)

	s.mu.Lock()
	removed, err := s.resetLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		s.finishBulk(ctx, op, SeedReport{}, removed)
		return SeedReport{}, s.fail(ctx, op, rules.Key{}, 0, err)
	}

	report, err := s.seed(ctx, op, specs)
	s.finishBulk(ctx, op, report, removed)
	if err != nil {
		return report, &rules.OpError{Op: rules.OpInstall, Err: err}
	}
	s.logger.Info("installed default rules", "op_id", op.id, "added", len(report.Added), "cleared", removed)
	return report, nil
}

// Upgrade seeds the specs on top of the existing rules. Rules the user
// already has are skipped as duplicates.
func (s *Synchronizer) Upgrade(ctx context.Context, specs []rules.Builder) (SeedReport, error) {
	report, err := s.Seed(ctx, specs)
	if err == nil {
		s.logger.Info("upgraded default rules", "added", len(report.Added), "skipped", report.Skipped)
	}
	return report, err
}

func (s *Synchronizer) resetLocked(ctx context.Context) (int, error) {
	removed, err := s.engine.Clear(ctx)
	if err != nil {
		return 0, err
	}
	_, err = retryOnConflict(ctx, s.opts.Retry, s.onConflict, func() (uint64, error) {
		snap, err := s.store.Load(ctx)
		if err != nil {
			return 0, err
		}
		if len(snap.Records) == 0 {
			return snap.Version, nil
		}
		return s.store.Save(ctx, nil, snap.Version)
	})
	return removed, err
}

func (s *Synchronizer) finishBulk(ctx context.Context, op *operation, report SeedReport, removed int) {
	if s.opts.Metrics != nil {
		result := "ok"
		if report.Failed > 0 {
			result = "partial"
		}
		s.opts.Metrics.RecordOperation(string(op.op), result, sinceSeconds(op))
	}
	s.opts.Events.EmitBulk(events.EventRulesSeeded, events.BulkEventData{
		OpID:    op.id,
		Op:      string(op.op),
		Added:   len(report.Added),
		Removed: removed,
		Skipped: report.Skipped,
		Failed:  report.Failed,
	})
	s.refreshGauges(ctx)
}
