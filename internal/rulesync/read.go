package rulesync

import (
	"context"
	"fmt"

	"grimm.is/paramstrip/internal/rules"
)

// List returns every persisted record, sorted by ID.
func (s *Synchronizer) List(ctx context.Context) ([]rules.Record, error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Records, nil
}

// Get returns one persisted record.
func (s *Synchronizer) Get(ctx context.Context, id int) (rules.Record, error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return rules.Record{}, err
	}
	rec, _, ok := rules.Find(snap.Records, id)
	if !ok {
		return rules.Record{}, fmt.Errorf("%w: no rule with id %d", rules.ErrNotFound, id)
	}
	return rec, nil
}

// Groups returns ordinary records by group.
func (s *Synchronizer) Groups(ctx context.Context) ([]rules.Group, error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return rules.Groups(snap.Records), nil
}

// Whitelist returns the global whitelist records.
func (s *Synchronizer) Whitelist(ctx context.Context) ([]rules.Record, error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return rules.Filter(snap.Records, rules.OfKind(rules.KindGlobalWhitelist)), nil
}

// Active returns what the engine is enforcing.
func (s *Synchronizer) Active(ctx context.Context) ([]rules.Rule, error) {
	return s.engine.ListActive(ctx)
}

// MaxRules is the engine's active rule limit.
func (s *Synchronizer) MaxRules() int {
	return s.engine.MaxRules()
}

func (s *Synchronizer) refreshGauges(ctx context.Context) {
	if s.opts.Metrics == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	active, err := s.engine.ListActive(ctx)
	if err != nil {
		s.logger.Debug("gauge refresh skipped", "error", err)
		return
	}
	snap, err := s.store.Load(ctx)
	if err != nil {
		s.logger.Debug("gauge refresh skipped", "error", err)
		return
	}

	counts := map[string]map[bool]int{
		rules.KindOrdinary.String():        {true: 0, false: 0},
		rules.KindGlobalWhitelist.String(): {true: 0, false: 0},
	}
	for _, rec := range snap.Records {
		counts[rec.Kind().String()][rec.Enabled]++
	}
	s.opts.Metrics.SetRuleCounts(len(active), counts)
}
