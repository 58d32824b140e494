package engine

import (
	"context"
	"errors"
	"fmt"

	"grimm.is/paramstrip/internal/rules"
	"grimm.is/paramstrip/internal/state"
)

const (
	// DynamicRulesBucket holds the host engine's rule set.
	DynamicRulesBucket = "dynamic_rules"
	dynamicRulesKey    = "rules"

	// updateAttempts bounds retries when another process updates the set
	// between our read and write.
	updateAttempts = 5
)

// StateBackend keeps the dynamic rule set in the state store so it survives
// restarts and is shared by every process opening the same database.
type StateBackend struct {
	store state.Store
	max   int
}

// NewStateBackend creates the backend and its bucket.
func NewStateBackend(store state.Store, max int) (*StateBackend, error) {
	if err := state.EnsureBucket(store, DynamicRulesBucket); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = rules.DefaultMaxRules
	}
	return &StateBackend{store: store, max: max}, nil
}

func (s *StateBackend) load() ([]rules.Rule, uint64, error) {
	var list []rules.Rule
	version, err := state.LoadJSON(s.store, DynamicRulesBucket, dynamicRulesKey, &list)
	if err != nil {
		return nil, 0, fmt.Errorf("read dynamic rules: %w", err)
	}
	return list, version, nil
}

func (s *StateBackend) GetDynamicRules(ctx context.Context) ([]rules.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list, _, err := s.load()
	return list, err
}

func (s *StateBackend) UpdateDynamicRules(ctx context.Context, opts UpdateOptions) error {
	for attempt := 0; attempt < updateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		current, version, err := s.load()
		if err != nil {
			return err
		}
		next, err := applyUpdate(current, opts, s.max)
		if err != nil {
			return err
		}
		_, err = state.SwapJSON(s.store, DynamicRulesBucket, dynamicRulesKey, next, version)
		if errors.Is(err, state.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("write dynamic rules: %w", err)
		}
		return nil
	}
	return fmt.Errorf("write dynamic rules: gave up after %d conflicting attempts", updateAttempts)
}

func (s *StateBackend) MaxRules() int {
	return s.max
}
