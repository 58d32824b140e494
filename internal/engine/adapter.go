package engine

import (
	"context"
	"fmt"

	"grimm.is/paramstrip/internal/logging"
	"grimm.is/paramstrip/internal/rules"
)

// Adapter is the synchronizer's view of the host engine.
type Adapter struct {
	backend Backend
	logger  *logging.Logger
}

// NewAdapter wraps a backend.
func NewAdapter(backend Backend, logger *logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.WithComponent("engine")
	}
	return &Adapter{backend: backend, logger: logger}
}

// Backend returns the wrapped host engine.
func (a *Adapter) Backend() Backend {
	return a.backend
}

// MaxRules is the host's active rule limit.
func (a *Adapter) MaxRules() int {
	return a.backend.MaxRules()
}

// ListActive returns the rules the engine is enforcing.
func (a *Adapter) ListActive(ctx context.Context) ([]rules.Rule, error) {
	list, err := a.backend.GetDynamicRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	return list, nil
}

// IsActive reports whether id is in the active set.
func (a *Adapter) IsActive(ctx context.Context, id int) (bool, error) {
	list, err := a.ListActive(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range list {
		if r.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// Activate adds a record's native rule to the active set.
func (a *Adapter) Activate(ctx context.Context, rec rules.Record) error {
	active, err := a.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", rules.ErrEngineRejected, err)
	}
	if len(active) >= a.backend.MaxRules() {
		return fmt.Errorf("%w: %d of %d in use", rules.ErrMaxRulesExceeded, len(active), a.backend.MaxRules())
	}

	native := rec.Native()
	if err := a.backend.UpdateDynamicRules(ctx, UpdateOptions{AddRules: []rules.Rule{native}}); err != nil {
		a.logger.Warn("engine refused rule", "id", rec.ID, "error", err)
		if isRejection(err) {
			return err
		}
		return fmt.Errorf("%w: %v", rules.ErrEngineRejected, err)
	}
	a.logger.Debug("rule activated", "id", rec.ID, "key", rec.Key().String())
	return nil
}

// Deactivate removes id from the active set. It fails with ErrNotFound if
// the rule is not active.
func (a *Adapter) Deactivate(ctx context.Context, id int) error {
	ok, err := a.IsActive(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", rules.ErrEngineRejected, err)
	}
	if !ok {
		return fmt.Errorf("%w: rule %d is not active", rules.ErrNotFound, id)
	}

	if err := a.backend.UpdateDynamicRules(ctx, UpdateOptions{RemoveRuleIDs: []int{id}}); err != nil {
		a.logger.Warn("engine failed to remove rule", "id", id, "error", err)
		if isRejection(err) {
			return err
		}
		return fmt.Errorf("%w: %v", rules.ErrEngineRejected, err)
	}
	a.logger.Debug("rule deactivated", "id", id)
	return nil
}

// Clear removes every active rule and returns how many were removed.
func (a *Adapter) Clear(ctx context.Context) (int, error) {
	active, err := a.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	if len(active) == 0 {
		return 0, nil
	}

	ids := make([]int, len(active))
	for i, r := range active {
		ids[i] = r.ID
	}
	if err := a.backend.UpdateDynamicRules(ctx, UpdateOptions{RemoveRuleIDs: ids}); err != nil {
		return 0, fmt.Errorf("current rules failed to be removed: %w", err)
	}
	a.logger.Info("engine cleared", "removed", len(ids))
	return len(ids), nil
}
