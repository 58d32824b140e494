package engine

import (
	"context"
	"sync"

	"grimm.is/paramstrip/internal/rules"
)

// MemoryBackend is an in-process rule engine.
type MemoryBackend struct {
	mu    sync.Mutex
	rules []rules.Rule
	max   int
}

// NewMemoryBackend creates an empty engine holding at most max rules.
func NewMemoryBackend(max int) *MemoryBackend {
	if max <= 0 {
		max = rules.DefaultMaxRules
	}
	return &MemoryBackend{max: max}
}

func (m *MemoryBackend) GetDynamicRules(ctx context.Context) ([]rules.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]rules.Rule, len(m.rules))
	for i, r := range m.rules {
		out[i] = r.Clone()
	}
	return out, nil
}

func (m *MemoryBackend) UpdateDynamicRules(ctx context.Context, opts UpdateOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := applyUpdate(m.rules, opts, m.max)
	if err != nil {
		return err
	}
	m.rules = next
	return nil
}

func (m *MemoryBackend) MaxRules() int {
	return m.max
}
