package rulesync

import (
	"fmt"

	"grimm.is/paramstrip/internal/events"
	"grimm.is/paramstrip/internal/logging"
	"grimm.is/paramstrip/internal/metrics"
)

// TogglePolicy decides what Toggle does when the engine call fails.
type TogglePolicy string

const (
	// ToggleStrict writes the persisted state only if the engine call
	// succeeded.
	ToggleStrict TogglePolicy = "strict"
	// ToggleBestEffort always writes the persisted state and still reports
	// the engine error. This matches the legacy extension behavior.
	ToggleBestEffort TogglePolicy = "best_effort"
)

// ParseTogglePolicy validates a config value.
func ParseTogglePolicy(s string) (TogglePolicy, error) {
	switch TogglePolicy(s) {
	case "", ToggleStrict:
		return ToggleStrict, nil
	case ToggleBestEffort:
		return ToggleBestEffort, nil
	default:
		return "", fmt.Errorf("unknown toggle policy %q (want %s or %s)", s, ToggleStrict, ToggleBestEffort)
	}
}

// Options configures a Synchronizer.
type Options struct {
	// EditReassignsID gives an edited rule a fresh ID that is never the old
	// one. When false the old ID is reused.
	EditReassignsID bool
	TogglePolicy    TogglePolicy
	Retry           RetryConfig

	Logger  *logging.Logger
	Events  *events.Hub
	Metrics *metrics.Registry
}

// DefaultOptions returns the recommended behavior.
func DefaultOptions() Options {
	return Options{
		EditReassignsID: true,
		TogglePolicy:    ToggleStrict,
		Retry:           DefaultRetryConfig(),
	}
}
