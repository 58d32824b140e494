// Package health aggregates component checks into the /healthz report.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"grimm.is/paramstrip/internal/clock"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of one named check.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  int64     `json:"duration_ms"`
}

// Report is the aggregate of every registered check. The overall status is
// the worst individual one.
type Report struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// CheckFunc performs one check. Name, LastChecked and DurationMS are filled
// in by the Checker.
type CheckFunc func(ctx context.Context) Check

// CheckTimeout bounds each check run.
const CheckTimeout = 5 * time.Second

var severity = map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}

// Checker runs registered checks concurrently and caches the report for ttl.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  *Report
	ttl    time.Duration
}

// NewChecker creates a checker whose report is cached for ttl. A zero ttl
// runs the checks on every call.
func NewChecker(ttl time.Duration) *Checker {
	return &Checker{checks: make(map[string]CheckFunc), ttl: ttl}
}

// Register adds or replaces a check and drops the cached report.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
	c.cache = nil
}

// Names lists the registered checks in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check returns the cached report if it is younger than the ttl, and runs
// every check otherwise.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	if c.cache != nil && clock.Since(c.cache.Timestamp) < c.ttl {
		report := *c.cache
		c.mu.RUnlock()
		return report
	}
	funcs := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		funcs[name] = fn
	}
	c.mu.RUnlock()

	results := make(chan Check, len(funcs))
	for name, fn := range funcs {
		go func() { results <- run(ctx, name, fn) }()
	}

	report := Report{Status: StatusHealthy, Checks: make(map[string]Check, len(funcs))}
	for range funcs {
		check := <-results
		report.Checks[check.Name] = check
		if severity[check.Status] > severity[report.Status] {
			report.Status = check.Status
		}
	}
	report.Timestamp = clock.Now()

	c.mu.Lock()
	c.cache = &report
	c.mu.Unlock()
	return report
}

func run(ctx context.Context, name string, fn CheckFunc) Check {
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()

	start := clock.Now()
	done := make(chan Check, 1)
	go func() { done <- fn(ctx) }()

	var check Check
	select {
	case check = <-done:
	case <-ctx.Done():
		check = Check{Status: StatusUnhealthy, Message: "check timed out"}
	}
	check.Name = name
	check.LastChecked = start
	check.DurationMS = clock.Since(start).Milliseconds()
	return check
}

// Handler serves the report as JSON. Only an unhealthy report answers 503.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(report)
	}
}

// Probe is healthy while fn succeeds and unhealthy otherwise.
func Probe(fn func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		if err := fn(ctx); err != nil {
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}

// Capacity is degraded once used reaches warnAt of max, and unhealthy when
// usage cannot be read.
func Capacity(usage func(ctx context.Context) (used, max int, err error), warnAt float64) CheckFunc {
	return func(ctx context.Context) Check {
		used, max, err := usage(ctx)
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		}
		msg := fmt.Sprintf("%d of %d in use", used, max)
		if max > 0 && float64(used) >= warnAt*float64(max) {
			return Check{Status: StatusDegraded, Message: msg}
		}
		return Check{Status: StatusHealthy, Message: msg}
	}
}
