// Package rulesync keeps the host rule engine and the persisted rule list
// consistent.
//
// Every mutation is a dual write. Create activates in the engine first and
// persists second; Delete persists first and deactivates second. When the
// second step fails the first is undone by a compensating action. Writers are
// serialized in-process by a mutex, and every save is conditional on the
// version read at load, so a writer in another process makes us retry rather
// than overwrite.
package rulesync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/paramstrip/internal/clock"
	"grimm.is/paramstrip/internal/events"
	"grimm.is/paramstrip/internal/logging"
	"grimm.is/paramstrip/internal/rules"
	"grimm.is/paramstrip/internal/rulestore"
)

// RuleStore is the persisted rule list.
type RuleStore interface {
	Load(ctx context.Context) (rulestore.Snapshot, error)
	Save(ctx context.Context, records []rules.Record, expected uint64) (uint64, error)
}

// Engine is the host rule engine as seen through engine.Adapter.
type Engine interface {
	ListActive(ctx context.Context) ([]rules.Rule, error)
	Activate(ctx context.Context, rec rules.Record) error
	Deactivate(ctx context.Context, id int) error
	Clear(ctx context.Context) (int, error)
	MaxRules() int
}

// Synchronizer owns every mutation of rules.
type Synchronizer struct {
	mu     sync.Mutex
	store  RuleStore
	engine Engine
	opts   Options
	logger *logging.Logger
}

// New creates a Synchronizer.
func New(store RuleStore, engine Engine, opts Options) *Synchronizer {
	if opts.TogglePolicy == "" {
		opts.TogglePolicy = ToggleStrict
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("rulesync")
	}
	return &Synchronizer{
		store:  store,
		engine: engine,
		opts:   opts,
		logger: logger,
	}
}

// Create adds an ordinary rule, enabled.
func (s *Synchronizer) Create(ctx context.Context, spec rules.Spec) (rules.Record, error) {
	return s.create(ctx, spec)
}

// CreateWhitelist adds a global whitelist rule for domain, enabled.
func (s *Synchronizer) CreateWhitelist(ctx context.Context, domain string) (rules.Record, error) {
	return s.create(ctx, rules.WhitelistSpec{Domain: domain})
}

func (s *Synchronizer) create(ctx context.Context, b rules.Builder) (rules.Record, error) {
	op := s.begin(rules.OpCreate)
	if err := b.Validate(); err != nil {
		return rules.Record{}, s.fail(ctx, op, b.Key(), 0, err)
	}

	s.mu.Lock()
	rec, err := s.insertLocked(ctx, op, newRecord(b, true, 0, 0, nil))
	s.mu.Unlock()

	if err != nil {
		return rules.Record{}, s.fail(ctx, op, b.Key(), 0, err)
	}
	s.succeed(ctx, op, events.EventRuleCreated, rec, "rule created")
	return rec, nil
}

// Delete removes a rule from both stores.
func (s *Synchronizer) Delete(ctx context.Context, id int) (rules.Record, error) {
	op := s.begin(rules.OpDelete)

	s.mu.Lock()
	rec, err := s.removeLocked(ctx, op, id)
	s.mu.Unlock()

	if err != nil {
		return rules.Record{}, s.fail(ctx, op, rules.Key{}, id, err)
	}
	s.succeed(ctx, op, events.EventRuleDeleted, rec, "rule deleted")
	return rec, nil
}

// Edit replaces a rule with one built from spec: Delete then Create under a
// single lock. The new record keeps the original's enabled state and group;
// a non-nil group moves it to that group in the same step. If the create
// half fails the original record is put back.
func (s *Synchronizer) Edit(ctx context.Context, id int, spec rules.Builder, group *string) (rules.Record, error) {
	op := s.begin(rules.OpEdit)
	if err := spec.Validate(); err != nil {
		return rules.Record{}, s.fail(ctx, op, spec.Key(), id, err)
	}
	if group != nil {
		if err := rules.ValidateGroup(*group); err != nil {
			return rules.Record{}, s.fail(ctx, op, spec.Key(), id, err)
		}
	}

	s.mu.Lock()
	rec, err := s.editLocked(ctx, op, id, spec, group)
	s.mu.Unlock()

	if err != nil {
		return rules.Record{}, s.fail(ctx, op, spec.Key(), id, err)
	}
	s.succeed(ctx, op, events.EventRuleEdited, rec, fmt.Sprintf("rule %d replaced by %d", id, rec.ID))
	return rec, nil
}

func (s *Synchronizer) editLocked(ctx context.Context, op *operation, id int, spec rules.Builder, group *string) (rules.Record, error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return rules.Record{}, err
	}
	orig, _, ok := rules.Find(snap.Records, id)
	if !ok {
		return rules.Record{}, fmt.Errorf("%w: no rule with id %d", rules.ErrNotFound, id)
	}
	if orig.Kind() != spec.Key().Kind {
		return rules.Record{}, &rules.ValidationError{Field: "kind", Value: spec.Key().Kind.String(), Reason: "edit cannot change a " + orig.Kind().String() + " rule's kind"}
	}
	if dup, found := rules.FindDuplicate(snap.Records, spec.Key(), id); found {
		return rules.Record{}, &rules.DuplicateError{Key: spec.Key(), Existing: dup}
	}

	if _, err := s.removeLocked(ctx, op, id); err != nil {
		return rules.Record{}, err
	}

	fixedID, reserved := 0, []int{id}
	if !s.opts.EditReassignsID {
		fixedID, reserved = id, nil
	}
	targetGroup := orig.Group
	if group != nil && orig.Kind() == rules.KindOrdinary {
		targetGroup = *group
	}
	build := newRecord(spec, orig.Enabled, fixedID, 0, reserved)
	rec, err := s.insertLocked(ctx, op, func(snap rulestore.Snapshot) (rules.Record, error) {
		r, err := build(snap)
		r.Group = targetGroup
		return r, err
	})
	if err == nil {
		return rec, nil
	}

	s.compensate(ctx, op, "restore original", id, func(cctx context.Context) error {
		_, rerr := s.insertLocked(cctx, op, restoreRecord(orig))
		return rerr
	})
	return rules.Record{}, err
}

// Toggle enables or disables a rule. Toggling to the current state is a
// no-op. Under ToggleStrict the persisted flag only changes if the engine
// call succeeded.
func (s *Synchronizer) Toggle(ctx context.Context, id int, enable bool) (rules.Record, error) {
	op := s.begin(rules.OpToggle)

	s.mu.Lock()
	rec, err := s.toggleLocked(ctx, op, id, enable)
	s.mu.Unlock()

	if err != nil {
		return rec, s.fail(ctx, op, rec.Key(), id, err)
	}
	state := "disabled"
	if enable {
		state = "enabled"
	}
	s.succeed(ctx, op, events.EventRuleToggled, rec, "rule "+state)
	return rec, nil
}

func (s *Synchronizer) toggleLocked(ctx context.Context, op *operation, id int, enable bool) (rules.Record, error) {
	var engineErr error
	rec, err := retryOnConflict(ctx, s.opts.Retry, s.onConflict, func() (rules.Record, error) {
		engineErr = nil

		snap, err := s.store.Load(ctx)
		if err != nil {
			return rules.Record{}, err
		}
		orig, idx, ok := rules.Find(snap.Records, id)
		if !ok {
			return rules.Record{}, fmt.Errorf("%w: no rule with id %d", rules.ErrNotFound, id)
		}
		if orig.Enabled == enable {
			return orig, nil
		}

		if enable {
			engineErr = s.engine.Activate(ctx, orig)
		} else {
			engineErr = s.engine.Deactivate(ctx, id)
			if errors.Is(engineErr, rules.ErrNotFound) {
				s.logger.Warn("disabling rule that was not active", "id", id)
				engineErr = nil
			}
		}
		if engineErr != nil && s.opts.TogglePolicy == ToggleStrict {
			return orig, engineErr
		}

		records := rules.CloneAll(snap.Records)
		records[idx].Enabled = enable
		if _, err := s.store.Save(ctx, records, snap.Version); err != nil {
			if engineErr == nil {
				s.compensate(ctx, op, "undo toggle", id, func(cctx context.Context) error {
					if enable {
						return s.engine.Deactivate(cctx, id)
					}
					return s.engine.Activate(cctx, orig)
				})
			}
			return orig, err
		}
		return records[idx], nil
	})

	if err == nil && engineErr != nil {
		// best effort: persisted state changed although the engine did not
		return rec, engineErr
	}
	return rec, err
}

// Regroup moves an ordinary rule to another group. Groups are bookkeeping
// only, so the engine is not touched.
func (s *Synchronizer) Regroup(ctx context.Context, id int, group string) (rules.Record, error) {
	op := s.begin(rules.OpEdit)
	if err := rules.ValidateGroup(group); err != nil {
		return rules.Record{}, s.fail(ctx, op, rules.Key{}, id, err)
	}

	s.mu.Lock()
	rec, err := retryOnConflict(ctx, s.opts.Retry, s.onConflict, func() (rules.Record, error) {
		snap, err := s.store.Load(ctx)
		if err != nil {
			return rules.Record{}, err
		}
		_, idx, ok := rules.Find(snap.Records, id)
		if !ok {
			return rules.Record{}, fmt.Errorf("%w: no rule with id %d", rules.ErrNotFound, id)
		}
		records := rules.CloneAll(snap.Records)
		if records[idx].Kind() != rules.KindOrdinary {
			return rules.Record{}, &rules.ValidationError{Field: "group", Value: group, Reason: "whitelist rules cannot be regrouped"}
		}
		records[idx].Group = group
		if _, err := s.store.Save(ctx, records, snap.Version); err != nil {
			return rules.Record{}, err
		}
		return records[idx], nil
	})
	s.mu.Unlock()

	if err != nil {
		return rules.Record{}, s.fail(ctx, op, rules.Key{}, id, err)
	}
	s.succeed(ctx, op, events.EventRuleEdited, rec, "rule moved to group "+group)
	return rec, nil
}

// recordBuilder produces the record to insert from the current snapshot. It
// runs again on every conflict retry.
type recordBuilder func(snap rulestore.Snapshot) (rules.Record, error)

// newRecord checks for duplicates and allocates an ID. fixedID forces an ID
// when free; reserved IDs are never allocated.
func newRecord(b rules.Builder, enabled bool, fixedID, excludeID int, reserved []int) recordBuilder {
	return func(snap rulestore.Snapshot) (rules.Record, error) {
		if dup, found := rules.FindDuplicate(snap.Records, b.Key(), excludeID); found {
			return rules.Record{}, &rules.DuplicateError{Key: b.Key(), Existing: dup}
		}
		used := rules.IDs(snap.Records)
		id := fixedID
		if id == 0 || slices.Contains(used, id) {
			id = rules.NextID(append(used, reserved...))
		}
		return b.Build(id, enabled), nil
	}
}

// restoreRecord puts a removed record back, keeping its ID if still free.
func restoreRecord(orig rules.Record) recordBuilder {
	return func(snap rulestore.Snapshot) (rules.Record, error) {
		if dup, found := rules.FindDuplicate(snap.Records, orig.Key(), 0); found {
			return rules.Record{}, &rules.DuplicateError{Key: orig.Key(), Existing: dup}
		}
		rec := orig.Clone()
		if _, _, taken := rules.Find(snap.Records, rec.ID); taken {
			rec.ID = rules.NextID(rules.IDs(snap.Records))
		}
		return rec, nil
	}
}

// insertLocked is the Create write path: engine first, store second, with a
// compensating deactivation if the save fails.
func (s *Synchronizer) insertLocked(ctx context.Context, op *operation, build recordBuilder) (rules.Record, error) {
	return retryOnConflict(ctx, s.opts.Retry, s.onConflict, func() (rules.Record, error) {
		snap, err := s.store.Load(ctx)
		if err != nil {
			return rules.Record{}, err
		}
		rec, err := build(snap)
		if err != nil {
			return rules.Record{}, err
		}

		if rec.Enabled {
			if err := s.engine.Activate(ctx, rec); err != nil {
				return rules.Record{}, err
			}
		}

		records := append(rules.CloneAll(snap.Records), rec)
		if _, err := s.store.Save(ctx, records, snap.Version); err != nil {
			if rec.Enabled {
				s.compensate(ctx, op, "deactivate", rec.ID, func(cctx context.Context) error {
					return s.engine.Deactivate(cctx, rec.ID)
				})
			}
			return rules.Record{}, err
		}
		return rec, nil
	})
}

// removeLocked is the Delete write path: store first, engine second, with a
// compensating re-insert if deactivation fails.
func (s *Synchronizer) removeLocked(ctx context.Context, op *operation, id int) (rules.Record, error) {
	return retryOnConflict(ctx, s.opts.Retry, s.onConflict, func() (rules.Record, error) {
		snap, err := s.store.Load(ctx)
		if err != nil {
			return rules.Record{}, err
		}
		rec, idx, ok := rules.Find(snap.Records, id)
		if !ok {
			return rules.Record{}, fmt.Errorf("%w: no rule with id %d", rules.ErrNotFound, id)
		}

		remaining := rules.CloneAll(slices.Delete(slices.Clone(snap.Records), idx, idx+1))
		if _, err := s.store.Save(ctx, remaining, snap.Version); err != nil {
			return rules.Record{}, err
		}

		if !rec.Enabled {
			return rec, nil
		}
		err = s.engine.Deactivate(ctx, id)
		if errors.Is(err, rules.ErrNotFound) {
			s.logger.Warn("deleted rule was not active", "id", id)
			return rec, nil
		}
		if err != nil {
			s.compensate(ctx, op, "re-insert", id, func(cctx context.Context) error {
				return s.reinsert(cctx, rec)
			})
			return rules.Record{}, err
		}
		return rec, nil
	})
}

// reinsert restores a record to the persisted list only.
func (s *Synchronizer) reinsert(ctx context.Context, rec rules.Record) error {
	_, err := retryOnConflict(ctx, s.opts.Retry, s.onConflict, func() (struct{}, error) {
		snap, err := s.store.Load(ctx)
		if err != nil {
			return struct{}{}, err
		}
		if _, _, exists := rules.Find(snap.Records, rec.ID); exists {
			return struct{}{}, nil
		}
		_, err = s.store.Save(ctx, append(rules.CloneAll(snap.Records), rec), snap.Version)
		return struct{}{}, err
	})
	return err
}

// operation tracks one public call for logging, events and metrics.
type operation struct {
	id    string
	op    rules.Op
	start time.Time
}

func (s *Synchronizer) begin(op rules.Op) *operation {
	return &operation{id: uuid.NewString(), op: op, start: clock.Now()}
}

func sinceSeconds(op *operation) float64 {
	return clock.Since(op.start).Seconds()
}

func (s *Synchronizer) onConflict() {
	if s.opts.Metrics != nil {
		s.opts.Metrics.Conflicts.Inc()
	}
	s.logger.Debug("rule list changed concurrently, retrying")
}

// compensate runs an undo step to completion even if ctx was cancelled.
// Its failure is logged and counted; it never replaces the original error.
func (s *Synchronizer) compensate(ctx context.Context, op *operation, action string, id int, fn func(context.Context) error) {
	err := fn(context.WithoutCancel(ctx))
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordCompensation(string(op.op), err)
	}
	if err != nil {
		s.logger.Error("compensating action failed, stores may disagree until reconcile",
			"op_id", op.id, "op", op.op, "action", action, "rule", id, "error", err)
		return
	}
	s.logger.Warn("partial failure compensated", "op_id", op.id, "op", op.op, "action", action, "rule", id)
}

func (s *Synchronizer) succeed(ctx context.Context, op *operation, t events.EventType, rec rules.Record, msg string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordOperation(string(op.op), "ok", sinceSeconds(op))
	}
	enabled := rec.Enabled
	s.opts.Events.EmitRule(t, events.RuleEventData{
		OpID:      op.id,
		Op:        string(op.op),
		RuleID:    rec.ID,
		Parameter: rec.Parameter(),
		Domain:    wlDomain(rec),
		Group:     rec.Group,
		Enabled:   &enabled,
		Message:   msg,
	})
	s.logger.Audit("rule."+string(op.op), fmt.Sprintf("rule/%d", rec.ID), map[string]any{
		"op_id":   op.id,
		"key":     rec.Key().String(),
		"enabled": rec.Enabled,
	})
	s.refreshGauges(ctx)
}

func (s *Synchronizer) fail(ctx context.Context, op *operation, key rules.Key, id int, err error) error {
	category := rules.Category(err)
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordOperation(string(op.op), category, sinceSeconds(op))
	}

	t := events.EventRuleFailed
	if category == "duplicate" {
		t = events.EventRuleDuplicate
		var de *rules.DuplicateError
		if errors.As(err, &de) && id == 0 {
			id = de.Existing.ID
		}
	}

	data := events.RuleEventData{
		OpID:     op.id,
		Op:       string(op.op),
		RuleID:   id,
		Error:    err.Error(),
		Category: category,
	}
	if key.Kind == rules.KindGlobalWhitelist {
		data.Domain = key.Value
	} else {
		data.Parameter = key.Value
	}
	s.opts.Events.EmitRule(t, data)

	level := s.logger.Warn
	if category == "internal" || category == "store_write" {
		level = s.logger.Error
	}
	level("rule operation failed", "op_id", op.id, "op", op.op, "rule", id, "key", key.Value, "error", err)

	if category != "duplicate" && category != "invalid" && category != "not_found" {
		s.refreshGauges(ctx)
	}
	return &rules.OpError{Op: op.op, RuleID: id, Err: err}
}

func wlDomain(rec rules.Record) string {
	if rec.Kind() == rules.KindGlobalWhitelist {
		return rec.Domain()
	}
	return ""
}
