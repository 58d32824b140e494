// Package rulestore persists the rule list as a single versioned blob, the
// equivalent of storage.local["rules"].
package rulestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"grimm.is/paramstrip/internal/logging"
	"grimm.is/paramstrip/internal/rules"
	"grimm.is/paramstrip/internal/state"
)

const (
	// Bucket and Key locate the rule list in the state store.
	Bucket = "storage_local"
	Key    = "rules"
)

// Snapshot is the rule list as read, with the version to write against.
type Snapshot struct {
	Records []rules.Record
	Version uint64
}

// Store reads and writes the persisted rule list.
type Store struct {
	state  state.Store
	logger *logging.Logger
}

// New creates the rule store and its bucket.
func New(st state.Store, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.WithComponent("rulestore")
	}
	if err := state.EnsureBucket(st, Bucket); err != nil {
		return nil, err
	}
	return &Store{state: st, logger: logger}, nil
}

// Load returns the full list. A store that was never written yields an empty
// list at version 0.
func (s *Store) Load(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	var records []rules.Record
	version, err := state.LoadJSON(s.state, Bucket, Key, &records)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load rules: %w", err)
	}
	return Snapshot{Records: records, Version: version}, nil
}

// Save replaces the list if nobody wrote since expected was read. It returns
// the new version.
func (s *Store) Save(ctx context.Context, records []rules.Record, expected uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sorted := rules.CloneAll(records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	version, err := state.SwapJSON(s.state, Bucket, Key, sorted, expected)
	switch {
	case errors.Is(err, state.ErrVersionConflict):
		s.logger.Debug("rule list changed underneath writer", "expected", expected)
		return 0, fmt.Errorf("%w: %v", rules.ErrVersionConflict, err)
	case err != nil:
		return 0, fmt.Errorf("%w: %v", rules.ErrStoreWriteFailed, err)
	}

	s.logger.Debug("rule list saved", "version", version, "count", len(sorted))
	return version, nil
}

// Revision is one historical write of the rule list.
type Revision struct {
	Version uint64         `json:"version"`
	Time    string         `json:"time"`
	Records []rules.Record `json:"records"`
}

// History returns the writes newer than version, oldest first.
func (s *Store) History(ctx context.Context, since uint64) ([]Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	changes, err := s.state.GetChangesSince(Bucket, since)
	if err != nil {
		return nil, fmt.Errorf("rule history: %w", err)
	}

	var out []Revision
	for _, c := range changes {
		if c.Key != Key || c.Type == state.ChangeDelete {
			continue
		}
		var records []rules.Record
		if err := json.Unmarshal(c.Value, &records); err != nil {
			return nil, fmt.Errorf("rule history: decode version %d: %w", c.Version, err)
		}
		out = append(out, Revision{Version: c.Version, Time: c.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), Records: records})
	}
	return out, nil
}
