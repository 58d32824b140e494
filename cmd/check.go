package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/paramstrip/internal/rules"
	"grimm.is/paramstrip/internal/rulesync"
)

// ErrDrift is returned by RunCheck when the engine does not match the
// persisted rules.
var ErrDrift = errors.New("engine differs from persisted rules")

// RunCheck compares the active engine rules against the enabled persisted
// records and prints a unified diff. With fix the engine is repaired.
func RunCheck(configFile string, fix bool) error {
	return withApp(configFile, func(app *App) error {
		ctx := context.Background()

		records, err := app.Sync.List(ctx)
		if err != nil {
			return err
		}
		active, err := app.Sync.Active(ctx)
		if err != nil {
			return err
		}

		drift := rulesync.Diff(records, active)
		if drift.Empty() {
			Printer.Fprintln(Stdout, "No drift detected.")
			return nil
		}

		Printer.Fprintf(Stdout, "Drift: %d missing, %d orphaned, %d stale\n",
			len(drift.Missing), len(drift.Orphans), len(drift.Stale))
		text, err := RenderDiff(records, active)
		if err != nil {
			return err
		}
		fmt.Fprint(Stdout, text)

		if !fix {
			return ErrDrift
		}

		fixed, err := app.Sync.Reconcile(ctx, false)
		if err != nil {
			return err
		}
		Printer.Fprintf(Stdout, "Fixed %d rules\n", fixed.Fixed)
		if len(fixed.Errors) > 0 {
			for _, e := range fixed.Errors {
				Printer.Fprintf(Stdout, "  failed: %s\n", e)
			}
			return ErrDrift
		}
		return nil
	})
}

// RenderDiff is the unified diff from the rules the store expects active to
// the rules the engine enforces, one rule per line ordered by ID.
func RenderDiff(records []rules.Record, active []rules.Rule) (string, error) {
	var expected []rules.Rule
	for _, rec := range records {
		if rec.Enabled {
			expected = append(expected, rec.Native())
		}
	}

	want, err := ruleLines(expected)
	if err != nil {
		return "", err
	}
	got, err := ruleLines(active)
	if err != nil {
		return "", err
	}

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        want,
		B:        got,
		FromFile: "Persisted",
		ToFile:   "Engine",
		Context:  3,
	})
}

func ruleLines(rs []rules.Rule) ([]string, error) {
	sorted := slices.Clone(rs)
	slices.SortFunc(sorted, func(a, b rules.Rule) int { return a.ID - b.ID })

	lines := make([]string, 0, len(sorted))
	for _, r := range sorted {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode rule %d: %w", r.ID, err)
		}
		lines = append(lines, string(data)+"\n")
	}
	return lines, nil
}
