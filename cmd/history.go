package cmd

import (
	"context"
	"fmt"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/paramstrip/internal/rules"
)

// RunHistory prints each persisted write of the rule list newer than since
// as a diff against the write before it.
func RunHistory(configFile string, since uint64) error {
	return withApp(configFile, func(app *App) error {
		revs, err := app.Rules.History(context.Background(), since)
		if err != nil {
			return err
		}
		if len(revs) == 0 {
			Printer.Fprintln(Stdout, "No changes.")
			return nil
		}

		var prev []string
		for _, rev := range revs {
			cur := recordLines(rev.Records)
			text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
				A:        prev,
				B:        cur,
				FromFile: "before",
				ToFile:   fmt.Sprintf("version %d", rev.Version),
				Context:  1,
			})
			if err != nil {
				return err
			}
			Printer.Fprintf(Stdout, "== version %d at %s (%d rules)\n", rev.Version, rev.Time, len(rev.Records))
			fmt.Fprint(Stdout, text)
			prev = cur
		}
		return nil
	})
}

func recordLines(records []rules.Record) []string {
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		lines = append(lines, rec.String()+"\n")
	}
	return lines
}
