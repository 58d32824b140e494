package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"grimm.is/paramstrip/internal/engine"
	"grimm.is/paramstrip/internal/rules"
)

// RunClean prints rawURL with the active rules applied.
func RunClean(configFile, rawURL string) error {
	return withApp(configFile, func(app *App) error {
		active, err := app.Sync.Active(context.Background())
		if err != nil {
			return err
		}
		res, err := engine.Apply(rawURL, active)
		if err != nil {
			return err
		}
		fmt.Fprintln(Stdout, res.URL)
		if res.AllowedBy != 0 {
			Printer.Fprintf(Stdout, "Whitelisted by rule %d\n", res.AllowedBy)
		}
		return nil
	})
}

// RunParams lists rawURL's query parameters and the rule covering each.
func RunParams(configFile, rawURL string) error {
	names, err := engine.ExtractParams(rawURL)
	if err != nil {
		return err
	}
	return withApp(configFile, func(app *App) error {
		records, err := app.Sync.List(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PARAM\tRULE\tENABLED")
		for _, name := range names {
			rec, ok := rules.FindDuplicate(records, rules.Key{Kind: rules.KindOrdinary, Value: name}, 0)
			if !ok {
				fmt.Fprintf(w, "%s\t-\t-\n", name)
				continue
			}
			fmt.Fprintf(w, "%s\t%d\t%t\n", name, rec.ID, rec.Enabled)
		}
		return w.Flush()
	})
}
