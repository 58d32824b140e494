package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"grimm.is/paramstrip/internal/i18n"
	"grimm.is/paramstrip/internal/rules"
)

// RuleArgs are the rule form flags shared by add and edit.
type RuleArgs struct {
	Parameter  string
	Group      *string // nil keeps the current group on edit
	FilterType string
	Domains    string
}

func (a RuleArgs) spec() (rules.Spec, error) {
	group := ""
	if a.Group != nil {
		group = *a.Group
	}
	return rules.NewSpec(a.Parameter, group, a.FilterType, a.Domains)
}

// RunAdd creates an ordinary rule.
func RunAdd(configFile string, args RuleArgs) error {
	spec, err := args.spec()
	if err != nil {
		return err
	}
	return withApp(configFile, func(app *App) error {
		rec, err := app.Sync.Create(context.Background(), spec)
		if err != nil {
			return err
		}
		say(i18n.MsgCreated, rec.ID)
		fmt.Fprintln(Stdout, rec)
		return nil
	})
}

// RunEdit replaces rule id with the given form.
func RunEdit(configFile string, id int, args RuleArgs) error {
	spec, err := args.spec()
	if err != nil {
		return err
	}
	return withApp(configFile, func(app *App) error {
		rec, err := app.Sync.Edit(context.Background(), id, spec, args.Group)
		if err != nil {
			return err
		}
		say(i18n.MsgEdited, rec.ID)
		fmt.Fprintln(Stdout, rec)
		return nil
	})
}

// RunDelete removes rule id.
func RunDelete(configFile string, id int) error {
	return withApp(configFile, func(app *App) error {
		rec, err := app.Sync.Delete(context.Background(), id)
		if err != nil {
			return err
		}
		say(i18n.MsgDeleted, rec.ID)
		return nil
	})
}

// RunToggle enables or disables rule id.
func RunToggle(configFile string, id int, enable bool) error {
	return withApp(configFile, func(app *App) error {
		rec, err := app.Sync.Toggle(context.Background(), id, enable)
		if err != nil {
			return err
		}
		if rec.Enabled {
			say(i18n.MsgEnabled, rec.ID)
		} else {
			say(i18n.MsgDisabled, rec.ID)
		}
		return nil
	})
}

// RunMove moves a rule to another group without touching the engine.
func RunMove(configFile string, id int, group string) error {
	return withApp(configFile, func(app *App) error {
		rec, err := app.Sync.Regroup(context.Background(), id, group)
		if err != nil {
			return err
		}
		say(i18n.MsgMoved, rec.ID, rec.Group)
		return nil
	})
}

// RunList prints the ordinary rules, optionally of one group.
func RunList(configFile, group string, asJSON bool) error {
	return withApp(configFile, func(app *App) error {
		records, err := app.Sync.List(context.Background())
		if err != nil {
			return err
		}
		records = rules.Filter(records, rules.OfKind(rules.KindOrdinary))
		if group != "" {
			records = rules.Filter(records, rules.InGroup(group))
		}
		if asJSON {
			return printJSON(records)
		}
		printRecords(records)
		return nil
	})
}

// RunGroups prints each group with its rule counts.
func RunGroups(configFile string) error {
	return withApp(configFile, func(app *App) error {
		groups, err := app.Sync.Groups(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "GROUP\tRULES\tENABLED")
		for _, g := range groups {
			fmt.Fprintf(w, "%s\t%d\t%d\n", g.Name, len(g.Rules), g.Enabled)
		}
		return w.Flush()
	})
}

// RunWhitelistAdd exempts domain from every rule.
func RunWhitelistAdd(configFile, domain string) error {
	return withApp(configFile, func(app *App) error {
		rec, err := app.Sync.CreateWhitelist(context.Background(), domain)
		if err != nil {
			return err
		}
		say(i18n.MsgCreated, rec.ID)
		return nil
	})
}

// RunWhitelistList prints the global whitelist.
func RunWhitelistList(configFile string, asJSON bool) error {
	return withApp(configFile, func(app *App) error {
		records, err := app.Sync.Whitelist(context.Background())
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(records)
		}
		printRecords(records)
		return nil
	})
}

// say prints a localized message line.
func say(key string, args ...any) {
	Printer.Fprintf(Stdout, key, args...)
	fmt.Fprintln(Stdout)
}

func printRecords(records []rules.Record) {
	if len(records) == 0 {
		Printer.Fprintln(Stdout, "No rules.")
		return
	}
	w := tabwriter.NewWriter(Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKEY\tGROUP\tFILTER\tENABLED")
	for _, rec := range records {
		key := rec.Parameter()
		if rec.Kind() == rules.KindGlobalWhitelist {
			key = rec.Domain()
		}
		filter := "-"
		if f := rec.Filter(); f.Type != rules.FilterNone {
			filter = fmt.Sprintf("%s %v", f.Type, f.Domains)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", rec.ID, key, rec.Group, filter, rec.Enabled)
	}
	w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// DescribeError renders a command failure the way the extension shows it.
func DescribeError(err error) string {
	category := rules.Category(err)
	detail := err.Error()
	var de *rules.DuplicateError
	var ve *rules.ValidationError
	switch {
	case errors.As(err, &de):
		detail = de.Key.Value
	case errors.As(err, &ve):
		detail = fmt.Sprintf("%s %s", ve.Field, ve.Reason)
	case category == "internal":
		return err.Error()
	}
	return i18n.Failure(Printer, category, detail)
}
