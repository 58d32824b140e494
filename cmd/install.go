package cmd

import (
	"context"
	"fmt"

	"grimm.is/paramstrip/internal/i18n"
	"grimm.is/paramstrip/internal/rules"
	"grimm.is/paramstrip/internal/rulesync"
)

// RunInstall clears the engine and persisted rules and installs the
// default set, as on first install of the extension.
func RunInstall(configFile string) error {
	return runSeed(configFile, func(ctx context.Context, app *App, specs []rules.Builder) (rulesync.SeedReport, error) {
		return app.Sync.Install(ctx, specs)
	})
}

// RunUpgrade adds any default rules that are not present yet.
func RunUpgrade(configFile string) error {
	return runSeed(configFile, func(ctx context.Context, app *App, specs []rules.Builder) (rulesync.SeedReport, error) {
		return app.Sync.Upgrade(ctx, specs)
	})
}

type seedFunc func(context.Context, *App, []rules.Builder) (rulesync.SeedReport, error)

func runSeed(configFile string, fn seedFunc) error {
	return withApp(configFile, func(app *App) error {
		specs, err := app.Config.Seed()
		if err != nil {
			return fmt.Errorf("failed to load default rules: %w", err)
		}
		report, err := fn(context.Background(), app, specs)
		if err != nil {
			return err
		}
		say(i18n.MsgSeeded, len(report.Added), report.Skipped)
		for _, e := range report.Errors {
			Printer.Fprintf(Stdout, "  failed: %s\n", e)
		}
		if report.Failed > 0 {
			return fmt.Errorf("%d default rules could not be installed", report.Failed)
		}
		return nil
	})
}
