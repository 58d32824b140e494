package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/paramstrip/internal/api"
	"grimm.is/paramstrip/internal/brand"
	"grimm.is/paramstrip/internal/health"
	"grimm.is/paramstrip/internal/scheduler"
)

// RunServe runs the HTTP API until SIGINT or SIGTERM. listen overrides the
// configured address when set.
func RunServe(configFile, listen string) error {
	return withApp(configFile, func(app *App) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if listen == "" {
			listen = app.Config.API.Listen
		}

		// Repair drift left by an interrupted mutation before serving.
		drift, err := app.Sync.Reconcile(ctx, false)
		if err != nil {
			return err
		}
		if !drift.Empty() {
			app.Logger.Warn("repaired engine drift on startup",
				"missing", len(drift.Missing), "orphans", len(drift.Orphans), "stale", len(drift.Stale), "fixed", drift.Fixed)
		}

		sched := scheduler.New(app.Logger.WithComponent("scheduler"))
		if every := app.Config.ReconcileEvery(); every > 0 {
			if err := sched.AddTask(scheduler.NewReconcileTask(app.Sync, every, app.Logger.WithComponent("rulesync"))); err != nil {
				return err
			}
		}
		sched.Start(ctx)
		defer sched.Stop()

		checker := health.NewChecker(2 * time.Second)
		checker.Register("scheduler", schedulerCheck(sched))

		srv, err := api.NewServer(api.ServerOptions{
			Sync:      app.Sync,
			Events:    app.Events,
			Seed:      app.Config.Seed,
			Tasks:     sched.Status,
			Health:    checker,
			Logger:    app.Logger.WithComponent("api"),
			Metrics:   app.Metrics,
			Gatherer:  app.Registry,
			RateLimit: app.Config.API.RateLimit,
			RateBurst: app.Config.API.RateBurst,
		})
		if err != nil {
			return err
		}

		app.Logger.Info("starting", "name", brand.Name, "version", brand.Version, "listen", listen)
		return srv.Start(ctx, listen)
	})
}

// schedulerCheck degrades health while any task's last run failed.
func schedulerCheck(sched *scheduler.Scheduler) health.CheckFunc {
	return func(ctx context.Context) health.Check {
		for _, st := range sched.Status() {
			if st.LastError != "" {
				return health.Check{Status: health.StatusDegraded, Message: st.ID + ": " + st.LastError}
			}
		}
		return health.Check{Status: health.StatusHealthy}
	}
}

// RunVersion prints the build version.
func RunVersion() {
	fmt.Fprintln(Stdout, brand.VersionString())
}
