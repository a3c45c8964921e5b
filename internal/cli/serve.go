package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/spanledger/internal/bootstrap"
	"github.com/ashita-ai/spanledger/internal/seed"
	"github.com/ashita-ai/spanledger/migrations"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the request worker, scheduled boots and seed watcher",
		Long: `Run the long-lived parts of the ledger until interrupted:

  - the request worker, polling every SPANLEDGER_WORKER_POLL_INTERVAL and
    waking on NOTIFY when NOTIFY_URL is set;
  - a boot of every function id in SPANLEDGER_SCHEDULE, every
    SPANLEDGER_SCHEDULE_INTERVAL;
  - seed files in SPANLEDGER_SEED_DIR, applied at start and on change.

On Postgres, pending migrations are applied first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(a *app) error {
				return a.serve(cmd.Context())
			})
		},
	}
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	if a.db != nil {
		if err := a.db.RunMigrations(ctx, migrations.FS); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if dir := a.cfg.SeedDir; dir != "" {
		if err := a.applySeeds(ctx, dir); err != nil {
			return err
		}
		watcher, err := seed.NewWatcher(dir, func(ctx context.Context, files []seed.File) error {
			_, err := seed.Apply(ctx, a.ledger, files, a.logger)
			return err
		}, a.logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}

	w := a.requestWorker()
	w.Start(gctx, a.ledger)
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), drainTimeout)
		defer cancel()
		w.Drain(drainCtx)
		return nil
	})

	if len(a.cfg.Schedule) > 0 {
		g.Go(func() error {
			a.runSchedule(gctx, a.cfg.Schedule, a.cfg.ScheduleInterval)
			return nil
		})
	}

	a.logger.Info("spanledger serving",
		"user_id", a.identity.UserID,
		"scheduled", a.cfg.Schedule,
		"seed_dir", a.cfg.SeedDir,
		"notify", a.db != nil && a.db.HasNotify(),
	)
	return g.Wait()
}

func (a *app) applySeeds(ctx context.Context, dir string) error {
	files, err := seed.LoadDir(dir)
	if err != nil {
		return err
	}
	rep, err := seed.Apply(ctx, a.ledger, files, a.logger)
	if err != nil {
		return err
	}
	a.logger.Info("seed: applied", "dir", dir, "appended", rep.Appended, "unchanged", rep.Unchanged)
	return nil
}

// runSchedule boots every id once per interval until ctx is done. A failed
// boot is logged; it has already been recorded as a boot_event.
func (a *app) runSchedule(ctx context.Context, ids []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range ids {
				res, err := a.loader.Boot(ctx, bootstrap.Request{
					FunctionID: id,
					Event:      map[string]any{"trigger": "schedule"},
				})
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					a.logger.Warn("schedule: boot failed", "function_id", id, "state", res.State, "error", err)
					continue
				}
				a.logger.Info("schedule: booted", "function_id", id, "boot_event_id", res.BootEventID, "duration_ms", res.DurationMs)
			}
		}
	}
}
