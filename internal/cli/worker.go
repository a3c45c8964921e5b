package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/spanledger/internal/kernel"
	"github.com/ashita-ai/spanledger/internal/kernels"
	"github.com/ashita-ai/spanledger/internal/worker"
)

const drainTimeout = 10 * time.Second

// NewWorkerCommand creates the worker command group.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process pending request spans",
	}
	cmd.AddCommand(newWorkerRunCommand(rootOpts))
	cmd.AddCommand(newWorkerServeCommand(rootOpts))
	return cmd
}

func newWorkerRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process one batch of pending requests and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, func(a *app) error {
				cfg := a.requestWorkerConfig()
				w := worker.New(cfg, kernels.HandleRequest, a.logger)
				n, err := w.RunBatch(cmd.Context(), kernel.NewContext(a.ledger, cfg.Actor))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"worker": w.Name(), "processed_count": n})
			})
		},
	}
}

func newWorkerServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll for pending requests until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, rootOpts, func(a *app) error {
				w := a.requestWorker()
				w.Start(ctx, a.ledger)
				a.logger.Info("worker: polling", "worker", w.Name(), "interval", a.cfg.WorkerPollInterval)
				<-ctx.Done()
				drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
				defer cancel()
				w.Drain(drainCtx)
				return nil
			})
		},
	}
}

func (a *app) requestWorkerConfig() worker.Config {
	cfg := kernels.RequestWorkerConfig(a.cfg.WorkerBatchSize, a.cfg.WorkerClaim)
	cfg.PollInterval = a.cfg.WorkerPollInterval
	return cfg
}

// requestWorker builds the request worker. On Postgres with a notify
// connection it also wakes on span announcements.
func (a *app) requestWorker() *worker.Worker {
	w := worker.New(a.requestWorkerConfig(), kernels.HandleRequest, a.logger)
	if a.db != nil && a.db.HasNotify() {
		if err := a.db.ListenSpans(context.Background()); err != nil {
			a.logger.Warn("worker: notifications unavailable, polling only", "error", err)
		} else {
			w.SetWaker(a.db)
		}
	}
	return w
}
