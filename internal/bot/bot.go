// Package bot orchestrates the application components: the webhook HTTP
// server, the queue worker and the maintenance scheduler.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/caseflow/waflow/internal/config"
	"github.com/caseflow/waflow/internal/queue"
	"github.com/caseflow/waflow/internal/server"
)

// Bot ties the long-running components together and manages their lifecycle.
type Bot struct {
	logger    *slog.Logger
	server    *server.Server
	worker    *queue.Worker
	scheduler *Scheduler
}

// New creates the orchestrator.
func New(logger *slog.Logger, srv *server.Server, worker *queue.Worker, scheduler *Scheduler) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		logger:    logger.With("component", "orchestrator"),
		server:    srv,
		worker:    worker,
		scheduler: scheduler,
	}
}

// MaintenanceTasks builds the recurring queue maintenance tasks from the
// configured schedules.
func MaintenanceTasks(cfg *config.Config, store queue.Store, logger *slog.Logger) map[string]TaskSpec {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "maintenance")

	return map[string]TaskSpec{
		"queue_prune": {
			Schedule: cfg.PruneSchedule,
			Run: func(ctx context.Context) error {
				pruned, err := store.PruneDone(ctx, cfg.QueueDoneRetention)
				if err != nil {
					return err
				}
				log.InfoContext(ctx, "Pruned processed queue items",
					"pruned", pruned, "retention", cfg.QueueDoneRetention)
				return nil
			},
		},
		"sqlite_maintenance": {
			Schedule: cfg.MaintenanceSchedule,
			Run:      store.RunSQLMaintenance,
		},
	}
}

// Run starts every component and blocks until the context is cancelled or a
// component fails. All components are torn down before returning.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting orchestrator")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.server.Run(gCtx)
	})

	g.Go(func() error {
		return b.worker.Run(gCtx)
	})

	g.Go(func() error {
		if err := b.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		<-gCtx.Done()
		b.logger.Info("Shutdown signal received, stopping scheduler")

		if err := b.scheduler.Stop(); err != nil {
			b.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Orchestrator stopped due to error", "error", err)
		return err
	}

	b.logger.Info("Orchestrator stopped gracefully")
	return nil
}
