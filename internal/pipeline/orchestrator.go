package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Worker is a long-running background job owned by the orchestrator.
type Worker interface {
	Run(ctx context.Context) error
}

// Orchestrator manages the pipeline goroutines: the inbox router, the
// cold-storage archiver and any extra workers such as event notifiers.
type Orchestrator struct {
	router      *Router
	archiver    *Archiver
	archiveCron string
	workers     map[string]Worker
	logger      *slog.Logger
}

// NewOrchestrator creates a new Orchestrator. archiver may be nil when cold
// storage is not configured.
func NewOrchestrator(router *Router, archiver *Archiver, archiveCron string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		router:      router,
		archiver:    archiver,
		archiveCron: archiveCron,
		workers:     make(map[string]Worker),
		logger:      logger.With(slog.String("component", "orchestrator")),
	}
}

// WithWorker adds a named background worker.
func (o *Orchestrator) WithWorker(name string, w Worker) *Orchestrator {
	o.workers[name] = w
	return o
}

// Run starts all sub-pipelines as concurrent goroutines using an errgroup.
// If any goroutine returns a non-context error, the errgroup cancels the
// shared context and Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "pipeline orchestrator starting",
		slog.String("archive_cron", o.archiveCron),
		slog.Int("workers", len(o.workers)),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.router.Run(ctx)
		if ctx.Err() != nil || err == nil {
			return nil
		}
		return fmt.Errorf("router: %w", err)
	})

	if o.archiver != nil && o.archiveCron != "" {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	for name, w := range o.workers {
		g.Go(func() error {
			o.logger.InfoContext(ctx, "starting worker", slog.String("worker", name))
			err := w.Run(ctx)
			if ctx.Err() != nil || err == nil {
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
