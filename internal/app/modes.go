package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketnode/internal/notify"
	"github.com/alanyoungcy/marketnode/internal/pipeline"
	"github.com/alanyoungcy/marketnode/internal/server"
	"github.com/alanyoungcy/marketnode/internal/server/handler"
	"github.com/alanyoungcy/marketnode/internal/server/ws"
)

// NodeMode polls the inbox and, unless server.enabled is false, serves the
// query API from the same process.
func (a *App) NodeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting node mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startPipeline(ctx, g, deps)
	if a.cfg.Serves() {
		a.startServer(ctx, g, deps)
	}
	return g.Wait()
}

// PollMode runs only the inbox router, the archiver and the notification
// forwarder.
func (a *App) PollMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting poll mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startPipeline(ctx, g, deps)
	return g.Wait()
}

// ServerMode serves the query API over stores shared with a polling process.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	return g.Wait()
}

// startPipeline runs the orchestrator: the router, the archive schedule when
// S3 is wired, and the notification forwarder when a channel is configured.
func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var archiver *pipeline.Archiver
	cron := ""
	if deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
		cron = a.cfg.Archive.Cron
	}

	orch := pipeline.NewOrchestrator(deps.Router, archiver, cron, a.logger)
	if deps.Notifier.Enabled() && deps.SignalBus != nil {
		orch.WithWorker("notify", notify.NewForwarder(deps.SignalBus, deps.Notifier, a.cfg.Notify.Outcomes, a.logger))
	}

	g.Go(func() error {
		return orch.Run(ctx)
	})
}

// startServer runs the HTTP API and, when the signal bus is available, the
// WebSocket hub.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	startedAt := time.Now().UTC()

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:           a.cfg.Mode,
			MarketID:       a.cfg.Market.ID,
			StartedAt:      startedAt,
			AllowedOrigins: a.cfg.Server.CORSOrigins,
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	} else {
		a.logger.WarnContext(ctx, "redis disabled, websocket events unavailable")
	}

	var router handler.DeferredCounter
	if deps.Router != nil {
		router = deps.Router
	}
	var chain handler.ChainInfo
	if deps.Daemon != nil {
		chain = deps.Daemon
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Pingers, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, a.cfg.Market.ID, startedAt, router),
		Listings:  handler.NewListingHandler(deps.Listings, a.cfg.Market.ProfileAddress, a.logger),
		Bids:      handler.NewBidHandler(deps.Bids, a.logger),
		Proposals: handler.NewProposalHandler(deps.Proposals, deps.Votes, chain, a.logger),
	}
	if deps.BlobReader != nil {
		handlers.Archives = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKeys:     a.cfg.Server.APIKeys,
		RateLimit:   a.cfg.Server.RateLimit,
		Limiter:     deps.RateLimiter,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening", slog.Int("port", a.cfg.Server.Port))
		return srv.Run(ctx)
	})
}
