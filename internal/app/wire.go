package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/marketnode/internal/blob/s3"
	"github.com/alanyoungcy/marketnode/internal/cache/redis"
	"github.com/alanyoungcy/marketnode/internal/config"
	"github.com/alanyoungcy/marketnode/internal/crypto"
	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/mapper"
	"github.com/alanyoungcy/marketnode/internal/metrics"
	"github.com/alanyoungcy/marketnode/internal/notify"
	"github.com/alanyoungcy/marketnode/internal/pipeline"
	"github.com/alanyoungcy/marketnode/internal/platform/particl"
	"github.com/alanyoungcy/marketnode/internal/server/handler"
	"github.com/alanyoungcy/marketnode/internal/service"
	"github.com/alanyoungcy/marketnode/internal/store/memory"
	"github.com/alanyoungcy/marketnode/internal/store/postgres"
)

// Stores groups the persistence interfaces, backed by memory or PostgreSQL.
type Stores struct {
	Actions   domain.ActionRecordStore
	Listings  domain.ListingItemStore
	Templates domain.ListingTemplateStore
	Bids      domain.BidStore
	Orders    domain.OrderStore
	Proposals domain.ProposalStore
	Votes     domain.VoteStore
	Results   domain.ProposalResultStore
	Audit     domain.AuditStore
}

// Dependencies bundles everything the operating modes need. Optional parts
// are nil when their backend is disabled.
type Dependencies struct {
	Stores Stores

	// Redis-backed, optional.
	ListingCache domain.ListingCache
	ResultCache  domain.ResultCache
	RateLimiter  domain.RateLimiter
	LockManager  domain.LockManager
	SignalBus    domain.SignalBus

	// S3-backed, optional.
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Daemon is nil when no daemon URL is configured.
	Daemon *particl.Client

	Listings  *service.ListingService
	Bids      *service.BidService
	Escrow    *service.EscrowService
	Proposals *service.ProposalService
	Votes     *service.VoteService

	// Router is set only for modes that poll the inbox.
	Router *pipeline.Router

	Notifier *notify.Notifier

	// Pingers feed the health endpoint.
	Pingers map[string]handler.Pinger
}

// pingFunc adapts a function to handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	deps := &Dependencies{Pingers: make(map[string]handler.Pinger)}

	// --- Stores ---
	switch strings.ToLower(cfg.Storage.Driver) {
	case "postgres":
		pg := cfg.Storage.Postgres
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      pg.DSN,
			Host:     pg.Host,
			Port:     pg.Port,
			Database: pg.Database,
			User:     pg.User,
			Password: pg.Password,
			SSLMode:  pg.SSLMode,
			MaxConns: pg.PoolMaxConns,
			MinConns: pg.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if pg.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		s := pgClient.Stores()
		deps.Stores = Stores{
			Actions:   s.Actions,
			Listings:  s.Listings,
			Templates: s.Templates,
			Bids:      s.Bids,
			Orders:    s.Orders,
			Proposals: s.Proposals,
			Votes:     s.Votes,
			Results:   s.Results,
			Audit:     s.Audit,
		}
		deps.Pingers["postgres"] = pgClient
	default:
		s := memory.New()
		deps.Stores = Stores{
			Actions:   s.Actions,
			Listings:  s.Listings,
			Templates: s.Templates,
			Bids:      s.Bids,
			Orders:    s.Orders,
			Proposals: s.Proposals,
			Votes:     s.Votes,
			Results:   s.Results,
			Audit:     s.Audit,
		}
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Market.ID,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.ListingCache = redis.NewListingCache(redisClient)
		deps.ResultCache = redis.NewResultCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Pingers["redis"] = redisClient
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		writer := s3blob.NewWriter(s3Client).WithMetadata(map[string]string{"market": cfg.Market.ID})
		deps.Archiver = s3blob.NewArchiver(writer, deps.Stores.Actions, deps.Stores.Audit).WithReader(reader)
		deps.Pingers["s3"] = pingFunc(s3Client.Health)
	}

	// --- Daemon ---
	if cfg.Daemon.URL != "" {
		password, err := crypto.Resolve(crypto.SecretSource{
			Plain:      cfg.Daemon.Password,
			SealedPath: cfg.Daemon.PasswordFile,
			Passphrase: cfg.Daemon.PasswordPassphrase,
		})
		if err != nil {
			return fail("daemon password", err)
		}
		daemon, err := particl.Dial(ctx, particl.Config{
			URL:           cfg.Daemon.URL,
			User:          cfg.Daemon.User,
			Password:      password,
			Timeout:       cfg.Market.RPCTimeout.Duration,
			RetentionDays: cfg.Daemon.RetentionDays,
		})
		if err != nil {
			return fail("daemon", err)
		}
		closers = append(closers, daemon.Close)
		deps.Daemon = daemon
		deps.Pingers["daemon"] = pingFunc(func(ctx context.Context) error {
			_, err := daemon.BlockCount(ctx)
			return err
		})
	}

	// --- Services ---
	st := deps.Stores
	deps.Listings = service.NewListingService(st.Listings, st.Templates, deps.ListingCache, logger)
	deps.Bids = service.NewBidService(st.Bids, st.Orders, logger)
	deps.Escrow = service.NewEscrowService(st.Bids, st.Orders, st.Audit, logger)

	var weights service.WeightSource
	if deps.Daemon != nil {
		weights = deps.Daemon
	}
	deps.Votes = service.NewVoteService(st.Proposals, st.Votes, st.Results, deps.ResultCache, weights,
		cfg.Market.RPCTimeout.Duration, logger).WithAudit(st.Audit)
	if deps.Daemon != nil {
		deps.Votes.WithChain(deps.Daemon)
	}
	deps.Proposals = service.NewProposalService(st.Proposals, deps.Listings, logger).WithRecomputer(deps.Votes)

	// --- Router ---
	if cfg.Polls() {
		if deps.Daemon == nil {
			return fail("router", fmt.Errorf("mode %s needs daemon.url", cfg.Mode))
		}
		router, err := newRouter(cfg, deps, logger)
		if err != nil {
			return fail("router", err)
		}
		deps.Router = router
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// newRouter builds the inbox router with its dispatch table and whichever
// Redis guards are available.
func newRouter(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*pipeline.Router, error) {
	dispatcher, err := pipeline.NewServiceDispatcher(pipeline.Services{
		Listings:  deps.Listings,
		Bids:      deps.Bids,
		Escrow:    deps.Escrow,
		Proposals: deps.Proposals,
		Votes:     deps.Votes,
	})
	if err != nil {
		return nil, err
	}

	var events pipeline.EventPublisher
	if deps.SignalBus != nil {
		events = pipeline.NewBusPublisher(deps.SignalBus, cfg.Redis.DurableEvents)
	}

	router := pipeline.NewRouter(
		deps.Daemon,
		mapper.New(deps.Listings),
		dispatcher,
		deps.Stores.Actions,
		events,
		nil,
		pipeline.RouterConfig{
			Interval:            cfg.Market.PollInterval.Duration,
			InboxTimeout:        cfg.Market.RPCTimeout.Duration,
			MaxDeferredAttempts: cfg.Market.MaxDeferredAttempts,
			SenderRateLimit:     cfg.Market.SenderRateLimit,
			SenderRateWindow:    cfg.Market.SenderRateWindow.Duration,
		},
		logger,
	).WithMetrics(metrics.Router())

	if deps.LockManager != nil {
		router.WithLock(deps.LockManager)
	}
	if deps.RateLimiter != nil {
		router.WithRateLimiter(deps.RateLimiter)
	}
	return router, nil
}
