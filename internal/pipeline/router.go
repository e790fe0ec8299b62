package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/metrics"
	"github.com/alanyoungcy/marketnode/internal/protocol"
)

// Inbox returns unread transport messages. Returned messages are consumed.
type Inbox interface {
	Inbox(ctx context.Context) ([]domain.RawMessage, error)
}

// RecordMapper projects a decoded envelope into an action record.
type RecordMapper interface {
	Map(ctx context.Context, env protocol.Envelope, meta domain.ActionMeta) (domain.ActionRecord, error)
}

// RouterConfig controls the router schedule and its optional guards.
type RouterConfig struct {
	Interval            time.Duration
	InboxTimeout        time.Duration
	MaxDeferredAttempts int

	// LockKey, when a lock manager is attached, keeps a single active
	// poller across replicas.
	LockKey string
	LockTTL time.Duration

	// SenderRateLimit caps inbound messages per sender per SenderRateWindow.
	// Zero disables the limit.
	SenderRateLimit  int
	SenderRateWindow time.Duration
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.InboxTimeout <= 0 {
		c.InboxTimeout = 10 * time.Second
	}
	if c.MaxDeferredAttempts <= 0 {
		c.MaxDeferredAttempts = 3
	}
	if c.LockKey == "" {
		c.LockKey = "marketnode:router"
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * c.Interval
	}
	if c.SenderRateWindow <= 0 {
		c.SenderRateWindow = time.Minute
	}
	return c
}

// PollStats summarises one poll.
type PollStats struct {
	Received  int
	Events    int
	Dropped   int
	Deferred  int
	Abandoned int
	Skipped   bool
}

type pending struct {
	env      protocol.Envelope
	rec      domain.ActionRecord
	attempts int
}

// Router polls the transport inbox and drives every message through
// decode, mapping and dispatch. Messages of a batch are processed strictly
// in inbox order and each classified message yields exactly one event.
// Polls never overlap: the next poll is scheduled only after the previous
// one has completed.
type Router struct {
	inbox      Inbox
	mapper     RecordMapper
	dispatcher *Dispatcher
	records    domain.ActionRecordStore
	events     EventPublisher
	clock      Clock
	cfg        RouterConfig
	lock       domain.LockManager
	limiter    domain.RateLimiter
	metrics    *metrics.RouterMetrics
	logger     *slog.Logger

	// deferred and seq are only touched from the polling goroutine.
	deferred []pending
	seq      int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRouter creates a Router. events may be nil.
func NewRouter(
	inbox Inbox,
	mapper RecordMapper,
	dispatcher *Dispatcher,
	records domain.ActionRecordStore,
	events EventPublisher,
	clock Clock,
	cfg RouterConfig,
	logger *slog.Logger,
) *Router {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Router{
		inbox:      inbox,
		mapper:     mapper,
		dispatcher: dispatcher,
		records:    records,
		events:     events,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		logger:     logger.With(slog.String("component", "router")),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// WithLock makes each poll acquire a distributed lock first.
func (r *Router) WithLock(l domain.LockManager) *Router {
	r.lock = l
	return r
}

// WithRateLimiter enables the per-sender inbound limit.
func (r *Router) WithRateLimiter(l domain.RateLimiter) *Router {
	r.limiter = l
	return r
}

// WithMetrics attaches Prometheus instrumentation.
func (r *Router) WithMetrics(m *metrics.RouterMetrics) *Router {
	r.metrics = m
	return r
}

// Run polls immediately and then once per interval until ctx is cancelled
// or Stop is called. A stop request never interrupts an in-flight poll.
// Inbox failures are logged and the next poll is scheduled as usual.
func (r *Router) Run(ctx context.Context) error {
	defer close(r.done)
	r.logger.InfoContext(ctx, "router started", slog.Duration("interval", r.cfg.Interval))

	for {
		select {
		case <-r.stop:
			r.logger.InfoContext(ctx, "router stopped")
			return nil
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "router stopped", slog.String("reason", ctx.Err().Error()))
			return ctx.Err()
		default:
		}

		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "router poll failed", slog.String("error", err.Error()))
		}

		timer := r.clock.NewTimer(r.cfg.Interval)
		select {
		case <-r.stop:
			timer.Stop()
			r.logger.InfoContext(ctx, "router stopped")
			return nil
		case <-ctx.Done():
			timer.Stop()
			r.logger.InfoContext(ctx, "router stopped", slog.String("reason", ctx.Err().Error()))
			return ctx.Err()
		case <-timer.C():
		}
	}
}

// Start runs the router in a background goroutine.
func (r *Router) Start(ctx context.Context) {
	go func() {
		_ = r.Run(ctx)
	}()
}

// Stop asks the router to exit before its next poll and waits until it
// has. Only call Stop on a router that was started.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// Poll drains the deferred queue and then the inbox once. It returns an
// error only when the inbox itself fails; per-message failures are logged
// and never abort the batch.
func (r *Router) Poll(ctx context.Context) (PollStats, error) {
	var stats PollStats
	start := r.clock.Now()

	if r.lock != nil {
		unlock, err := r.lock.Acquire(ctx, r.cfg.LockKey, r.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			r.logger.DebugContext(ctx, "router: another poller holds the lock")
			stats.Skipped = true
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("router: acquire lock: %w", err)
		}
		defer unlock()
	}

	retry := r.deferred
	r.deferred = nil
	for _, p := range retry {
		r.process(ctx, p, &stats)
	}

	inboxCtx, cancel := context.WithTimeout(ctx, r.cfg.InboxTimeout)
	msgs, err := r.inbox.Inbox(inboxCtx)
	cancel()
	if err != nil {
		r.metrics.IncInboxError()
		r.metrics.SetDeferred(len(r.deferred))
		return stats, fmt.Errorf("router: inbox: %w", err)
	}
	stats.Received = len(msgs)

	for _, msg := range msgs {
		r.handleMessage(ctx, msg, &stats)
	}

	r.metrics.SetDeferred(len(r.deferred))
	r.metrics.ObservePoll(r.clock.Now().Sub(start), len(msgs))
	if len(msgs) > 0 || len(retry) > 0 {
		r.logger.InfoContext(ctx, "router poll complete",
			slog.Int("received", stats.Received),
			slog.Int("events", stats.Events),
			slog.Int("dropped", stats.Dropped),
			slog.Int("deferred", stats.Deferred),
		)
	}
	return stats, nil
}

func (r *Router) handleMessage(ctx context.Context, msg domain.RawMessage, stats *PollStats) {
	if !r.allowSender(ctx, msg) {
		stats.Dropped++
		r.metrics.ObserveDropped("rate_limited")
		return
	}

	env, err := protocol.Decode(msg.Payload)
	if err != nil {
		stats.Dropped++
		if errors.Is(err, protocol.ErrUnclassified) {
			r.metrics.ObserveDropped("unclassified")
			r.logger.WarnContext(ctx, "router: unexpected message dropped",
				slog.String("msgid", msg.ID),
				slog.String("from", msg.From),
			)
			return
		}
		r.metrics.ObserveDropped("parse")
		r.logger.WarnContext(ctx, "router: message parse failed",
			slog.String("msgid", msg.ID),
			slog.String("from", msg.From),
			slog.String("error", err.Error()),
		)
		return
	}

	meta := domain.ActionMeta{
		MsgID:      msg.ID,
		ReceivedAt: msg.ReceivedAt,
		SentAt:     msg.SentAt,
		From:       msg.From,
		To:         msg.To,
		Seq:        r.nextSeq(),
	}
	rec, err := r.mapper.Map(ctx, env, meta)
	if err != nil {
		// Classified but unmappable: the event still goes out, nothing is stored.
		stats.Dropped++
		level := slog.LevelWarn
		if !errors.Is(err, domain.ErrMissingReference) {
			level = slog.LevelError
		}
		r.logger.Log(ctx, level, "router: action mapping failed",
			slog.String("msgid", msg.ID),
			slog.String("action", string(env.Kind())),
			slog.String("error", err.Error()),
		)
		meta.Version = env.Version
		r.emit(ctx, domain.ActionRecord{Action: env.Kind(), Data: meta, CreatedAt: msg.ReceivedAt}, domain.OutcomeDropped, err, stats)
		return
	}
	rec.ID = uuid.NewString()
	r.process(ctx, pending{env: env, rec: rec}, stats)
}

func (r *Router) process(ctx context.Context, p pending, stats *PollStats) {
	rec := p.rec
	outcome, err := r.dispatcher.Dispatch(ctx, p.env, &rec)

	if outcome == domain.OutcomeDeferred || errors.Is(err, domain.ErrUnavailable) {
		p.attempts++
		p.rec = rec
		if p.attempts < r.cfg.MaxDeferredAttempts {
			r.deferred = append(r.deferred, p)
			stats.Deferred++
			r.logger.InfoContext(ctx, "router: action deferred",
				slog.String("msgid", rec.Data.MsgID),
				slog.String("action", string(rec.Action)),
				slog.Int("attempt", p.attempts),
			)
			return
		}
		stats.Abandoned++
		outcome = domain.OutcomeFailed
		r.logger.WarnContext(ctx, "router: deferred action abandoned",
			slog.String("msgid", rec.Data.MsgID),
			slog.String("action", string(rec.Action)),
			slog.Int("attempts", p.attempts),
		)
	}

	switch {
	case outcome == domain.OutcomeNotFound:
		r.logger.WarnContext(ctx, "router: action references missing entity",
			slog.String("msgid", rec.Data.MsgID),
			slog.String("action", string(rec.Action)),
			slog.String("error", errString(err)),
		)
	case err != nil:
		outcome = domain.OutcomeFailed
		r.logger.ErrorContext(ctx, "router: action handler failed",
			slog.String("msgid", rec.Data.MsgID),
			slog.String("action", string(rec.Action)),
			slog.String("error", err.Error()),
		)
	}

	rec.Outcome = outcome
	if r.records != nil {
		if cerr := r.records.Create(ctx, rec); cerr != nil {
			r.logger.ErrorContext(ctx, "router: persist action record failed",
				slog.String("msgid", rec.Data.MsgID),
				slog.String("error", cerr.Error()),
			)
		}
	}
	r.emit(ctx, rec, outcome, err, stats)
}

func (r *Router) emit(ctx context.Context, rec domain.ActionRecord, outcome domain.ActionOutcome, err error, stats *PollStats) {
	stats.Events++
	r.metrics.ObserveAction(string(rec.Action), string(outcome))
	if r.events == nil {
		return
	}
	ev := domain.ActionEvent{Topic: rec.Action, Record: rec, Outcome: outcome, Error: errString(err)}
	if perr := r.events.PublishAction(ctx, ev); perr != nil {
		r.logger.WarnContext(ctx, "router: publish event failed",
			slog.String("msgid", rec.Data.MsgID),
			slog.String("error", perr.Error()),
		)
	}
}

// nextSeq returns a receipt sequence that increases across polls and, as
// long as the wall clock moves forward, across restarts.
func (r *Router) nextSeq() int64 {
	r.seq = max(r.seq+1, r.clock.Now().UnixNano())
	return r.seq
}

func (r *Router) allowSender(ctx context.Context, msg domain.RawMessage) bool {
	if r.limiter == nil || r.cfg.SenderRateLimit <= 0 || msg.From == "" {
		return true
	}
	ok, err := r.limiter.Allow(ctx, "inbound:"+msg.From, r.cfg.SenderRateLimit, r.cfg.SenderRateWindow)
	if err != nil {
		r.logger.WarnContext(ctx, "router: rate limiter unavailable",
			slog.String("error", err.Error()),
		)
		return true
	}
	if !ok {
		r.logger.WarnContext(ctx, "router: sender over rate limit",
			slog.String("from", msg.From),
			slog.String("msgid", msg.ID),
		)
	}
	return ok
}

// DeferredLen returns the number of actions waiting for the next poll.
func (r *Router) DeferredLen() int {
	return len(r.deferred)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
