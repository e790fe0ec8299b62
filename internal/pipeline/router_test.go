package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/mapper"
	"github.com/alanyoungcy/marketnode/internal/protocol"
	"github.com/alanyoungcy/marketnode/internal/service"
	"github.com/alanyoungcy/marketnode/internal/store/memory"
)

// --- fakes ---

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []chan time.Time
	armed  chan struct{}
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), armed: make(chan struct{}, 64)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(time.Duration) Timer {
	c.mu.Lock()
	ch := make(chan time.Time, 1)
	c.timers = append(c.timers, ch)
	c.mu.Unlock()
	select {
	case c.armed <- struct{}{}:
	default:
	}
	return fakeTimer{ch: ch}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Fire expires every armed timer.
func (c *fakeClock) Fire() {
	c.mu.Lock()
	timers := c.timers
	c.timers = nil
	c.now = c.now.Add(5 * time.Second)
	now := c.now
	c.mu.Unlock()
	for _, ch := range timers {
		ch <- now
	}
}

type fakeTimer struct{ ch chan time.Time }

func (t fakeTimer) C() <-chan time.Time { return t.ch }
func (t fakeTimer) Stop() bool          { return true }

type fakeInbox struct {
	mu      sync.Mutex
	batches [][]domain.RawMessage
	calls   int
	err     error
	release chan struct{}
	polled  chan struct{}
}

func newFakeInbox(batches ...[]domain.RawMessage) *fakeInbox {
	return &fakeInbox{batches: batches, polled: make(chan struct{}, 64)}
}

func (f *fakeInbox) Inbox(ctx context.Context) ([]domain.RawMessage, error) {
	f.mu.Lock()
	f.calls++
	release := f.release
	var batch []domain.RawMessage
	if len(f.batches) > 0 {
		batch = f.batches[0]
		f.batches = f.batches[1:]
	}
	err := f.err
	f.mu.Unlock()

	f.polled <- struct{}{}
	if release != nil {
		<-release
	}
	return batch, err
}

func (f *fakeInbox) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ActionEvent
}

func (p *recordingPublisher) PublishAction(_ context.Context, ev domain.ActionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) all() []domain.ActionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ActionEvent(nil), p.events...)
}

type flakyWeights struct {
	mu       sync.Mutex
	failures int
}

func (w *flakyWeights) AddressWeight(context.Context, string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return 0, domain.ErrUnavailable
	}
	return 3, nil
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

// --- harness ---

type harness struct {
	stores    *memory.Stores
	inbox     *fakeInbox
	clock     *fakeClock
	events    *recordingPublisher
	router    *Router
	logs      *bytes.Buffer
	proposals *service.ProposalService
}

func newHarness(t *testing.T, weights service.WeightSource, batches ...[]domain.RawMessage) *harness {
	t.Helper()
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if weights == nil {
		weights = &flakyWeights{}
	}

	st := memory.New()
	listings := service.NewListingService(st.Listings, st.Templates, nil, logger)
	votes := service.NewVoteService(st.Proposals, st.Votes, st.Results, nil, weights, time.Second, logger).WithAudit(st.Audit)
	proposals := service.NewProposalService(st.Proposals, listings, logger).WithRecomputer(votes)
	d, err := NewServiceDispatcher(Services{
		Listings:  listings,
		Bids:      service.NewBidService(st.Bids, st.Orders, logger),
		Escrow:    service.NewEscrowService(st.Bids, st.Orders, st.Audit, logger),
		Proposals: proposals,
		Votes:     votes,
	})
	require.NoError(t, err)

	h := &harness{
		stores:    st,
		inbox:     newFakeInbox(batches...),
		clock:     newFakeClock(),
		events:    &recordingPublisher{},
		logs:      logs,
		proposals: proposals,
	}
	h.router = NewRouter(h.inbox, mapper.New(listings), d, st.Actions, h.events, h.clock,
		RouterConfig{Interval: 5 * time.Second, MaxDeferredAttempts: 3}, logger)
	return h
}

const listingPayload = `{"version":"0.1.0","item":{"seller":"pSeller","information":{"title":"Chair"},"payment":{"type":"SALE"}}}`

func msg(id, from, to, payload string) domain.RawMessage {
	return domain.RawMessage{
		ID:         id,
		From:       from,
		To:         to,
		ReceivedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Payload:    []byte(payload),
	}
}

func chairHash(t *testing.T) string {
	t.Helper()
	env, err := protocol.Decode([]byte(listingPayload))
	require.NoError(t, err)
	h, err := mapper.ListingHash(env.Action.(*protocol.ListingAdd).Item)
	require.NoError(t, err)
	return h
}

func countLines(buf *bytes.Buffer, needle string) int {
	return strings.Count(buf.String(), needle)
}

// --- tests ---

func TestRouter_MalformedMessageDoesNotAbortBatch(t *testing.T) {
	proposal := `{"mpaction":{"action":"MP_PROPOSAL_ADD","submitter":"pSub","title":"Fees","blockStart":1,"blockEnd":9,"options":[{"optionId":0,"description":"YES"}]}}`
	h := newHarness(t, nil, []domain.RawMessage{
		msg("m1", "pSeller", "pMarket", listingPayload),
		msg("m2", "pSeller", "pMarket", `{"item": {`),
		msg("m3", "pSub", "pMarket", proposal),
	})

	stats, err := h.router.Poll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Received)
	assert.Equal(t, 2, stats.Events)
	assert.Equal(t, 1, stats.Dropped)

	events := h.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.ActionListingAdd, events[0].Topic)
	assert.Equal(t, domain.ActionProposalAdd, events[1].Topic)
	for _, ev := range events {
		assert.Equal(t, domain.OutcomeApplied, ev.Outcome)
	}
	assert.Equal(t, 1, countLines(h.logs, "message parse failed"))
	assert.Len(t, h.stores.Actions.All(), 2)
}

func TestRouter_BatchIsProcessedInOrder(t *testing.T) {
	hash := chairHash(t)
	bid := `{"mpaction":{"action":"MPA_BID","item":"` + hash + `"}}`
	accept := `{"mpaction":{"action":"MPA_ACCEPT","item":"` + hash + `"}}`
	h := newHarness(t, nil, []domain.RawMessage{
		msg("m1", "pSeller", "pMarket", listingPayload),
		msg("m2", "pBuyer", "pSeller", bid),
		msg("m3", "pSeller", "pBuyer", accept),
	})

	_, err := h.router.Poll(context.Background())
	require.NoError(t, err)

	outcomes := make([]domain.ActionOutcome, 0, 3)
	for _, ev := range h.events.all() {
		outcomes = append(outcomes, ev.Outcome)
	}
	assert.Equal(t, []domain.ActionOutcome{domain.OutcomeApplied, domain.OutcomeApplied, domain.OutcomeApplied}, outcomes)
	assert.Equal(t, 1, h.stores.Orders.Count())

	events := h.events.all()
	require.NotEmpty(t, events[2].Record.BidID)
	recs, err := h.stores.Actions.ListByBid(context.Background(), events[2].Record.BidID)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestRouter_MissingListingIsDroppedWithEvent(t *testing.T) {
	h := newHarness(t, nil, []domain.RawMessage{
		msg("m1", "pBuyer", "pSeller", `{"mpaction":{"action":"MPA_BID","item":"unknown"}}`),
	})

	stats, err := h.router.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dropped)

	events := h.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.OutcomeDropped, events[0].Outcome)
	assert.Empty(t, h.stores.Actions.All())
}

func TestRouter_EscrowWithoutBidIsNotFound(t *testing.T) {
	hash := chairHash(t)
	h := newHarness(t, nil, []domain.RawMessage{
		msg("m1", "pSeller", "pMarket", listingPayload),
		msg("m2", "pBuyer", "pSeller", `{"mpaction":{"action":"MPA_LOCK","item":"`+hash+`"}}`),
	})

	_, err := h.router.Poll(context.Background())
	require.NoError(t, err)

	events := h.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.OutcomeNotFound, events[1].Outcome)
	assert.NotEmpty(t, events[1].Error)
	assert.Equal(t, 1, countLines(h.logs, "action references missing entity"))
}

func TestRouter_UnknownActionDropped(t *testing.T) {
	h := newHarness(t, nil, []domain.RawMessage{
		msg("m1", "pBuyer", "pSeller", `{"mpaction":{"action":"MPA_SHIP","item":"x"}}`),
		msg("m2", "pBuyer", "pSeller", `{"hello":"world"}`),
	})
	stats, err := h.router.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Dropped)
	assert.Empty(t, h.events.all())
	assert.Equal(t, 1, countLines(h.logs, "unexpected message dropped"))
}

func TestRouter_DeferredVoteRetriedNextPoll(t *testing.T) {
	ctx := context.Background()
	weights := &flakyWeights{failures: 1}
	proposal := `{"mpaction":{"action":"MP_PROPOSAL_ADD","submitter":"pSub","title":"Fees","blockStart":1,"blockEnd":9,"options":[{"optionId":0,"description":"YES"},{"optionId":1,"description":"NO"}]}}`
	h := newHarness(t, weights, []domain.RawMessage{msg("m1", "pSub", "pMarket", proposal)})

	_, err := h.router.Poll(ctx)
	require.NoError(t, err)
	phash := h.events.all()[0].Record.ProposalHash
	require.NotEmpty(t, phash)

	vote := `{"mpaction":{"action":"MP_VOTE","proposalHash":"` + phash + `","optionId":1,"block":5}}`
	h.inbox.mu.Lock()
	h.inbox.batches = append(h.inbox.batches, []domain.RawMessage{msg("m2", "pVoter", "pMarket", vote)})
	h.inbox.mu.Unlock()

	stats, err := h.router.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deferred)
	assert.Equal(t, 0, stats.Events)
	assert.Equal(t, 1, h.router.DeferredLen())

	stats, err = h.router.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Events)
	assert.Equal(t, 0, h.router.DeferredLen())

	events := h.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.ActionVote, events[1].Topic)
	assert.Equal(t, domain.OutcomeApplied, events[1].Outcome)

	v, err := h.stores.Votes.Get(ctx, phash, "pVoter")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Weight)
}

func TestRouter_DeferredVoteKeepsReceiptOrder(t *testing.T) {
	ctx := context.Background()
	weights := &flakyWeights{failures: 1}
	proposal := `{"mpaction":{"action":"MP_PROPOSAL_ADD","submitter":"pSub","title":"Fees","blockStart":1,"blockEnd":9,"options":[{"optionId":0},{"optionId":1}]}}`
	h := newHarness(t, weights, []domain.RawMessage{msg("m1", "pSub", "pMarket", proposal)})
	_, err := h.router.Poll(ctx)
	require.NoError(t, err)
	phash := h.events.all()[0].Record.ProposalHash

	vote := func(option string) string {
		return `{"mpaction":{"action":"MP_VOTE","proposalHash":"` + phash + `","optionId":` + option + `,"block":5}}`
	}
	h.inbox.mu.Lock()
	h.inbox.batches = append(h.inbox.batches, []domain.RawMessage{
		msg("m2", "pVoter", "pMarket", vote("0")),
		msg("m3", "pVoter", "pMarket", vote("1")),
	})
	h.inbox.mu.Unlock()

	// m2 hits the weight failure and is deferred; m3 applies.
	stats, err := h.router.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deferred)

	// m2 is replayed after m3 but was received first, so it must not win.
	stats, err = h.router.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Events)

	v, err := h.stores.Votes.Get(ctx, phash, "pVoter")
	require.NoError(t, err)
	assert.Equal(t, "m3", v.MsgID)
	assert.Equal(t, 1, v.OptionID)

	events := h.events.all()
	require.Len(t, events, 3)
	assert.Equal(t, "m3", events[1].Record.Data.MsgID)
	assert.Equal(t, "m2", events[2].Record.Data.MsgID)
	assert.Equal(t, domain.OutcomeIgnored, events[2].Outcome)
	assert.Less(t, events[2].Record.Data.Seq, events[1].Record.Data.Seq)
}

func TestRouter_DeferredVoteAbandoned(t *testing.T) {
	ctx := context.Background()
	weights := &flakyWeights{failures: 100}
	proposal := `{"mpaction":{"action":"MP_PROPOSAL_ADD","submitter":"pSub","title":"Fees","blockStart":1,"blockEnd":9,"options":[{"optionId":0}]}}`
	h := newHarness(t, weights, []domain.RawMessage{msg("m1", "pSub", "pMarket", proposal)})
	_, err := h.router.Poll(ctx)
	require.NoError(t, err)
	phash := h.events.all()[0].Record.ProposalHash

	h.inbox.mu.Lock()
	h.inbox.batches = append(h.inbox.batches, []domain.RawMessage{
		msg("m2", "pVoter", "pMarket", `{"mpaction":{"action":"MP_VOTE","proposalHash":"`+phash+`","optionId":0,"block":2}}`),
	})
	h.inbox.mu.Unlock()

	var abandoned int
	for i := 0; i < 3; i++ {
		stats, err := h.router.Poll(ctx)
		require.NoError(t, err)
		abandoned += stats.Abandoned
	}
	assert.Equal(t, 1, abandoned)
	assert.Equal(t, 0, h.router.DeferredLen())

	events := h.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.OutcomeFailed, events[1].Outcome)
}

func TestRouter_HandlerPanicIsContained(t *testing.T) {
	d := NewDispatcher()
	for _, k := range domain.AllActionKinds() {
		k := k
		require.NoError(t, d.Register(k, func(context.Context, protocol.Envelope, *domain.ActionRecord) (domain.ActionOutcome, error) {
			if k == domain.ActionListingAdd {
				panic("boom")
			}
			return domain.OutcomeApplied, nil
		}))
	}
	require.NoError(t, d.Validate())

	inbox := newFakeInbox([]domain.RawMessage{
		msg("m1", "pSeller", "pMarket", listingPayload),
		msg("m2", "pSub", "pMarket", `{"mpaction":{"action":"MP_VOTE","proposalHash":"ph","optionId":0,"block":1}}`),
	})
	events := &recordingPublisher{}
	r := NewRouter(inbox, mapper.New(memory.NewListingItemStore()), d, nil, events, newFakeClock(), RouterConfig{},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	stats, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Events)
	got := events.all()
	assert.Equal(t, domain.OutcomeFailed, got[0].Outcome)
	assert.Contains(t, got[0].Error, "panic")
	assert.Equal(t, domain.OutcomeApplied, got[1].Outcome)
}

func TestRouter_InboxFailureIsReturned(t *testing.T) {
	h := newHarness(t, nil)
	h.inbox.err = errors.New("daemon offline")
	_, err := h.router.Poll(context.Background())
	assert.ErrorContains(t, err, "daemon offline")
}

func TestRouter_LockHeldSkipsPoll(t *testing.T) {
	h := newHarness(t, nil, []domain.RawMessage{msg("m1", "pSeller", "pMarket", listingPayload)})
	h.router.WithLock(heldLock{})

	stats, err := h.router.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.Skipped)
	assert.Equal(t, 0, h.inbox.callCount())
}

func TestRouter_SenderRateLimit(t *testing.T) {
	h := newHarness(t, nil, []domain.RawMessage{msg("m1", "pSeller", "pMarket", listingPayload)})
	h.router.cfg.SenderRateLimit = 1
	h.router.WithRateLimiter(denyAll{})

	stats, err := h.router.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dropped)
	assert.Empty(t, h.events.all())
}

func TestRouter_PollsDoNotOverlap(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.inbox.release = release

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.router.Start(ctx)

	<-h.inbox.polled
	// The first poll is still running: no timer may be armed yet.
	assert.Equal(t, 0, h.clock.pending())
	assert.Equal(t, 1, h.inbox.callCount())

	release <- struct{}{}
	<-h.clock.armed
	assert.Equal(t, 1, h.inbox.callCount())

	h.clock.Fire()
	<-h.inbox.polled
	assert.Equal(t, 2, h.inbox.callCount())
	release <- struct{}{}
	<-h.clock.armed

	h.router.Stop()
}

func TestRouter_StopIsHonoredBetweenPolls(t *testing.T) {
	h := newHarness(t, nil)

	h.router.Start(context.Background())
	<-h.inbox.polled
	<-h.clock.armed

	h.router.Stop()
	h.clock.Fire()
	assert.Equal(t, 1, h.inbox.callCount())
}

func TestRouter_StopWaitsForInFlightPoll(t *testing.T) {
	h := newHarness(t, nil, []domain.RawMessage{msg("m1", "pSeller", "pMarket", listingPayload)})
	release := make(chan struct{})
	h.inbox.release = release

	h.router.Start(context.Background())
	<-h.inbox.polled

	stopped := make(chan struct{})
	go func() {
		h.router.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a poll was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-stopped
	assert.Len(t, h.events.all(), 1)
}

func TestDispatcher_ValidateAndRegister(t *testing.T) {
	d := NewDispatcher()
	noop := func(context.Context, protocol.Envelope, *domain.ActionRecord) (domain.ActionOutcome, error) {
		return domain.OutcomeApplied, nil
	}
	require.NoError(t, d.Register(domain.ActionBid, noop))
	assert.ErrorIs(t, d.Register(domain.ActionBid, noop), domain.ErrAlreadyExists)
	assert.ErrorIs(t, d.Register("MPA_NOPE", noop), domain.ErrUnknownAction)

	err := d.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(domain.ActionVote))
	assert.NotContains(t, err.Error(), "no handler for "+string(domain.ActionBid)+"\n")
}
