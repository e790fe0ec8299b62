package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/protocol"
	"github.com/alanyoungcy/marketnode/internal/store/memory"
)

type staticWeights map[string]int64

func (w staticWeights) AddressWeight(_ context.Context, address string) (int64, error) {
	return w[address], nil
}

type slowWeights struct{}

func (slowWeights) AddressWeight(ctx context.Context, _ string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

type memResultCache struct {
	mu sync.Mutex
	m  map[string]domain.ProposalResult
}

func (c *memResultCache) Set(_ context.Context, r domain.ProposalResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]domain.ProposalResult)
	}
	c.m[r.ProposalHash] = r
	return nil
}

func (c *memResultCache) Get(_ context.Context, hash string) (domain.ProposalResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.m[hash]
	if !ok {
		return domain.ProposalResult{}, domain.ErrNotFound
	}
	return r, nil
}

func voteRecord(voter string, optionID int, block int64) (*protocol.VoteCast, *domain.ActionRecord) {
	a := &protocol.VoteCast{Action: domain.ActionVote, ProposalHash: "ph", OptionID: optionID, Block: block}
	rec := &domain.ActionRecord{
		Action:       domain.ActionVote,
		ProposalHash: "ph",
		Data:         domain.ActionMeta{From: voter, MsgID: voter},
	}
	return a, rec
}

func newVoteFixture(t *testing.T, weights WeightSource) (*VoteService, *memory.Stores, *memResultCache) {
	t.Helper()
	st := memory.New()
	created, err := st.Proposals.CreateIfAbsent(context.Background(), twoOptionProposal())
	require.NoError(t, err)
	require.True(t, created)
	cache := &memResultCache{}
	svc := NewVoteService(st.Proposals, st.Votes, st.Results, cache, weights, 50*time.Millisecond, discardLogger()).
		WithAudit(st.Audit)
	return svc, st, cache
}

func TestVoteService_LaterVoteWins(t *testing.T) {
	ctx := context.Background()
	svc, _, cache := newVoteFixture(t, staticWeights{"V": 7})

	a, rec := voteRecord("V", 1, 100)
	out, err := svc.Handle(ctx, a, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)

	a, rec = voteRecord("V", 2, 105)
	out, err = svc.Handle(ctx, a, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)

	res, err := svc.GetResult(ctx, "ph")
	require.NoError(t, err)
	o1, _ := res.Option(1)
	o2, _ := res.Option(2)
	assert.Equal(t, int64(0), o1.Voters)
	assert.Equal(t, int64(1), o2.Voters)
	assert.Equal(t, int64(7), o2.Weight)

	cached, err := cache.Get(ctx, "ph")
	require.NoError(t, err)
	assert.Equal(t, res, cached)

	v, err := svc.GetVote(ctx, "V", "ph")
	require.NoError(t, err)
	assert.Equal(t, 2, v.OptionID)
}

func TestVoteService_OlderVoteIgnored(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newVoteFixture(t, staticWeights{"V": 1})

	a, rec := voteRecord("V", 2, 105)
	_, err := svc.Handle(ctx, a, rec)
	require.NoError(t, err)

	a, rec = voteRecord("V", 1, 100)
	out, err := svc.Handle(ctx, a, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, out)

	v, err := st.Votes.Get(ctx, "ph", "V")
	require.NoError(t, err)
	assert.Equal(t, 2, v.OptionID)
}

func TestVoteService_SameBlockLastReceivedWins(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newVoteFixture(t, staticWeights{"V": 1})

	for _, opt := range []int{1, 2} {
		a, rec := voteRecord("V", opt, 120)
		out, err := svc.Handle(ctx, a, rec)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeApplied, out)
	}

	v, err := st.Votes.Get(ctx, "ph", "V")
	require.NoError(t, err)
	assert.Equal(t, 2, v.OptionID)
	assert.Len(t, st.Votes.History(), 1)
}

func TestVoteService_SameBlockEarlierReceiptLoses(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newVoteFixture(t, staticWeights{"V": 1})

	a, rec := voteRecord("V", 2, 120)
	rec.Data.Seq = 20
	out, err := svc.Handle(ctx, a, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)

	a, rec = voteRecord("V", 1, 120)
	rec.Data.Seq = 10
	out, err = svc.Handle(ctx, a, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, out)

	v, err := st.Votes.Get(ctx, "ph", "V")
	require.NoError(t, err)
	assert.Equal(t, 2, v.OptionID)
	assert.Equal(t, int64(20), v.Seq)
}

func TestVoteService_UnknownProposalIsNotFound(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newVoteFixture(t, staticWeights{})

	a, rec := voteRecord("V", 1, 100)
	a.ProposalHash = "missing"
	out, err := svc.Handle(ctx, a, rec)
	assert.Equal(t, domain.OutcomeNotFound, out)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	entries, err := st.Audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "vote_not_found", entries[0].Event)
}

func TestVoteService_InvalidVotesIgnored(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newVoteFixture(t, staticWeights{"V": 1})

	a, rec := voteRecord("V", 9, 150)
	out, err := svc.Handle(ctx, a, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, out)

	a, rec = voteRecord("V", 1, 250)
	out, err = svc.Handle(ctx, a, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, out)

	_, err = st.Votes.Get(ctx, "ph", "V")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVoteService_WeightTimeoutDefers(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newVoteFixture(t, slowWeights{})

	a, rec := voteRecord("V", 1, 150)
	out, err := svc.Handle(ctx, a, rec)
	assert.Equal(t, domain.OutcomeDeferred, out)
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	_, err = st.Votes.Get(ctx, "ph", "V")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVoteService_GetResultRecomputesWithoutSnapshot(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newVoteFixture(t, staticWeights{})

	res, err := svc.GetResult(ctx, "ph")
	require.NoError(t, err)
	assert.Len(t, res.Options, 2)

	_, err = svc.GetResult(ctx, "unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
