package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/store/memory"
)

func applyBids(t *testing.T, svc *BidService, kinds ...domain.ActionKind) []domain.ActionOutcome {
	t.Helper()
	var outcomes []domain.ActionOutcome
	for _, k := range kinds {
		a, rec := bidRecord(k)
		out, err := svc.Handle(context.Background(), a, rec)
		require.NoError(t, err)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func TestBidService_RepeatedAcceptCreatesOneOrder(t *testing.T) {
	ctx := context.Background()

	once := memory.New()
	svcOnce := NewBidService(once.Bids, once.Orders, discardLogger())
	applyBids(t, svcOnce, domain.ActionBid, domain.ActionBidAccept)

	twice := memory.New()
	svcTwice := NewBidService(twice.Bids, twice.Orders, discardLogger())
	outcomes := applyBids(t, svcTwice, domain.ActionBid, domain.ActionBidAccept, domain.ActionBidAccept)
	assert.Equal(t, []domain.ActionOutcome{domain.OutcomeApplied, domain.OutcomeApplied, domain.OutcomeIgnored}, outcomes)

	assert.Equal(t, 1, once.Orders.Count())
	assert.Equal(t, 1, twice.Orders.Count())

	bidOnce, err := once.Bids.Get(ctx, "li-1", buyer)
	require.NoError(t, err)
	bidTwice, err := twice.Bids.Get(ctx, "li-1", buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBidAccept, bidOnce.Action)
	assert.Equal(t, bidOnce.Action, bidTwice.Action)

	o1, err := once.Orders.GetByBid(ctx, bidOnce.ID)
	require.NoError(t, err)
	o2, err := twice.Orders.GetByBid(ctx, bidTwice.ID)
	require.NoError(t, err)
	assert.Equal(t, o1.Status, o2.Status)
	assert.Equal(t, o1.Buyer, o2.Buyer)
	assert.Equal(t, o1.Seller, o2.Seller)
	assert.Equal(t, o1.Item.Escrow.Status, o2.Item.Escrow.Status)
	assert.Equal(t, buyer, o2.Buyer)
	assert.Equal(t, seller, o2.Seller)
}

func TestBidService_AcceptBeforeBidIsIgnored(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := NewBidService(st.Bids, st.Orders, discardLogger())

	outcomes := applyBids(t, svc, domain.ActionBidAccept)
	assert.Equal(t, []domain.ActionOutcome{domain.OutcomeIgnored}, outcomes)
	_, err := st.Bids.Get(ctx, "li-1", buyer)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, st.Orders.Count())

	outcomes = applyBids(t, svc, domain.ActionBid)
	assert.Equal(t, []domain.ActionOutcome{domain.OutcomeApplied}, outcomes)
	bid, err := st.Bids.Get(ctx, "li-1", buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBid, bid.Action)
	assert.Equal(t, 0, st.Orders.Count())
}

func TestBidService_TerminalStatesAreSticky(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := NewBidService(st.Bids, st.Orders, discardLogger())

	outcomes := applyBids(t, svc, domain.ActionBid, domain.ActionBidReject, domain.ActionBidAccept, domain.ActionBidCancel, domain.ActionBid)
	assert.Equal(t, []domain.ActionOutcome{
		domain.OutcomeApplied, domain.OutcomeApplied,
		domain.OutcomeIgnored, domain.OutcomeIgnored, domain.OutcomeIgnored,
	}, outcomes)

	bid, err := st.Bids.Get(ctx, "li-1", buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBidReject, bid.Action)
	assert.Equal(t, 0, st.Orders.Count())
}

func TestBidService_AcceptFromNonSellerIgnored(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := NewBidService(st.Bids, st.Orders, discardLogger())
	applyBids(t, svc, domain.ActionBid)

	a, rec := bidRecord(domain.ActionBidAccept)
	rec.Data.From = "pMallory"
	out, err := svc.Handle(ctx, a, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnored, out)
	assert.NotEmpty(t, rec.BidID)

	bid, err := st.Bids.Get(ctx, "li-1", buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBid, bid.Action)
}

func TestBidService_RecordCarriesBidID(t *testing.T) {
	st := memory.New()
	svc := NewBidService(st.Bids, st.Orders, discardLogger())

	a, rec := bidRecord(domain.ActionBid)
	_, err := svc.Handle(context.Background(), a, rec)
	require.NoError(t, err)

	bid, err := st.Bids.Get(context.Background(), "li-1", buyer)
	require.NoError(t, err)
	assert.Equal(t, bid.ID, rec.BidID)
}

func TestBidService_ListBids(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := NewBidService(st.Bids, st.Orders, discardLogger())
	applyBids(t, svc, domain.ActionBid)

	a, rec := bidRecord(domain.ActionBid)
	rec.Data.From = "pOther"
	_, err := svc.Handle(ctx, a, rec)
	require.NoError(t, err)
	applyBids(t, svc, domain.ActionBidAccept)

	all, err := svc.ListBids(ctx, "h1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	accepted, err := svc.ListBids(ctx, "h1", domain.ActionBidAccept)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, buyer, accepted[0].Bidder)

	_, err = svc.ListBids(ctx, "h1", domain.ActionEscrowLock)
	assert.ErrorIs(t, err, domain.ErrUnknownAction)
}
