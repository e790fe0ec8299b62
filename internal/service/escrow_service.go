package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/protocol"
)

// escrowTransition describes one escrow step.
type escrowTransition struct {
	from []domain.EscrowStatus
	to   domain.EscrowStatus
}

// escrowTransitions encodes LOCKED -> {RELEASED | REFUND_REQUESTED -> REFUNDED}.
var escrowTransitions = map[domain.ActionKind]escrowTransition{
	domain.ActionEscrowLock:          {from: []domain.EscrowStatus{domain.EscrowNone}, to: domain.EscrowLocked},
	domain.ActionEscrowRelease:       {from: []domain.EscrowStatus{domain.EscrowLocked}, to: domain.EscrowReleased},
	domain.ActionEscrowRequestRefund: {from: []domain.EscrowStatus{domain.EscrowLocked}, to: domain.EscrowRefundRequested},
	domain.ActionEscrowRefund:        {from: []domain.EscrowStatus{domain.EscrowRefundRequested}, to: domain.EscrowRefunded},
}

// EscrowService applies escrow actions to the order item of an accepted bid.
type EscrowService struct {
	bids   domain.BidStore
	orders domain.OrderStore
	audit  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewEscrowService creates an EscrowService. audit may be nil.
func NewEscrowService(
	bids domain.BidStore,
	orders domain.OrderStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *EscrowService {
	return &EscrowService{
		bids:   bids,
		orders: orders,
		audit:  audit,
		logger: logger.With(slog.String("component", "escrow_service")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handle applies an escrow family action. Without an accepted bid for the
// sender or recipient the action yields domain.OutcomeNotFound and an error
// wrapping domain.ErrNotFound.
func (s *EscrowService) Handle(ctx context.Context, a *protocol.EscrowAction, rec *domain.ActionRecord) (domain.ActionOutcome, error) {
	kind := a.Kind()
	step, ok := escrowTransitions[kind]
	if !ok {
		return domain.OutcomeFailed, fmt.Errorf("escrow_service: %s: %w", kind, domain.ErrUnknownAction)
	}

	bid, err := s.acceptedBid(ctx, rec)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.reportNotFound(ctx, kind, rec)
			return domain.OutcomeNotFound, err
		}
		return domain.OutcomeFailed, err
	}
	rec.BidID = bid.ID

	order, err := s.orders.GetByBid(ctx, bid.ID)
	if errors.Is(err, domain.ErrNotFound) {
		order, err = createOrder(ctx, s.orders, bid, s.now())
	}
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("escrow_service: order for bid %s: %w", bid.ID, err)
	}

	patch := domain.EscrowPatch{
		Nonce: rec.Nonce,
		Memo:  rec.Memo(),
		TxID:  stringField(rec.Escrow, "txid"),
	}
	changed, err := s.orders.TransitionEscrow(ctx, order.Item.ID, step.from, step.to, patch)
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("escrow_service: transition %s: %w", kind, err)
	}
	if !changed {
		s.logger.DebugContext(ctx, "escrow_service: transition not permitted",
			slog.String("order_id", order.ID),
			slog.String("escrow", string(order.Item.Escrow.Status)),
			slog.String("action", string(kind)),
		)
		return domain.OutcomeIgnored, nil
	}

	s.logger.InfoContext(ctx, "escrow_service: escrow transitioned",
		slog.String("order_id", order.ID),
		slog.String("from", string(order.Item.Escrow.Status)),
		slog.String("to", string(step.to)),
	)
	return domain.OutcomeApplied, nil
}

// acceptedBid finds the accepted bid the action belongs to. Either party
// may send escrow actions, so both ends of the message are tried as bidder.
func (s *EscrowService) acceptedBid(ctx context.Context, rec *domain.ActionRecord) (domain.Bid, error) {
	if rec.RelatedListingItemID == "" {
		return domain.Bid{}, fmt.Errorf("escrow_service: listing item %s: %w", rec.ListingItemHash, domain.ErrNotFound)
	}
	for _, bidder := range []string{rec.Data.From, rec.Data.To} {
		if bidder == "" {
			continue
		}
		bid, err := s.bids.Get(ctx, rec.RelatedListingItemID, bidder)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return domain.Bid{}, fmt.Errorf("escrow_service: get bid: %w", err)
		}
		if bid.Action == domain.ActionBidAccept {
			return bid, nil
		}
	}
	return domain.Bid{}, fmt.Errorf("escrow_service: accepted bid for %s: %w", rec.ListingItemHash, domain.ErrNotFound)
}

func (s *EscrowService) reportNotFound(ctx context.Context, kind domain.ActionKind, rec *domain.ActionRecord) {
	s.logger.WarnContext(ctx, "escrow_service: no accepted bid for escrow action",
		slog.String("action", string(kind)),
		slog.String("listing_item_hash", rec.ListingItemHash),
		slog.String("from", rec.Data.From),
		slog.String("msgid", rec.Data.MsgID),
	)
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, "escrow_not_found", map[string]any{
		"action":            string(kind),
		"listing_item_hash": rec.ListingItemHash,
		"from":              rec.Data.From,
		"to":                rec.Data.To,
		"msgid":             rec.Data.MsgID,
	}); err != nil {
		s.logger.WarnContext(ctx, "escrow_service: audit log failed",
			slog.String("error", err.Error()),
		)
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
