package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/protocol"
)

// BidService drives the per (listing item, bidder) bid lifecycle:
//
//	NONE -> MPA_BID -> {MPA_ACCEPT, MPA_REJECT, MPA_CANCEL}
//
// Actions that the current state does not permit are recorded but leave the
// bid untouched. The first accept creates the bid's order.
type BidService struct {
	bids   domain.BidStore
	orders domain.OrderStore
	logger *slog.Logger
	now    func() time.Time
}

// NewBidService creates a BidService.
func NewBidService(bids domain.BidStore, orders domain.OrderStore, logger *slog.Logger) *BidService {
	return &BidService{
		bids:   bids,
		orders: orders,
		logger: logger.With(slog.String("component", "bid_service")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// bidTransitions lists the states each bid action may leave.
var bidTransitions = map[domain.ActionKind][]domain.ActionKind{
	domain.ActionBidAccept: {domain.ActionBid},
	domain.ActionBidReject: {domain.ActionBid},
	domain.ActionBidCancel: {domain.ActionBid},
}

// BidderFor returns the bidder address of a bid family action. Bids and
// cancels are sent by the bidder; accepts and rejects are sent to them.
func BidderFor(kind domain.ActionKind, meta domain.ActionMeta) string {
	switch kind {
	case domain.ActionBidAccept, domain.ActionBidReject:
		return meta.To
	default:
		return meta.From
	}
}

// Handle applies a bid family action.
func (s *BidService) Handle(ctx context.Context, a *protocol.BidAction, rec *domain.ActionRecord) (domain.ActionOutcome, error) {
	kind := a.Kind()
	bidder := BidderFor(kind, rec.Data)
	if rec.RelatedListingItemID == "" {
		return domain.OutcomeFailed, fmt.Errorf("bid_service: %s without listing item: %w", kind, domain.ErrMissingReference)
	}

	if kind == domain.ActionBid {
		return s.placeBid(ctx, a, rec, bidder)
	}

	from, ok := bidTransitions[kind]
	if !ok {
		return domain.OutcomeFailed, fmt.Errorf("bid_service: %s: %w", kind, domain.ErrUnknownAction)
	}

	bid, err := s.bids.Get(ctx, rec.RelatedListingItemID, bidder)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.InfoContext(ctx, "bid_service: action before bid ignored",
			slog.String("action", string(kind)),
			slog.String("listing_item_hash", rec.ListingItemHash),
			slog.String("bidder", bidder),
		)
		return domain.OutcomeIgnored, nil
	}
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("bid_service: get bid: %w", err)
	}
	rec.BidID = bid.ID

	// Only the seller answers a bid.
	if (kind == domain.ActionBidAccept || kind == domain.ActionBidReject) && bid.Seller != "" && rec.Data.From != bid.Seller {
		s.logger.WarnContext(ctx, "bid_service: response from non-seller ignored",
			slog.String("action", string(kind)),
			slog.String("bid_id", bid.ID),
			slog.String("from", rec.Data.From),
		)
		return domain.OutcomeIgnored, nil
	}

	changed, err := s.bids.Transition(ctx, bid.ID, from, kind)
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("bid_service: transition %s: %w", kind, err)
	}

	if kind == domain.ActionBidAccept {
		// Repairs a bid accepted by an earlier run that stopped before the
		// order was written.
		if changed || bid.Action == domain.ActionBidAccept {
			if _, err := s.ensureOrder(ctx, bid); err != nil {
				return domain.OutcomeFailed, err
			}
		}
	}

	if !changed {
		s.logger.DebugContext(ctx, "bid_service: transition not permitted",
			slog.String("bid_id", bid.ID),
			slog.String("from", string(bid.Action)),
			slog.String("action", string(kind)),
		)
		return domain.OutcomeIgnored, nil
	}

	s.logger.InfoContext(ctx, "bid_service: bid transitioned",
		slog.String("bid_id", bid.ID),
		slog.String("from", string(bid.Action)),
		slog.String("to", string(kind)),
	)
	return domain.OutcomeApplied, nil
}

func (s *BidService) placeBid(ctx context.Context, a *protocol.BidAction, rec *domain.ActionRecord, bidder string) (domain.ActionOutcome, error) {
	now := s.now()
	bid := domain.Bid{
		ID:              uuid.NewString(),
		ListingItemID:   rec.RelatedListingItemID,
		ListingItemHash: rec.ListingItemHash,
		Bidder:          bidder,
		Seller:          rec.Data.To,
		Action:          domain.ActionBid,
		Objects:         rec.Objects,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	stored, created, err := s.bids.CreateIfAbsent(ctx, bid)
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("bid_service: create bid: %w", err)
	}
	rec.BidID = stored.ID
	if !created {
		return domain.OutcomeIgnored, nil
	}
	s.logger.InfoContext(ctx, "bid_service: bid placed",
		slog.String("bid_id", stored.ID),
		slog.String("listing_item_hash", stored.ListingItemHash),
		slog.String("bidder", bidder),
	)
	return domain.OutcomeApplied, nil
}

// ensureOrder creates the order for an accepted bid unless it exists.
func (s *BidService) ensureOrder(ctx context.Context, bid domain.Bid) (domain.Order, error) {
	return createOrder(ctx, s.orders, bid, s.now())
}

func createOrder(ctx context.Context, orders domain.OrderStore, bid domain.Bid, now time.Time) (domain.Order, error) {
	orderID := uuid.NewString()
	order := domain.Order{
		ID:     orderID,
		BidID:  bid.ID,
		Buyer:  bid.Bidder,
		Seller: bid.Seller,
		Status: domain.OrderStatusAccepted,
		Item: domain.OrderItem{
			ID:              uuid.NewString(),
			OrderID:         orderID,
			BidID:           bid.ID,
			ListingItemID:   bid.ListingItemID,
			ListingItemHash: bid.ListingItemHash,
			Escrow:          domain.Escrow{Status: domain.EscrowNone, UpdatedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	stored, _, err := orders.CreateForBid(ctx, order)
	if err != nil {
		return domain.Order{}, fmt.Errorf("bid_service: create order for bid %s: %w", bid.ID, err)
	}
	return stored, nil
}

// ListBids returns the bids for a listing hash. An empty status matches all.
func (s *BidService) ListBids(ctx context.Context, listingHash string, status domain.ActionKind) ([]domain.Bid, error) {
	if status != "" && status.Family() != domain.FamilyBid {
		return nil, fmt.Errorf("bid_service: status %q: %w", status, domain.ErrUnknownAction)
	}
	bids, err := s.bids.ListByListing(ctx, listingHash, status)
	if err != nil {
		return nil, fmt.Errorf("bid_service: list bids: %w", err)
	}
	return bids, nil
}

// GetOrder returns the order derived from bidID.
func (s *BidService) GetOrder(ctx context.Context, bidID string) (domain.Order, error) {
	o, err := s.orders.GetByBid(ctx, bidID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("bid_service: get order %s: %w", bidID, err)
	}
	return o, nil
}
