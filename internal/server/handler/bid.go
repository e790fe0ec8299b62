package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

// BidService is what the bid endpoints need from the service layer.
type BidService interface {
	ListBids(ctx context.Context, listingHash string, status domain.ActionKind) ([]domain.Bid, error)
	GetOrder(ctx context.Context, bidID string) (domain.Order, error)
}

// BidHandler serves bids and the orders created from them.
type BidHandler struct {
	bids   BidService
	logger *slog.Logger
}

// NewBidHandler creates a BidHandler.
func NewBidHandler(bids BidService, logger *slog.Logger) *BidHandler {
	return &BidHandler{bids: bids, logger: logHandler(logger, "bid")}
}

// ListBids returns the bids on a listing, optionally filtered by their
// current status action.
// GET /api/listings/{hash}/bids?status=MPA_ACCEPT
func (h *BidHandler) ListBids(w http.ResponseWriter, r *http.Request) {
	status := domain.ActionKind(r.URL.Query().Get("status"))
	bids, err := h.bids.ListBids(r.Context(), r.PathValue("hash"), status)
	if err != nil {
		writeServiceError(w, r, h.logger, "bids", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": emptyIfNil(bids)})
}

// GetOrder returns the order of an accepted bid.
// GET /api/bids/{id}/order
func (h *BidHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.bids.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "order", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
