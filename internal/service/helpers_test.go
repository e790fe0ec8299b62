package service

import (
	"io"
	"log/slog"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/protocol"
)

const (
	seller = "pSeller"
	buyer  = "pBuyer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// bidRecord builds the record the mapper would produce for a bid family
// action on listing li-1.
func bidRecord(kind domain.ActionKind) (*protocol.BidAction, *domain.ActionRecord) {
	from, to := buyer, seller
	if kind == domain.ActionBidAccept || kind == domain.ActionBidReject {
		from, to = seller, buyer
	}
	a := &protocol.BidAction{Action: kind, Item: "h1"}
	rec := &domain.ActionRecord{
		Action:               kind,
		RelatedListingItemID: "li-1",
		ListingItemHash:      "h1",
		Data:                 domain.ActionMeta{From: from, To: to},
	}
	return a, rec
}
