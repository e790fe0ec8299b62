package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ActionRecordStore persists action records. Records are append-only until
// the archiver moves them to cold storage and deletes them by id.
type ActionRecordStore interface {
	Create(ctx context.Context, rec ActionRecord) error
	ListByBid(ctx context.Context, bidID string) ([]ActionRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]ActionRecord, error)
	Delete(ctx context.Context, ids []string) (int64, error)
}

// ListingItemStore persists listings received from the network. Hash is
// unique; Upsert returns the stored row.
type ListingItemStore interface {
	Upsert(ctx context.Context, item ListingItem) (ListingItem, error)
	GetByHash(ctx context.Context, hash string) (ListingItem, error)
	SetProposal(ctx context.Context, hash, proposalHash string) error
}

// ListingTemplateStore persists locally authored templates.
type ListingTemplateStore interface {
	Create(ctx context.Context, t ListingItemTemplate) error
	GetByHash(ctx context.Context, hash string) (ListingItemTemplate, error)
	List(ctx context.Context) ([]ListingItemTemplate, error)
}

// BidStore persists bids, unique per (listing item, bidder).
type BidStore interface {
	// CreateIfAbsent inserts bid unless one exists for the same pair. It
	// returns the stored bid and whether it was created.
	CreateIfAbsent(ctx context.Context, bid Bid) (Bid, bool, error)
	Get(ctx context.Context, listingItemID, bidder string) (Bid, error)
	GetByID(ctx context.Context, id string) (Bid, error)
	// Transition moves the bid to `to` only when its current action is one
	// of `from`. It reports whether the row changed.
	Transition(ctx context.Context, id string, from []ActionKind, to ActionKind) (bool, error)
	// ListByListing returns bids for a listing hash, optionally filtered by
	// status ("" matches all).
	ListByListing(ctx context.Context, listingHash string, status ActionKind) ([]Bid, error)
}

// OrderStore persists orders derived from accepted bids.
type OrderStore interface {
	// CreateForBid inserts order unless the bid already has one. It returns
	// the stored order and whether it was created.
	CreateForBid(ctx context.Context, order Order) (Order, bool, error)
	GetByBid(ctx context.Context, bidID string) (Order, error)
	// TransitionEscrow moves the order item's escrow to `to` only when its
	// current status is one of `from`.
	TransitionEscrow(ctx context.Context, orderItemID string, from []EscrowStatus, to EscrowStatus, patch EscrowPatch) (bool, error)
}

// ProposalStore persists proposals, unique by hash.
type ProposalStore interface {
	CreateIfAbsent(ctx context.Context, p Proposal) (bool, error)
	GetByHash(ctx context.Context, hash string) (Proposal, error)
	ListOverlapping(ctx context.Context, from, to int64) ([]Proposal, error)
	ListEndedBefore(ctx context.Context, block int64) ([]Proposal, error)
}

// VoteStore persists votes. At most one effective vote exists per
// (proposal, voter); superseded votes move to history.
type VoteStore interface {
	// Apply stores v as effective when it supersedes the current effective
	// vote, and reports whether it did.
	Apply(ctx context.Context, v Vote) (bool, error)
	Get(ctx context.Context, proposalHash, voter string) (Vote, error)
	ListEffective(ctx context.Context, proposalHash string) ([]Vote, error)
}

// ProposalResultStore persists the latest result snapshot per proposal.
type ProposalResultStore interface {
	Save(ctx context.Context, r ProposalResult) error
	Get(ctx context.Context, proposalHash string) (ProposalResult, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
