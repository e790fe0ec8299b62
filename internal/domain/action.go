package domain

import "time"

// ActionKind is the discriminant of a marketplace action.
type ActionKind string

const (
	ActionListingAdd ActionKind = "MP_ITEM_ADD"

	ActionBid       ActionKind = "MPA_BID"
	ActionBidAccept ActionKind = "MPA_ACCEPT"
	ActionBidReject ActionKind = "MPA_REJECT"
	ActionBidCancel ActionKind = "MPA_CANCEL"

	ActionEscrowLock          ActionKind = "MPA_LOCK"
	ActionEscrowRefund        ActionKind = "MPA_REFUND"
	ActionEscrowRelease       ActionKind = "MPA_RELEASE"
	ActionEscrowRequestRefund ActionKind = "MPA_REQUEST_REFUND"

	ActionProposalAdd ActionKind = "MP_PROPOSAL_ADD"
	ActionVote        ActionKind = "MP_VOTE"
)

// ActionFamily groups action kinds that share a payload shape.
type ActionFamily string

const (
	FamilyListing  ActionFamily = "listing"
	FamilyBid      ActionFamily = "bid"
	FamilyEscrow   ActionFamily = "escrow"
	FamilyProposal ActionFamily = "proposal"
	FamilyVote     ActionFamily = "vote"
)

var actionFamilies = map[ActionKind]ActionFamily{
	ActionListingAdd:          FamilyListing,
	ActionBid:                 FamilyBid,
	ActionBidAccept:           FamilyBid,
	ActionBidReject:           FamilyBid,
	ActionBidCancel:           FamilyBid,
	ActionEscrowLock:          FamilyEscrow,
	ActionEscrowRefund:        FamilyEscrow,
	ActionEscrowRelease:       FamilyEscrow,
	ActionEscrowRequestRefund: FamilyEscrow,
	ActionProposalAdd:         FamilyProposal,
	ActionVote:                FamilyVote,
}

// AllActionKinds returns every known action kind in a stable order.
func AllActionKinds() []ActionKind {
	return []ActionKind{
		ActionListingAdd,
		ActionBid, ActionBidAccept, ActionBidReject, ActionBidCancel,
		ActionEscrowLock, ActionEscrowRefund, ActionEscrowRelease, ActionEscrowRequestRefund,
		ActionProposalAdd, ActionVote,
	}
}

// Family returns the payload family of k, or "" for unknown kinds.
func (k ActionKind) Family() ActionFamily {
	return actionFamilies[k]
}

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	_, ok := actionFamilies[k]
	return ok
}

// RawMessage is a message as returned by the transport inbox.
type RawMessage struct {
	ID         string
	From       string
	To         string
	SentAt     time.Time
	ReceivedAt time.Time
	Payload    []byte
}

// KeyValue is a flattened key/value pair carried by listings and bids.
type KeyValue struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// ActionMeta carries the transport metadata of an action.
type ActionMeta struct {
	MsgID      string    `json:"msgid"`
	Version    string    `json:"version"`
	ReceivedAt time.Time `json:"receivedAt"`
	SentAt     time.Time `json:"sentAt"`
	From       string    `json:"from"`
	To         string    `json:"to"`

	// Seq orders messages by receipt. It is stamped once when the message
	// leaves the inbox and is kept across deferred retries.
	Seq int64 `json:"seq,omitempty"`
}

// ActionOutcome records what processing an action did.
type ActionOutcome string

const (
	OutcomeApplied  ActionOutcome = "applied"
	OutcomeIgnored  ActionOutcome = "ignored"
	OutcomeNotFound ActionOutcome = "not_found"
	OutcomeDropped  ActionOutcome = "dropped"
	OutcomeDeferred ActionOutcome = "deferred"
	OutcomeFailed   ActionOutcome = "failed"
)

// ActionRecord is the persisted projection of one transport message.
type ActionRecord struct {
	ID                   string         `json:"id"`
	Action               ActionKind     `json:"action"`
	RelatedListingItemID string         `json:"relatedListingItemId,omitempty"`
	ListingItemHash      string         `json:"listingItemHash,omitempty"`
	BidID                string         `json:"bidId,omitempty"`
	ProposalHash         string         `json:"proposalHash,omitempty"`
	Objects              []KeyValue     `json:"objects,omitempty"`
	Nonce                string         `json:"nonce,omitempty"`
	Accepted             *bool          `json:"accepted,omitempty"`
	Info                 map[string]any `json:"info,omitempty"`
	Escrow               map[string]any `json:"escrow,omitempty"`
	Data                 ActionMeta     `json:"data"`
	Outcome              ActionOutcome  `json:"outcome,omitempty"`
	CreatedAt            time.Time      `json:"createdAt"`
}

// Memo returns info.memo when present.
func (r ActionRecord) Memo() string {
	if r.Info == nil {
		return ""
	}
	s, _ := r.Info["memo"].(string)
	return s
}

// ActionEvent is published once per classified action.
type ActionEvent struct {
	Topic   ActionKind    `json:"topic"`
	Record  ActionRecord  `json:"record"`
	Outcome ActionOutcome `json:"outcome"`
	Error   string        `json:"error,omitempty"`
}
