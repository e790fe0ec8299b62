// Package protocol decodes marketplace transport payloads into typed actions.
// A payload is decoded exactly once; downstream code switches on the
// concrete Action type instead of probing fields.
package protocol

import (
	"github.com/alanyoungcy/marketnode/internal/domain"
)

// Action is implemented by every decoded marketplace action.
type Action interface {
	Kind() domain.ActionKind
	isAction()
}

// Envelope is a decoded MarketplaceMessage.
type Envelope struct {
	Version string
	Action  Action
}

// Kind returns the kind of the enclosed action.
func (e Envelope) Kind() domain.ActionKind {
	if e.Action == nil {
		return ""
	}
	return e.Action.Kind()
}

// ListingPayload is the listing published under the "item" field.
type ListingPayload struct {
	Hash       string `json:"hash,omitempty"`
	Seller     string `json:"seller"`
	ExpiryDays int    `json:"expiryDays,omitempty"`
	domain.ListingContent
}

// ListingAdd publishes a listing.
type ListingAdd struct {
	Item ListingPayload
}

func (*ListingAdd) Kind() domain.ActionKind { return domain.ActionListingAdd }
func (*ListingAdd) isAction()               {}

// BidAction covers MPA_BID, MPA_ACCEPT, MPA_REJECT and MPA_CANCEL.
type BidAction struct {
	Action  domain.ActionKind `json:"action"`
	Item    string            `json:"item"`
	Objects []domain.KeyValue `json:"objects,omitempty"`
}

func (a *BidAction) Kind() domain.ActionKind { return a.Action }
func (*BidAction) isAction()                 {}

// EscrowAction covers MPA_LOCK, MPA_REFUND, MPA_RELEASE and
// MPA_REQUEST_REFUND. Depending on the sender's client version the memo
// arrives either at the top level or inside info.
type EscrowAction struct {
	Action   domain.ActionKind `json:"action"`
	Item     string            `json:"item"`
	Nonce    string            `json:"nonce,omitempty"`
	Accepted *bool             `json:"accepted,omitempty"`
	Memo     *string           `json:"memo,omitempty"`
	Info     map[string]any    `json:"info,omitempty"`
	Escrow   map[string]any    `json:"escrow,omitempty"`
}

func (a *EscrowAction) Kind() domain.ActionKind { return a.Action }
func (*EscrowAction) isAction()                 {}

// ProposalAdd submits a proposal.
type ProposalAdd struct {
	Action      domain.ActionKind       `json:"action"`
	Submitter   string                  `json:"submitter"`
	Type        domain.ProposalType     `json:"type"`
	Title       string                  `json:"title"`
	Description string                  `json:"description,omitempty"`
	Item        string                  `json:"item,omitempty"`
	BlockStart  int64                   `json:"blockStart"`
	BlockEnd    int64                   `json:"blockEnd"`
	Options     []domain.ProposalOption `json:"options"`
}

func (*ProposalAdd) Kind() domain.ActionKind { return domain.ActionProposalAdd }
func (*ProposalAdd) isAction()               {}

// VoteCast casts a vote. The voter is the sender of the message.
type VoteCast struct {
	Action       domain.ActionKind `json:"action"`
	ProposalHash string            `json:"proposalHash"`
	OptionID     int               `json:"optionId"`
	Block        int64             `json:"block"`
}

func (*VoteCast) Kind() domain.ActionKind { return domain.ActionVote }
func (*VoteCast) isAction()               {}
