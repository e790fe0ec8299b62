package domain

import "time"

// ProposalType distinguishes general polls from listing moderation votes.
type ProposalType string

const (
	ProposalPublicVote ProposalType = "PUBLIC_VOTE"
	ProposalItemVote   ProposalType = "ITEM_VOTE"
)

// Proposal is immutable once created. Hash is its content hash.
type Proposal struct {
	Hash        string           `json:"hash"`
	Submitter   string           `json:"submitter"`
	Type        ProposalType     `json:"type"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Target      string           `json:"item,omitempty"`
	StartBlock  int64            `json:"blockStart"`
	EndBlock    int64            `json:"blockEnd"`
	Options     []ProposalOption `json:"options"`
	ReceivedAt  time.Time        `json:"receivedAt"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// ProposalOption is one selectable answer.
type ProposalOption struct {
	OptionID    int    `json:"optionId"`
	Description string `json:"description"`
}

// Overlaps reports whether [from, to] intersects [StartBlock, EndBlock].
func (p Proposal) Overlaps(from, to int64) bool {
	return p.StartBlock <= to && p.EndBlock >= from
}

// EndedBefore reports whether the proposal window closed before block.
func (p Proposal) EndedBefore(block int64) bool {
	return p.EndBlock < block
}

// HasOption reports whether optionID is one of the proposal's options.
func (p Proposal) HasOption(optionID int) bool {
	for _, o := range p.Options {
		if o.OptionID == optionID {
			return true
		}
	}
	return false
}

// Vote is a voter's choice on a proposal. Weight is supplied externally.
type Vote struct {
	ID           string    `json:"id"`
	ProposalHash string    `json:"proposalHash"`
	Voter        string    `json:"voter"`
	OptionID     int       `json:"optionId"`
	Weight       int64     `json:"weight"`
	Block        int64     `json:"block"`
	MsgID        string    `json:"msgid,omitempty"`
	Seq          int64     `json:"seq"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// Supersedes reports whether v replaces prev as the effective vote. Equal
// blocks resolve in favour of the later receipt sequence, whatever order
// the two votes were processed in.
func (v Vote) Supersedes(prev Vote) bool {
	if v.Block != prev.Block {
		return v.Block > prev.Block
	}
	return v.Seq >= prev.Seq
}

// ProposalResult is a derived snapshot of a proposal's tally.
type ProposalResult struct {
	ProposalHash      string                 `json:"proposalHash"`
	CalculatedAtBlock int64                  `json:"calculatedAtBlock"`
	Options           []ProposalOptionResult `json:"options"`
	CalculatedAt      time.Time              `json:"calculatedAt"`
}

// ProposalOptionResult aggregates the effective votes for one option.
type ProposalOptionResult struct {
	OptionID    int    `json:"optionId"`
	Description string `json:"description"`
	Voters      int64  `json:"voters"`
	Weight      int64  `json:"weight"`
}

// Option returns the result row for optionID.
func (r ProposalResult) Option(optionID int) (ProposalOptionResult, bool) {
	for _, o := range r.Options {
		if o.OptionID == optionID {
			return o, true
		}
	}
	return ProposalOptionResult{}, false
}
