package service

import (
	"time"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

// Tally recomputes a proposal result from its effective votes. Every option
// is reported, including options nobody voted for. Votes for other
// proposals or unknown options are skipped. Tally is pure and may run
// concurrently with itself.
func Tally(p domain.Proposal, effective []domain.Vote, block int64, at time.Time) domain.ProposalResult {
	index := make(map[int]int, len(p.Options))
	options := make([]domain.ProposalOptionResult, len(p.Options))
	for i, o := range p.Options {
		index[o.OptionID] = i
		options[i] = domain.ProposalOptionResult{OptionID: o.OptionID, Description: o.Description}
	}

	for _, v := range effective {
		if v.ProposalHash != p.Hash {
			continue
		}
		i, ok := index[v.OptionID]
		if !ok {
			continue
		}
		options[i].Voters++
		options[i].Weight += v.Weight
	}

	return domain.ProposalResult{
		ProposalHash:      p.Hash,
		CalculatedAtBlock: block,
		Options:           options,
		CalculatedAt:      at,
	}
}
