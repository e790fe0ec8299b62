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

// WeightSource returns the voting weight of an address, usually its
// eligible balance in the smallest currency unit.
type WeightSource interface {
	AddressWeight(ctx context.Context, address string) (int64, error)
}

// ChainInfo reports the current block height.
type ChainInfo interface {
	BlockCount(ctx context.Context) (int64, error)
}

// VoteService applies votes with last-write-wins per (proposal, voter) and
// keeps the result snapshot of each proposal current.
type VoteService struct {
	proposals     domain.ProposalStore
	votes         domain.VoteStore
	results       domain.ProposalResultStore
	cache         domain.ResultCache
	weights       WeightSource
	chain         ChainInfo
	audit         domain.AuditStore
	weightTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewVoteService creates a VoteService. cache may be nil. Weight lookups
// are bounded by weightTimeout.
func NewVoteService(
	proposals domain.ProposalStore,
	votes domain.VoteStore,
	results domain.ProposalResultStore,
	cache domain.ResultCache,
	weights WeightSource,
	weightTimeout time.Duration,
	logger *slog.Logger,
) *VoteService {
	if weightTimeout <= 0 {
		weightTimeout = 10 * time.Second
	}
	return &VoteService{
		proposals:     proposals,
		votes:         votes,
		results:       results,
		cache:         cache,
		weights:       weights,
		weightTimeout: weightTimeout,
		logger:        logger.With(slog.String("component", "vote_service")),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithChain stamps results with the current chain height instead of the
// highest vote block.
func (s *VoteService) WithChain(c ChainInfo) *VoteService {
	s.chain = c
	return s
}

// WithAudit records votes for unknown proposals in the audit log.
func (s *VoteService) WithAudit(a domain.AuditStore) *VoteService {
	s.audit = a
	return s
}

// Handle applies a vote. A vote for an unknown proposal yields
// domain.OutcomeNotFound. When the weight lookup times out the vote is
// reported as domain.OutcomeDeferred with an error wrapping
// domain.ErrUnavailable so the caller can retry it on a later cycle.
func (s *VoteService) Handle(ctx context.Context, a *protocol.VoteCast, rec *domain.ActionRecord) (domain.ActionOutcome, error) {
	voter := rec.Data.From
	p, err := s.proposals.GetByHash(ctx, a.ProposalHash)
	if errors.Is(err, domain.ErrNotFound) {
		s.reportNotFound(ctx, a, rec)
		return domain.OutcomeNotFound, fmt.Errorf("vote_service: proposal %s: %w", a.ProposalHash, err)
	}
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("vote_service: get proposal: %w", err)
	}

	if !p.HasOption(a.OptionID) {
		s.logger.WarnContext(ctx, "vote_service: vote for unknown option ignored",
			slog.String("proposal_hash", p.Hash),
			slog.Int("option_id", a.OptionID),
			slog.String("voter", voter),
		)
		return domain.OutcomeIgnored, nil
	}
	if a.Block < p.StartBlock || a.Block > p.EndBlock {
		s.logger.InfoContext(ctx, "vote_service: vote outside window ignored",
			slog.String("proposal_hash", p.Hash),
			slog.Int64("block", a.Block),
		)
		return domain.OutcomeIgnored, nil
	}

	weight, err := s.weight(ctx, voter)
	if err != nil {
		if errors.Is(err, domain.ErrUnavailable) {
			return domain.OutcomeDeferred, err
		}
		return domain.OutcomeFailed, err
	}

	v := domain.Vote{
		ID:           uuid.NewString(),
		ProposalHash: p.Hash,
		Voter:        voter,
		OptionID:     a.OptionID,
		Weight:       weight,
		Block:        a.Block,
		MsgID:        rec.Data.MsgID,
		Seq:          rec.Data.Seq,
		ReceivedAt:   rec.Data.ReceivedAt,
	}
	if v.Seq == 0 {
		v.Seq = s.now().UnixNano()
	}
	applied, err := s.votes.Apply(ctx, v)
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("vote_service: apply vote: %w", err)
	}
	if !applied {
		return domain.OutcomeIgnored, nil
	}

	if _, err := s.recompute(ctx, p); err != nil {
		return domain.OutcomeFailed, err
	}
	s.logger.InfoContext(ctx, "vote_service: vote applied",
		slog.String("proposal_hash", p.Hash),
		slog.String("voter", voter),
		slog.Int("option_id", a.OptionID),
		slog.Int64("weight", weight),
	)
	return domain.OutcomeApplied, nil
}

func (s *VoteService) weight(ctx context.Context, voter string) (int64, error) {
	wctx, cancel := context.WithTimeout(ctx, s.weightTimeout)
	defer cancel()

	w, err := s.weights.AddressWeight(wctx, voter)
	switch {
	case err == nil:
		return w, nil
	case errors.Is(err, domain.ErrUnavailable):
		return 0, fmt.Errorf("vote_service: weight of %s: %w", voter, err)
	case errors.Is(wctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return 0, fmt.Errorf("vote_service: weight of %s: %w: %v", voter, domain.ErrUnavailable, err)
	default:
		return 0, fmt.Errorf("vote_service: weight of %s: %w", voter, err)
	}
}

// Recompute replays the effective votes of a proposal into a fresh result
// snapshot and stores it.
func (s *VoteService) Recompute(ctx context.Context, proposalHash string) (domain.ProposalResult, error) {
	p, err := s.proposals.GetByHash(ctx, proposalHash)
	if err != nil {
		return domain.ProposalResult{}, fmt.Errorf("vote_service: get proposal %s: %w", proposalHash, err)
	}
	return s.recompute(ctx, p)
}

func (s *VoteService) recompute(ctx context.Context, p domain.Proposal) (domain.ProposalResult, error) {
	votes, err := s.votes.ListEffective(ctx, p.Hash)
	if err != nil {
		return domain.ProposalResult{}, fmt.Errorf("vote_service: list votes %s: %w", p.Hash, err)
	}

	block := p.StartBlock
	for _, v := range votes {
		if v.Block > block {
			block = v.Block
		}
	}
	if s.chain != nil {
		if h, err := s.chain.BlockCount(ctx); err == nil {
			block = h
		} else {
			s.logger.DebugContext(ctx, "vote_service: block count unavailable",
				slog.String("error", err.Error()),
			)
		}
	}

	res := Tally(p, votes, block, s.now())
	if err := s.results.Save(ctx, res); err != nil {
		return domain.ProposalResult{}, fmt.Errorf("vote_service: save result %s: %w", p.Hash, err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, res); err != nil {
			s.logger.WarnContext(ctx, "vote_service: cache set failed",
				slog.String("proposal_hash", p.Hash),
				slog.String("error", err.Error()),
			)
		}
	}
	return res, nil
}

// GetResult returns the latest result snapshot, checking the cache first.
// A proposal without a stored snapshot is recomputed.
func (s *VoteService) GetResult(ctx context.Context, proposalHash string) (domain.ProposalResult, error) {
	if s.cache != nil {
		if res, err := s.cache.Get(ctx, proposalHash); err == nil {
			return res, nil
		}
	}
	res, err := s.results.Get(ctx, proposalHash)
	if errors.Is(err, domain.ErrNotFound) {
		return s.Recompute(ctx, proposalHash)
	}
	if err != nil {
		return domain.ProposalResult{}, fmt.Errorf("vote_service: get result %s: %w", proposalHash, err)
	}
	if s.cache != nil {
		if cacheErr := s.cache.Set(ctx, res); cacheErr != nil {
			s.logger.WarnContext(ctx, "vote_service: cache set failed",
				slog.String("proposal_hash", proposalHash),
				slog.String("error", cacheErr.Error()),
			)
		}
	}
	return res, nil
}

// GetVote returns the effective vote of voter on a proposal.
func (s *VoteService) GetVote(ctx context.Context, voter, proposalHash string) (domain.Vote, error) {
	v, err := s.votes.Get(ctx, proposalHash, voter)
	if err != nil {
		return domain.Vote{}, fmt.Errorf("vote_service: get vote %s/%s: %w", proposalHash, voter, err)
	}
	return v, nil
}

func (s *VoteService) reportNotFound(ctx context.Context, a *protocol.VoteCast, rec *domain.ActionRecord) {
	s.logger.WarnContext(ctx, "vote_service: vote for unknown proposal",
		slog.String("proposal_hash", a.ProposalHash),
		slog.String("voter", rec.Data.From),
		slog.String("msgid", rec.Data.MsgID),
	)
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, "vote_not_found", map[string]any{
		"proposal_hash": a.ProposalHash,
		"voter":         rec.Data.From,
		"msgid":         rec.Data.MsgID,
	}); err != nil {
		s.logger.WarnContext(ctx, "vote_service: audit log failed",
			slog.String("error", err.Error()),
		)
	}
}
