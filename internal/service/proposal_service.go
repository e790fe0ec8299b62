package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/mapper"
	"github.com/alanyoungcy/marketnode/internal/objecthash"
	"github.com/alanyoungcy/marketnode/internal/protocol"
)

// ProposalLinker attaches item-vote proposals to their listing.
type ProposalLinker interface {
	LinkProposal(ctx context.Context, listingHash, proposalHash string) error
}

// Recomputer rebuilds the result snapshot of a proposal.
type Recomputer interface {
	Recompute(ctx context.Context, proposalHash string) (domain.ProposalResult, error)
}

// ProposalService stores proposals and answers window queries.
type ProposalService struct {
	proposals domain.ProposalStore
	linker    ProposalLinker
	results   Recomputer
	logger    *slog.Logger
	now       func() time.Time
}

// NewProposalService creates a ProposalService. linker may be nil.
func NewProposalService(proposals domain.ProposalStore, linker ProposalLinker, logger *slog.Logger) *ProposalService {
	return &ProposalService{
		proposals: proposals,
		linker:    linker,
		logger:    logger.With(slog.String("component", "proposal_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithRecomputer seeds an empty result for every new proposal.
func (s *ProposalService) WithRecomputer(r Recomputer) *ProposalService {
	s.results = r
	return s
}

// Handle stores the proposal carried by a. Proposals are immutable; a
// proposal whose hash is already known is ignored.
func (s *ProposalService) Handle(ctx context.Context, a *protocol.ProposalAdd, rec *domain.ActionRecord) (domain.ActionOutcome, error) {
	p := mapper.ProposalFromAction(a, rec.Data)
	p.Hash = rec.ProposalHash
	if p.Hash == "" {
		h, err := objecthash.Hash(p, objecthash.KindProposal)
		if err != nil {
			return domain.OutcomeFailed, fmt.Errorf("proposal_service: hash proposal: %w", err)
		}
		p.Hash = h
		rec.ProposalHash = h
	}
	p.CreatedAt = s.now()

	created, err := s.proposals.CreateIfAbsent(ctx, p)
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("proposal_service: create %s: %w", p.Hash, err)
	}
	if !created {
		return domain.OutcomeIgnored, nil
	}

	if p.Type == domain.ProposalItemVote && p.Target != "" && s.linker != nil {
		if err := s.linker.LinkProposal(ctx, p.Target, p.Hash); err != nil {
			// The listing may arrive later; the proposal stands on its own.
			s.logger.WarnContext(ctx, "proposal_service: link listing failed",
				slog.String("proposal_hash", p.Hash),
				slog.String("listing_item_hash", p.Target),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.results != nil {
		if _, err := s.results.Recompute(ctx, p.Hash); err != nil {
			s.logger.WarnContext(ctx, "proposal_service: initial result failed",
				slog.String("proposal_hash", p.Hash),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "proposal_service: proposal added",
		slog.String("proposal_hash", p.Hash),
		slog.String("type", string(p.Type)),
		slog.Int64("block_start", p.StartBlock),
		slog.Int64("block_end", p.EndBlock),
	)
	return domain.OutcomeApplied, nil
}

// Get returns a proposal by hash.
func (s *ProposalService) Get(ctx context.Context, hash string) (domain.Proposal, error) {
	p, err := s.proposals.GetByHash(ctx, hash)
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("proposal_service: get %s: %w", hash, err)
	}
	return p, nil
}

// ListActive returns proposals whose window overlaps [from, to].
func (s *ProposalService) ListActive(ctx context.Context, from, to int64) ([]domain.Proposal, error) {
	if to < from {
		return nil, fmt.Errorf("proposal_service: range [%d,%d]: %w", from, to, ErrInvalidRange)
	}
	ps, err := s.proposals.ListOverlapping(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("proposal_service: list active: %w", err)
	}
	return ps, nil
}

// ListPast returns proposals whose window closed before block.
func (s *ProposalService) ListPast(ctx context.Context, block int64) ([]domain.Proposal, error) {
	ps, err := s.proposals.ListEndedBefore(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("proposal_service: list past: %w", err)
	}
	return ps, nil
}

// ErrInvalidRange is returned for a block range whose end precedes its start.
var ErrInvalidRange = errors.New("invalid block range")
