package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

// ProposalService is what the proposal endpoints need from the service
// layer.
type ProposalService interface {
	Get(ctx context.Context, hash string) (domain.Proposal, error)
	ListActive(ctx context.Context, from, to int64) ([]domain.Proposal, error)
	ListPast(ctx context.Context, block int64) ([]domain.Proposal, error)
}

// VoteService is what the vote and result endpoints need.
type VoteService interface {
	GetResult(ctx context.Context, proposalHash string) (domain.ProposalResult, error)
	GetVote(ctx context.Context, voter, proposalHash string) (domain.Vote, error)
}

// ChainInfo reports the current block height.
type ChainInfo interface {
	BlockCount(ctx context.Context) (int64, error)
}

// ProposalHandler serves proposals, votes and tallies.
type ProposalHandler struct {
	proposals ProposalService
	votes     VoteService
	chain     ChainInfo
	logger    *slog.Logger
}

// NewProposalHandler creates a ProposalHandler. chain may be nil, in which
// case block parameters are required.
func NewProposalHandler(proposals ProposalService, votes VoteService, chain ChainInfo, logger *slog.Logger) *ProposalHandler {
	return &ProposalHandler{
		proposals: proposals,
		votes:     votes,
		chain:     chain,
		logger:    logHandler(logger, "proposal"),
	}
}

// GetProposal returns a proposal by hash.
// GET /api/proposals/{hash}
func (h *ProposalHandler) GetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.proposals.Get(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeServiceError(w, r, h.logger, "proposal", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListActive returns proposals whose window overlaps [from, to]. Both
// default to the current block.
// GET /api/proposals/active?from=100&to=200
func (h *ProposalHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	now, ok := h.currentBlock(w, r)
	if !ok {
		return
	}
	from, ok1 := queryInt64(r, "from", now)
	to, ok2 := queryInt64(r, "to", from)
	if !ok1 || !ok2 {
		writeError(w, http.StatusBadRequest, "from and to must be integers")
		return
	}
	ps, err := h.proposals.ListActive(r.Context(), from, to)
	if err != nil {
		writeServiceError(w, r, h.logger, "proposals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": emptyIfNil(ps)})
}

// ListPast returns proposals that ended before block, which defaults to the
// current block.
// GET /api/proposals/past?block=100
func (h *ProposalHandler) ListPast(w http.ResponseWriter, r *http.Request) {
	now, ok := h.currentBlock(w, r)
	if !ok {
		return
	}
	block, ok := queryInt64(r, "block", now)
	if !ok {
		writeError(w, http.StatusBadRequest, "block must be an integer")
		return
	}
	ps, err := h.proposals.ListPast(r.Context(), block)
	if err != nil {
		writeServiceError(w, r, h.logger, "proposals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": emptyIfNil(ps)})
}

// GetResult returns the latest tally of a proposal.
// GET /api/proposals/{hash}/result
func (h *ProposalHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.votes.GetResult(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeServiceError(w, r, h.logger, "result", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetVote returns the effective vote of a voter.
// GET /api/proposals/{hash}/votes/{voter}
func (h *ProposalHandler) GetVote(w http.ResponseWriter, r *http.Request) {
	v, err := h.votes.GetVote(r.Context(), r.PathValue("voter"), r.PathValue("hash"))
	if err != nil {
		writeServiceError(w, r, h.logger, "vote", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// currentBlock resolves the default block height from the chain. It is
// skipped when the caller passes explicit block parameters.
func (h *ProposalHandler) currentBlock(w http.ResponseWriter, r *http.Request) (int64, bool) {
	q := r.URL.Query()
	if q.Get("from") != "" || q.Get("block") != "" {
		return 0, true
	}
	if h.chain == nil {
		writeError(w, http.StatusBadRequest, "block height unavailable; pass from/to or block")
		return 0, false
	}
	n, err := h.chain.BlockCount(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "block height", err)
		return 0, false
	}
	return n, true
}
