package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

// ProposalStore implements domain.ProposalStore using PostgreSQL.
type ProposalStore struct {
	pool *pgxpool.Pool
}

// NewProposalStore creates a new ProposalStore.
func NewProposalStore(pool *pgxpool.Pool) *ProposalStore {
	return &ProposalStore{pool: pool}
}

const proposalCols = `hash, submitter, type, title, description, target,
	start_block, end_block, options, received_at, created_at`

// CreateIfAbsent inserts p unless a proposal with the same hash exists.
func (s *ProposalStore) CreateIfAbsent(ctx context.Context, p domain.Proposal) (bool, error) {
	options, err := json.Marshal(p.Options)
	if err != nil {
		return false, fmt.Errorf("postgres: marshal proposal options: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO proposals (`+proposalCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (hash) DO NOTHING`,
		p.Hash, p.Submitter, string(p.Type), p.Title, p.Description, p.Target,
		p.StartBlock, p.EndBlock, options, nullTime(p.ReceivedAt), p.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: create proposal %s: %w", p.Hash, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByHash returns the proposal with the given hash.
func (s *ProposalStore) GetByHash(ctx context.Context, hash string) (domain.Proposal, error) {
	p, err := scanProposal(s.pool.QueryRow(ctx, `SELECT `+proposalCols+` FROM proposals WHERE hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Proposal{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("postgres: get proposal %s: %w", hash, err)
	}
	return p, nil
}

// ListOverlapping returns proposals whose block window intersects [from, to].
func (s *ProposalStore) ListOverlapping(ctx context.Context, from, to int64) ([]domain.Proposal, error) {
	return s.list(ctx, `SELECT `+proposalCols+` FROM proposals
		WHERE start_block <= $2 AND end_block >= $1
		ORDER BY start_block ASC, hash ASC`, from, to)
}

// ListEndedBefore returns proposals whose window closed before block.
func (s *ProposalStore) ListEndedBefore(ctx context.Context, block int64) ([]domain.Proposal, error) {
	return s.list(ctx, `SELECT `+proposalCols+` FROM proposals
		WHERE end_block < $1
		ORDER BY start_block ASC, hash ASC`, block)
}

func (s *ProposalStore) list(ctx context.Context, query string, args ...any) ([]domain.Proposal, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list proposals: %w", err)
	}
	defer rows.Close()

	var out []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan proposal: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list proposals rows: %w", err)
	}
	return out, nil
}

func scanProposal(row rowScanner) (domain.Proposal, error) {
	var (
		p          domain.Proposal
		typ        string
		options    []byte
		receivedAt *time.Time
	)
	err := row.Scan(&p.Hash, &p.Submitter, &typ, &p.Title, &p.Description, &p.Target,
		&p.StartBlock, &p.EndBlock, &options, &receivedAt, &p.CreatedAt)
	if err != nil {
		return domain.Proposal{}, err
	}
	p.Type = domain.ProposalType(typ)
	if receivedAt != nil {
		p.ReceivedAt = *receivedAt
	}
	if err := json.Unmarshal(options, &p.Options); err != nil {
		return domain.Proposal{}, fmt.Errorf("unmarshal proposal options: %w", err)
	}
	return p, nil
}

// ProposalResultStore implements domain.ProposalResultStore using
// PostgreSQL. Save is last-write-wins.
type ProposalResultStore struct {
	pool *pgxpool.Pool
}

// NewProposalResultStore creates a new ProposalResultStore.
func NewProposalResultStore(pool *pgxpool.Pool) *ProposalResultStore {
	return &ProposalResultStore{pool: pool}
}

// Save replaces the snapshot for the proposal.
func (s *ProposalResultStore) Save(ctx context.Context, r domain.ProposalResult) error {
	options, err := json.Marshal(r.Options)
	if err != nil {
		return fmt.Errorf("postgres: marshal result options: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO proposal_results (proposal_hash, calculated_at_block, options, calculated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (proposal_hash) DO UPDATE SET
			calculated_at_block = EXCLUDED.calculated_at_block,
			options             = EXCLUDED.options,
			calculated_at       = EXCLUDED.calculated_at`,
		r.ProposalHash, r.CalculatedAtBlock, options, r.CalculatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save result %s: %w", r.ProposalHash, err)
	}
	return nil
}

// Get returns the latest snapshot for the proposal.
func (s *ProposalResultStore) Get(ctx context.Context, proposalHash string) (domain.ProposalResult, error) {
	var r domain.ProposalResult
	var options []byte
	err := s.pool.QueryRow(ctx, `
		SELECT proposal_hash, calculated_at_block, options, calculated_at
		FROM proposal_results WHERE proposal_hash = $1`, proposalHash,
	).Scan(&r.ProposalHash, &r.CalculatedAtBlock, &options, &r.CalculatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProposalResult{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ProposalResult{}, fmt.Errorf("postgres: get result %s: %w", proposalHash, err)
	}
	if err := json.Unmarshal(options, &r.Options); err != nil {
		return domain.ProposalResult{}, fmt.Errorf("postgres: unmarshal result options: %w", err)
	}
	return r, nil
}
