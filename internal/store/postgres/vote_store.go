package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

// VoteStore implements domain.VoteStore using PostgreSQL. The votes table
// holds the effective vote per (proposal, voter); every superseded or
// rejected vote is kept in vote_history.
type VoteStore struct {
	pool *pgxpool.Pool
}

// NewVoteStore creates a new VoteStore.
func NewVoteStore(pool *pgxpool.Pool) *VoteStore {
	return &VoteStore{pool: pool}
}

const voteCols = `id, proposal_hash, voter, option_id, weight, block, msgid, seq, received_at`

// Apply stores v as the effective vote when its (block, seq) is not older
// than the current one. Concurrent writers are serialised on the row lock and
// the conditional upsert.
func (s *VoteStore) Apply(ctx context.Context, v domain.Vote) (bool, error) {
	applied := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		prev, err := scanVote(tx.QueryRow(ctx,
			`SELECT `+voteCols+` FROM votes WHERE proposal_hash = $1 AND voter = $2 FOR UPDATE`,
			v.ProposalHash, v.Voter))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("lock vote: %w", err)
		case !v.Supersedes(prev):
			return archiveVote(ctx, tx, v)
		default:
			if err := archiveVote(ctx, tx, prev); err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO votes (`+voteCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (proposal_hash, voter) DO UPDATE SET
				id          = EXCLUDED.id,
				option_id   = EXCLUDED.option_id,
				weight      = EXCLUDED.weight,
				block       = EXCLUDED.block,
				msgid       = EXCLUDED.msgid,
				seq         = EXCLUDED.seq,
				received_at = EXCLUDED.received_at
			WHERE (EXCLUDED.block, EXCLUDED.seq) >= (votes.block, votes.seq)`,
			v.ID, v.ProposalHash, v.Voter, v.OptionID, v.Weight, v.Block, v.MsgID, v.Seq, v.ReceivedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert vote: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return archiveVote(ctx, tx, v)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("postgres: apply vote %s/%s: %w", v.ProposalHash, v.Voter, err)
	}
	return applied, nil
}

func archiveVote(ctx context.Context, tx pgx.Tx, v domain.Vote) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO vote_history (vote_id, proposal_hash, voter, option_id, weight, block, msgid, seq, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, v.ProposalHash, v.Voter, v.OptionID, v.Weight, v.Block, v.MsgID, v.Seq, v.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("archive vote: %w", err)
	}
	return nil
}

// Get returns the effective vote of voter on a proposal.
func (s *VoteStore) Get(ctx context.Context, proposalHash, voter string) (domain.Vote, error) {
	v, err := scanVote(s.pool.QueryRow(ctx,
		`SELECT `+voteCols+` FROM votes WHERE proposal_hash = $1 AND voter = $2`, proposalHash, voter))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Vote{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Vote{}, fmt.Errorf("postgres: get vote %s/%s: %w", proposalHash, voter, err)
	}
	return v, nil
}

// ListEffective returns the effective votes of a proposal ordered by voter.
func (s *VoteStore) ListEffective(ctx context.Context, proposalHash string) ([]domain.Vote, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+voteCols+` FROM votes WHERE proposal_hash = $1 ORDER BY voter ASC`, proposalHash)
	if err != nil {
		return nil, fmt.Errorf("postgres: list votes %s: %w", proposalHash, err)
	}
	defer rows.Close()

	var out []domain.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan vote: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list votes rows: %w", err)
	}
	return out, nil
}

func scanVote(row rowScanner) (domain.Vote, error) {
	var v domain.Vote
	err := row.Scan(&v.ID, &v.ProposalHash, &v.Voter, &v.OptionID, &v.Weight, &v.Block, &v.MsgID, &v.Seq, &v.ReceivedAt)
	return v, err
}
