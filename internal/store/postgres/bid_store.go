package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

// BidStore implements domain.BidStore using PostgreSQL.
type BidStore struct {
	pool *pgxpool.Pool
}

// NewBidStore creates a new BidStore.
func NewBidStore(pool *pgxpool.Pool) *BidStore {
	return &BidStore{pool: pool}
}

const bidCols = `id, listing_item_id, listing_item_hash, bidder, seller, action, objects, created_at, updated_at`

// CreateIfAbsent inserts bid unless a row for the same (listing item,
// bidder) exists, and returns the stored row.
func (s *BidStore) CreateIfAbsent(ctx context.Context, bid domain.Bid) (domain.Bid, bool, error) {
	objects, err := jsonOrNil(bid.Objects)
	if err != nil {
		return domain.Bid{}, false, fmt.Errorf("postgres: marshal bid objects: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO bids (`+bidCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (listing_item_id, bidder) DO NOTHING
		RETURNING `+bidCols,
		bid.ID, bid.ListingItemID, bid.ListingItemHash, bid.Bidder, bid.Seller,
		string(bid.Action), objects, bid.CreatedAt, bid.UpdatedAt,
	)
	stored, err := scanBid(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Bid{}, false, fmt.Errorf("postgres: create bid: %w", err)
	}

	existing, err := s.Get(ctx, bid.ListingItemID, bid.Bidder)
	if err != nil {
		return domain.Bid{}, false, err
	}
	return existing, false, nil
}

// Get returns the bid of bidder on a listing item.
func (s *BidStore) Get(ctx context.Context, listingItemID, bidder string) (domain.Bid, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+bidCols+` FROM bids WHERE listing_item_id = $1 AND bidder = $2`, listingItemID, bidder)
	return s.one(row, bidder)
}

// GetByID returns the bid with the given id.
func (s *BidStore) GetByID(ctx context.Context, id string) (domain.Bid, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bidCols+` FROM bids WHERE id = $1`, id)
	return s.one(row, id)
}

func (s *BidStore) one(row pgx.Row, key string) (domain.Bid, error) {
	b, err := scanBid(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Bid{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Bid{}, fmt.Errorf("postgres: get bid %s: %w", key, err)
	}
	return b, nil
}

// Transition is a conditional update: the row changes only when its
// current action is one of from.
func (s *BidStore) Transition(ctx context.Context, id string, from []domain.ActionKind, to domain.ActionKind) (bool, error) {
	fromStr := make([]string, len(from))
	for i, k := range from {
		fromStr[i] = string(k)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE bids SET action = $1, updated_at = NOW() WHERE id = $2 AND action = ANY($3)`,
		string(to), id, fromStr,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: transition bid %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ListByListing returns bids on a listing hash, optionally filtered by
// current action.
func (s *BidStore) ListByListing(ctx context.Context, listingHash string, status domain.ActionKind) ([]domain.Bid, error) {
	query := `SELECT ` + bidCols + ` FROM bids WHERE listing_item_hash = $1`
	args := []any{listingHash}
	if status != "" {
		query += ` AND action = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bids %s: %w", listingHash, err)
	}
	defer rows.Close()

	var out []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bid: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list bids rows: %w", err)
	}
	return out, nil
}

func scanBid(row rowScanner) (domain.Bid, error) {
	var b domain.Bid
	var action string
	var objects []byte
	err := row.Scan(&b.ID, &b.ListingItemID, &b.ListingItemHash, &b.Bidder, &b.Seller,
		&action, &objects, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return domain.Bid{}, err
	}
	b.Action = domain.ActionKind(action)
	if err := unmarshalIfPresent(objects, &b.Objects); err != nil {
		return domain.Bid{}, fmt.Errorf("unmarshal bid objects: %w", err)
	}
	return b, nil
}
