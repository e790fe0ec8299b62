package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL. An order and
// its single item are written in one transaction.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// CreateForBid inserts order unless the bid already has one.
func (s *OrderStore) CreateForBid(ctx context.Context, o domain.Order) (domain.Order, bool, error) {
	created := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO orders (id, bid_id, buyer, seller, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (bid_id) DO NOTHING`,
			o.ID, o.BidID, o.Buyer, o.Seller, string(o.Status), o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		esc := o.Item.Escrow
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (
				id, order_id, bid_id, listing_item_id, listing_item_hash,
				escrow_status, escrow_nonce, escrow_memo, escrow_txid, escrow_updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			o.Item.ID, o.ID, o.BidID, o.Item.ListingItemID, o.Item.ListingItemHash,
			string(esc.Status), esc.Nonce, esc.Memo, esc.TxID, nullTime(esc.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("postgres: create order for bid %s: %w", o.BidID, err)
	}
	if created {
		return o, true, nil
	}
	existing, err := s.GetByBid(ctx, o.BidID)
	if err != nil {
		return domain.Order{}, false, err
	}
	return existing, false, nil
}

// GetByBid returns the order derived from bidID.
func (s *OrderStore) GetByBid(ctx context.Context, bidID string) (domain.Order, error) {
	const query = `
		SELECT o.id, o.bid_id, o.buyer, o.seller, o.status, o.created_at, o.updated_at,
		       i.id, i.listing_item_id, i.listing_item_hash,
		       i.escrow_status, i.escrow_nonce, i.escrow_memo, i.escrow_txid, i.escrow_updated_at
		FROM orders o
		JOIN order_items i ON i.order_id = o.id
		WHERE o.bid_id = $1`

	var (
		o         domain.Order
		status    string
		escStatus string
		escAt     *time.Time
	)
	err := s.pool.QueryRow(ctx, query, bidID).Scan(
		&o.ID, &o.BidID, &o.Buyer, &o.Seller, &status, &o.CreatedAt, &o.UpdatedAt,
		&o.Item.ID, &o.Item.ListingItemID, &o.Item.ListingItemHash,
		&escStatus, &o.Item.Escrow.Nonce, &o.Item.Escrow.Memo, &o.Item.Escrow.TxID, &escAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: get order for bid %s: %w", bidID, err)
	}
	o.Status = domain.OrderStatus(status)
	o.Item.OrderID = o.ID
	o.Item.BidID = o.BidID
	o.Item.Escrow.Status = domain.EscrowStatus(escStatus)
	if escAt != nil {
		o.Item.Escrow.UpdatedAt = *escAt
	}
	return o, nil
}

// TransitionEscrow conditionally moves the item's escrow status and keeps
// the order status in step.
func (s *OrderStore) TransitionEscrow(ctx context.Context, orderItemID string, from []domain.EscrowStatus, to domain.EscrowStatus, patch domain.EscrowPatch) (bool, error) {
	fromStr := make([]string, len(from))
	for i, st := range from {
		fromStr[i] = string(st)
	}

	changed := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var orderID string
		err := tx.QueryRow(ctx, `
			UPDATE order_items SET
				escrow_status     = $1,
				escrow_nonce      = COALESCE(NULLIF($2::text, ''), escrow_nonce),
				escrow_memo       = COALESCE(NULLIF($3::text, ''), escrow_memo),
				escrow_txid       = COALESCE(NULLIF($4::text, ''), escrow_txid),
				escrow_updated_at = NOW()
			WHERE id = $5 AND escrow_status = ANY($6)
			RETURNING order_id`,
			string(to), patch.Nonce, patch.Memo, patch.TxID, orderItemID, fromStr,
		).Scan(&orderID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("update order item: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`,
			string(domain.OrderStatusFor(to)), orderID,
		); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("postgres: transition escrow %s: %w", orderItemID, err)
	}
	if changed {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM order_items WHERE id = $1)`, orderItemID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: check order item %s: %w", orderItemID, err)
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}
