package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

// ActionRecordStore implements domain.ActionRecordStore using PostgreSQL.
type ActionRecordStore struct {
	pool *pgxpool.Pool
}

// NewActionRecordStore creates a new ActionRecordStore.
func NewActionRecordStore(pool *pgxpool.Pool) *ActionRecordStore {
	return &ActionRecordStore{pool: pool}
}

// Create appends a record. Re-inserting the same id is a no-op.
func (s *ActionRecordStore) Create(ctx context.Context, rec domain.ActionRecord) error {
	objects, err := jsonOrNil(rec.Objects)
	if err != nil {
		return fmt.Errorf("postgres: marshal record objects: %w", err)
	}
	info, err := jsonOrNil(rec.Info)
	if err != nil {
		return fmt.Errorf("postgres: marshal record info: %w", err)
	}
	escrow, err := jsonOrNil(rec.Escrow)
	if err != nil {
		return fmt.Errorf("postgres: marshal record escrow: %w", err)
	}

	const query = `
		INSERT INTO action_records (
			id, action, related_listing_item_id, listing_item_hash, bid_id, proposal_hash,
			objects, nonce, accepted, info, escrow,
			msgid, version, sender, recipient, sent_at, received_at,
			outcome, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17,
			$18, $19
		)
		ON CONFLICT (id) DO NOTHING`

	_, err = s.pool.Exec(ctx, query,
		rec.ID, string(rec.Action), rec.RelatedListingItemID, rec.ListingItemHash, rec.BidID, rec.ProposalHash,
		objects, rec.Nonce, rec.Accepted, info, escrow,
		rec.Data.MsgID, rec.Data.Version, rec.Data.From, rec.Data.To,
		nullTime(rec.Data.SentAt), nullTime(rec.Data.ReceivedAt),
		string(rec.Outcome), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create action record %s: %w", rec.ID, err)
	}
	return nil
}

const actionRecordCols = `id, action, related_listing_item_id, listing_item_hash, bid_id, proposal_hash,
	objects, nonce, accepted, info, escrow,
	msgid, version, sender, recipient, sent_at, received_at,
	outcome, created_at`

// ListByBid returns a bid's records in creation order.
func (s *ActionRecordStore) ListByBid(ctx context.Context, bidID string) ([]domain.ActionRecord, error) {
	return s.list(ctx,
		`SELECT `+actionRecordCols+` FROM action_records WHERE bid_id = $1 ORDER BY created_at ASC`, bidID)
}

// ListBefore returns records created strictly before the cutoff.
func (s *ActionRecordStore) ListBefore(ctx context.Context, before time.Time) ([]domain.ActionRecord, error) {
	return s.list(ctx,
		`SELECT `+actionRecordCols+` FROM action_records WHERE created_at < $1 ORDER BY created_at ASC`, before)
}

// Delete removes the given records, typically after they were archived.
func (s *ActionRecordStore) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM action_records WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete action records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *ActionRecordStore) list(ctx context.Context, query string, args ...any) ([]domain.ActionRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list action records: %w", err)
	}
	defer rows.Close()

	var out []domain.ActionRecord
	for rows.Next() {
		rec, err := scanActionRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan action record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list action records rows: %w", err)
	}
	return out, nil
}

func scanActionRecord(row rowScanner) (domain.ActionRecord, error) {
	var (
		rec                               domain.ActionRecord
		action, outcome                   string
		objectsJSON, infoJSON, escrowJSON []byte
		sentAt, receivedAt                *time.Time
	)
	err := row.Scan(
		&rec.ID, &action, &rec.RelatedListingItemID, &rec.ListingItemHash, &rec.BidID, &rec.ProposalHash,
		&objectsJSON, &rec.Nonce, &rec.Accepted, &infoJSON, &escrowJSON,
		&rec.Data.MsgID, &rec.Data.Version, &rec.Data.From, &rec.Data.To, &sentAt, &receivedAt,
		&outcome, &rec.CreatedAt,
	)
	if err != nil {
		return domain.ActionRecord{}, err
	}
	rec.Action = domain.ActionKind(action)
	rec.Outcome = domain.ActionOutcome(outcome)
	if sentAt != nil {
		rec.Data.SentAt = *sentAt
	}
	if receivedAt != nil {
		rec.Data.ReceivedAt = *receivedAt
	}
	if err := unmarshalIfPresent(objectsJSON, &rec.Objects); err != nil {
		return domain.ActionRecord{}, err
	}
	if err := unmarshalIfPresent(infoJSON, &rec.Info); err != nil {
		return domain.ActionRecord{}, err
	}
	if err := unmarshalIfPresent(escrowJSON, &rec.Escrow); err != nil {
		return domain.ActionRecord{}, err
	}
	return rec, nil
}

// jsonOrNil marshals v, mapping empty values to SQL NULL.
func jsonOrNil[T any](v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	switch string(b) {
	case "null", "[]", "{}":
		return nil, nil
	}
	return b, nil
}

func unmarshalIfPresent(b []byte, dst any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
