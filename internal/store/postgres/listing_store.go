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

// ListingItemStore implements domain.ListingItemStore using PostgreSQL.
type ListingItemStore struct {
	pool *pgxpool.Pool
}

// NewListingItemStore creates a new ListingItemStore.
func NewListingItemStore(pool *pgxpool.Pool) *ListingItemStore {
	return &ListingItemStore{pool: pool}
}

const listingItemCols = `id, hash, seller, market_address, template_id, proposal_hash,
	expiry_days, content, posted_at, received_at, created_at, updated_at`

// Upsert inserts item or merges it into the row with the same hash. The
// stored id and created_at are kept; template and proposal links are only
// replaced by non-empty values.
func (s *ListingItemStore) Upsert(ctx context.Context, item domain.ListingItem) (domain.ListingItem, error) {
	content, err := json.Marshal(item.Content)
	if err != nil {
		return domain.ListingItem{}, fmt.Errorf("postgres: marshal listing content: %w", err)
	}

	query := `
		INSERT INTO listing_items (
			id, hash, seller, market_address, template_id, proposal_hash,
			expiry_days, content, posted_at, received_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (hash) DO UPDATE SET
			seller         = EXCLUDED.seller,
			market_address = EXCLUDED.market_address,
			template_id    = COALESCE(NULLIF(EXCLUDED.template_id, ''), listing_items.template_id),
			proposal_hash  = COALESCE(NULLIF(EXCLUDED.proposal_hash, ''), listing_items.proposal_hash),
			expiry_days    = EXCLUDED.expiry_days,
			content        = EXCLUDED.content,
			posted_at      = EXCLUDED.posted_at,
			received_at    = EXCLUDED.received_at,
			updated_at     = NOW()
		RETURNING ` + listingItemCols

	row := s.pool.QueryRow(ctx, query,
		item.ID, item.Hash, item.Seller, item.MarketAddress, item.TemplateID, item.ProposalHash,
		item.ExpiryDays, content, nullTime(item.PostedAt), nullTime(item.ReceivedAt), item.CreatedAt,
	)
	stored, err := scanListingItem(row)
	if err != nil {
		return domain.ListingItem{}, fmt.Errorf("postgres: upsert listing %s: %w", item.Hash, err)
	}
	return stored, nil
}

// GetByHash returns the listing with the given content hash.
func (s *ListingItemStore) GetByHash(ctx context.Context, hash string) (domain.ListingItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingItemCols+` FROM listing_items WHERE hash = $1`, hash)
	item, err := scanListingItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ListingItem{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ListingItem{}, fmt.Errorf("postgres: get listing %s: %w", hash, err)
	}
	return item, nil
}

// SetProposal links a moderation proposal to the listing.
func (s *ListingItemStore) SetProposal(ctx context.Context, hash, proposalHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listing_items SET proposal_hash = $1, updated_at = NOW() WHERE hash = $2`,
		proposalHash, hash,
	)
	if err != nil {
		return fmt.Errorf("postgres: set listing proposal %s: %w", hash, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanListingItem(row rowScanner) (domain.ListingItem, error) {
	var (
		item                 domain.ListingItem
		content              []byte
		postedAt, receivedAt *time.Time
	)
	err := row.Scan(
		&item.ID, &item.Hash, &item.Seller, &item.MarketAddress, &item.TemplateID, &item.ProposalHash,
		&item.ExpiryDays, &content, &postedAt, &receivedAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return domain.ListingItem{}, err
	}
	if postedAt != nil {
		item.PostedAt = *postedAt
	}
	if receivedAt != nil {
		item.ReceivedAt = *receivedAt
	}
	if err := json.Unmarshal(content, &item.Content); err != nil {
		return domain.ListingItem{}, fmt.Errorf("unmarshal listing content: %w", err)
	}
	return item, nil
}

// ListingTemplateStore implements domain.ListingTemplateStore using PostgreSQL.
type ListingTemplateStore struct {
	pool *pgxpool.Pool
}

// NewListingTemplateStore creates a new ListingTemplateStore.
func NewListingTemplateStore(pool *pgxpool.Pool) *ListingTemplateStore {
	return &ListingTemplateStore{pool: pool}
}

const templateCols = `id, hash, profile_address, content, created_at, updated_at`

// Create inserts a template. A template with the same hash yields
// domain.ErrAlreadyExists.
func (s *ListingTemplateStore) Create(ctx context.Context, t domain.ListingItemTemplate) error {
	content, err := json.Marshal(t.Content)
	if err != nil {
		return fmt.Errorf("postgres: marshal template content: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO listing_item_templates (`+templateCols+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Hash, t.ProfileAddress, content, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: create template %s: %w", t.Hash, err)
	}
	return nil
}

// GetByHash returns the template with the given content hash.
func (s *ListingTemplateStore) GetByHash(ctx context.Context, hash string) (domain.ListingItemTemplate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+templateCols+` FROM listing_item_templates WHERE hash = $1`, hash)
	t, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ListingItemTemplate{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ListingItemTemplate{}, fmt.Errorf("postgres: get template %s: %w", hash, err)
	}
	return t, nil
}

// List returns all templates, oldest first.
func (s *ListingTemplateStore) List(ctx context.Context) ([]domain.ListingItemTemplate, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+templateCols+` FROM listing_item_templates ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list templates: %w", err)
	}
	defer rows.Close()

	var out []domain.ListingItemTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan template: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list templates rows: %w", err)
	}
	return out, nil
}

func scanTemplate(row rowScanner) (domain.ListingItemTemplate, error) {
	var t domain.ListingItemTemplate
	var content []byte
	if err := row.Scan(&t.ID, &t.Hash, &t.ProfileAddress, &content, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.ListingItemTemplate{}, err
	}
	if err := json.Unmarshal(content, &t.Content); err != nil {
		return domain.ListingItemTemplate{}, fmt.Errorf("unmarshal template content: %w", err)
	}
	return t, nil
}
