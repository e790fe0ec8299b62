package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/mapper"
	"github.com/alanyoungcy/marketnode/internal/objecthash"
	"github.com/alanyoungcy/marketnode/internal/protocol"
)

// ListingService stores listings received from the network and the
// templates authored on this node.
type ListingService struct {
	items     domain.ListingItemStore
	templates domain.ListingTemplateStore
	cache     domain.ListingCache
	logger    *slog.Logger
	now       func() time.Time
}

// NewListingService creates a ListingService. cache may be nil.
func NewListingService(
	items domain.ListingItemStore,
	templates domain.ListingTemplateStore,
	cache domain.ListingCache,
	logger *slog.Logger,
) *ListingService {
	return &ListingService{
		items:     items,
		templates: templates,
		cache:     cache,
		logger:    logger.With(slog.String("component", "listing_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HandleListingAdd stores the listing carried by a. A listing whose content
// hash matches a local template is linked to that template.
func (s *ListingService) HandleListingAdd(ctx context.Context, a *protocol.ListingAdd, rec *domain.ActionRecord) (domain.ActionOutcome, error) {
	hash := rec.ListingItemHash
	if hash == "" {
		h, err := mapper.ListingHash(a.Item)
		if err != nil {
			return domain.OutcomeFailed, fmt.Errorf("listing_service: hash listing: %w", err)
		}
		hash = h
		rec.ListingItemHash = h
	}
	if a.Item.Hash != "" && a.Item.Hash != hash {
		s.logger.WarnContext(ctx, "listing_service: advertised hash differs from content hash",
			slog.String("advertised", a.Item.Hash),
			slog.String("computed", hash),
			slog.String("msgid", rec.Data.MsgID),
		)
	}

	now := s.now()
	item := domain.ListingItem{
		ID:            uuid.NewString(),
		Hash:          hash,
		Seller:        a.Item.Seller,
		MarketAddress: rec.Data.To,
		ExpiryDays:    a.Item.ExpiryDays,
		Content:       a.Item.ListingContent,
		PostedAt:      rec.Data.SentAt,
		ReceivedAt:    rec.Data.ReceivedAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tmpl, err := s.templates.GetByHash(ctx, hash)
	switch {
	case err == nil:
		item.TemplateID = tmpl.ID
	case errors.Is(err, domain.ErrNotFound):
	default:
		return domain.OutcomeFailed, fmt.Errorf("listing_service: template lookup %s: %w", hash, err)
	}

	stored, err := s.items.Upsert(ctx, item)
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("listing_service: upsert %s: %w", hash, err)
	}
	rec.RelatedListingItemID = stored.ID
	s.invalidate(ctx, hash)

	s.logger.InfoContext(ctx, "listing_service: listing stored",
		slog.String("hash", hash),
		slog.String("seller", stored.Seller),
		slog.Bool("own", stored.TemplateID != ""),
	)
	return domain.OutcomeApplied, nil
}

// RegisterTemplate hashes and stores a locally authored listing. Registering
// the same content twice returns the existing template. An already received
// listing with the same hash is linked to the template.
func (s *ListingService) RegisterTemplate(ctx context.Context, profileAddress string, content domain.ListingContent) (domain.ListingItemTemplate, error) {
	now := s.now()
	tmpl := domain.ListingItemTemplate{
		ID:             uuid.NewString(),
		ProfileAddress: profileAddress,
		Content:        content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	hash, err := objecthash.Hash(tmpl, objecthash.KindListingItemTemplate)
	if err != nil {
		return domain.ListingItemTemplate{}, fmt.Errorf("listing_service: hash template: %w", err)
	}
	tmpl.Hash = hash

	if err := s.templates.Create(ctx, tmpl); err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) {
			return domain.ListingItemTemplate{}, fmt.Errorf("listing_service: create template: %w", err)
		}
		existing, getErr := s.templates.GetByHash(ctx, hash)
		if getErr != nil {
			return domain.ListingItemTemplate{}, fmt.Errorf("listing_service: get template %s: %w", hash, getErr)
		}
		tmpl = existing
	}

	item, err := s.items.GetByHash(ctx, hash)
	switch {
	case err == nil && item.TemplateID == "":
		item.TemplateID = tmpl.ID
		item.UpdatedAt = now
		if _, err := s.items.Upsert(ctx, item); err != nil {
			return domain.ListingItemTemplate{}, fmt.Errorf("listing_service: link item %s: %w", hash, err)
		}
		s.invalidate(ctx, hash)
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.ListingItemTemplate{}, fmt.Errorf("listing_service: get item %s: %w", hash, err)
	}
	return tmpl, nil
}

// ListTemplates returns all local templates.
func (s *ListingService) ListTemplates(ctx context.Context) ([]domain.ListingItemTemplate, error) {
	ts, err := s.templates.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing_service: list templates: %w", err)
	}
	return ts, nil
}

// GetByHash retrieves a listing, checking the cache first and falling back
// to the persistent store on a miss.
func (s *ListingService) GetByHash(ctx context.Context, hash string) (domain.ListingItem, error) {
	if s.cache != nil {
		if item, err := s.cache.Get(ctx, hash); err == nil {
			return item, nil
		}
	}

	item, err := s.items.GetByHash(ctx, hash)
	if err != nil {
		return domain.ListingItem{}, fmt.Errorf("listing_service: get by hash %q: %w", hash, err)
	}

	if s.cache != nil {
		if cacheErr := s.cache.Set(ctx, item); cacheErr != nil {
			s.logger.WarnContext(ctx, "listing_service: cache set failed",
				slog.String("hash", hash),
				slog.String("error", cacheErr.Error()),
			)
		}
	}
	return item, nil
}

// LinkProposal attaches a moderation proposal to a listing.
func (s *ListingService) LinkProposal(ctx context.Context, listingHash, proposalHash string) error {
	if err := s.items.SetProposal(ctx, listingHash, proposalHash); err != nil {
		return fmt.Errorf("listing_service: link proposal %s: %w", listingHash, err)
	}
	s.invalidate(ctx, listingHash)
	return nil
}

func (s *ListingService) invalidate(ctx context.Context, hash string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, hash); err != nil {
		s.logger.WarnContext(ctx, "listing_service: cache invalidate failed",
			slog.String("hash", hash),
			slog.String("error", err.Error()),
		)
	}
}
