package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

const listingTTL = 10 * time.Minute

// ListingCache implements domain.ListingCache.
//
// Key schema:
//
//	listing:{hash}       - hash with field "data" containing JSON
//	listing:id:{id}      - string value of the listing hash
type ListingCache struct {
	client *Client
}

// NewListingCache creates a ListingCache backed by the given Client.
func NewListingCache(c *Client) *ListingCache {
	return &ListingCache{client: c}
}

// Set stores item and its id index with a TTL.
func (lc *ListingCache) Set(ctx context.Context, item domain.ListingItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("redis: marshal listing %s: %w", item.Hash, err)
	}
	key := lc.client.key("listing", item.Hash)

	pipe := lc.client.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, listingTTL)
	if item.ID != "" {
		pipe.Set(ctx, lc.client.key("listing", "id", item.ID), item.Hash, listingTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set listing %s: %w", item.Hash, err)
	}
	return nil
}

// Get returns the cached listing or domain.ErrNotFound.
func (lc *ListingCache) Get(ctx context.Context, hash string) (domain.ListingItem, error) {
	data, err := lc.client.rdb.HGet(ctx, lc.client.key("listing", hash), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ListingItem{}, domain.ErrNotFound
		}
		return domain.ListingItem{}, fmt.Errorf("redis: get listing %s: %w", hash, err)
	}
	var item domain.ListingItem
	if err := json.Unmarshal(data, &item); err != nil {
		return domain.ListingItem{}, fmt.Errorf("redis: unmarshal listing %s: %w", hash, err)
	}
	return item, nil
}

// GetByID resolves a listing through the id index.
func (lc *ListingCache) GetByID(ctx context.Context, id string) (domain.ListingItem, error) {
	hash, err := lc.client.rdb.Get(ctx, lc.client.key("listing", "id", id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ListingItem{}, domain.ErrNotFound
		}
		return domain.ListingItem{}, fmt.Errorf("redis: get listing by id %s: %w", id, err)
	}
	return lc.Get(ctx, hash)
}

// Invalidate drops the listing and its id index entry.
func (lc *ListingCache) Invalidate(ctx context.Context, hash string) error {
	item, err := lc.Get(ctx, hash)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("redis: invalidate listing %s: %w", hash, err)
	}

	pipe := lc.client.rdb.TxPipeline()
	pipe.Del(ctx, lc.client.key("listing", hash))
	if err == nil && item.ID != "" {
		pipe.Del(ctx, lc.client.key("listing", "id", item.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate listing %s: %w", hash, err)
	}
	return nil
}

var _ domain.ListingCache = (*ListingCache)(nil)
