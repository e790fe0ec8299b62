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

const resultTTL = 24 * time.Hour

// ResultCache implements domain.ResultCache. Each proposal's latest result
// snapshot lives in a hash under "result:{proposalHash}" with the JSON in
// field "data" and the tally block in field "block". Writers race with last
// write wins.
type ResultCache struct {
	client *Client
}

// NewResultCache creates a ResultCache backed by the given Client.
func NewResultCache(c *Client) *ResultCache {
	return &ResultCache{client: c}
}

// Set stores r and refreshes its TTL.
func (rc *ResultCache) Set(ctx context.Context, r domain.ProposalResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis: marshal result %s: %w", r.ProposalHash, err)
	}
	key := rc.client.key("result", r.ProposalHash)

	pipe := rc.client.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data, "block", r.CalculatedAtBlock)
	pipe.Expire(ctx, key, resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set result %s: %w", r.ProposalHash, err)
	}
	return nil
}

// Get returns the cached snapshot or domain.ErrNotFound.
func (rc *ResultCache) Get(ctx context.Context, proposalHash string) (domain.ProposalResult, error) {
	data, err := rc.client.rdb.HGet(ctx, rc.client.key("result", proposalHash), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ProposalResult{}, domain.ErrNotFound
		}
		return domain.ProposalResult{}, fmt.Errorf("redis: get result %s: %w", proposalHash, err)
	}
	var r domain.ProposalResult
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.ProposalResult{}, fmt.Errorf("redis: unmarshal result %s: %w", proposalHash, err)
	}
	return r, nil
}

var _ domain.ResultCache = (*ResultCache)(nil)
