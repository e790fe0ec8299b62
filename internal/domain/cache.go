package domain

import (
	"context"
	"time"
)

// ResultCache holds the latest ProposalResult snapshot per proposal. The
// last writer wins.
type ResultCache interface {
	Set(ctx context.Context, r ProposalResult) error
	Get(ctx context.Context, proposalHash string) (ProposalResult, error)
}

// ListingCache provides fast listing lookups by hash.
type ListingCache interface {
	Set(ctx context.Context, item ListingItem) error
	Get(ctx context.Context, hash string) (ListingItem, error)
	Invalidate(ctx context.Context, hash string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// EventChannel returns the pub/sub channel for an action kind.
func EventChannel(kind ActionKind) string {
	return "mp:" + string(kind)
}

// EventStream is the durable stream every action event is appended to.
const EventStream = "mp:events"
