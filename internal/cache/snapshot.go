// Package cache holds the Redis-backed snapshot cache that sits in front of
// entitlement lookups.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"tripbilling/internal/types"
)

// DefaultTTL bounds how stale a snapshot can get if an invalidation is lost.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "tripbilling:snapshot:"

// Client is the subset of redis.Cmdable the cache uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// entry wraps the snapshot so "no subscription" can be cached too.
type entry struct {
	Subscription *types.Subscription `json:"subscription"`
	CachedAt     time.Time           `json:"cached_at"`
}

// SnapshotCache caches each user's current subscription.
type SnapshotCache struct {
	client Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewSnapshotCache creates a SnapshotCache. A ttl of zero uses DefaultTTL.
func NewSnapshotCache(client Client, ttl time.Duration, logger *slog.Logger) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotCache{client: client, ttl: ttl, logger: logger}
}

// Get returns the cached snapshot. ok is false on a miss; a hit may carry a
// nil subscription.
func (c *SnapshotCache) Get(ctx context.Context, userID string) (*types.Subscription, bool, error) {
	raw, err := c.client.Get(ctx, key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading snapshot for %s: %w", userID, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// A corrupt entry is a miss; the next Set overwrites it.
		c.logger.WarnContext(ctx, "discarding undecodable snapshot", "user_id", userID, "error", err)
		return nil, false, nil
	}
	return e.Subscription, true, nil
}

// Set stores the snapshot for the configured TTL.
func (c *SnapshotCache) Set(ctx context.Context, userID string, sub *types.Subscription) error {
	raw, err := json.Marshal(entry{Subscription: sub, CachedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding snapshot for %s: %w", userID, err)
	}
	if err := c.client.Set(ctx, key(userID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing snapshot for %s: %w", userID, err)
	}
	return nil
}

// Invalidate drops the snapshot. Deleting a missing key is not an error.
func (c *SnapshotCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, key(userID)).Err(); err != nil {
		return fmt.Errorf("invalidating snapshot for %s: %w", userID, err)
	}
	return nil
}

func key(userID string) string {
	return keyPrefix + userID
}
