package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const genKeyPrefix = "authz:user:"

// Cache stores computed decisions in Redis behind a per-user generation
// counter. Invalidation bumps the counter, so stale entries become
// unreachable immediately and in-flight writes for the old generation land
// on dead keys. TTLs only reclaim memory; correctness never depends on
// expiry.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper. A nil client degrades the cache
// to a no-op, which keeps the resolver usable in tests and during Redis
// outages at the cost of recomputation.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

// Generation returns the user's current cache generation, initialising it
// when missing.
func (c *Cache) Generation(ctx context.Context, userID int64) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	key := genKey(userID)
	gen, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return gen, nil
}

// Get loads a cached decision for the given generation.
func (c *Cache) Get(ctx context.Context, userID, gen int64, suffix string) (Decision, bool, error) {
	if c == nil || c.client == nil {
		return Decision{}, false, nil
	}
	payload, err := c.client.Get(ctx, decisionKey(userID, gen, suffix)).Bytes()
	if err == redis.Nil {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}
	var d Decision
	if err := json.Unmarshal(payload, &d); err != nil {
		return Decision{}, false, err
	}
	return d, true, nil
}

// Put stores a decision under the generation captured when resolution
// started. If the user was invalidated mid-resolution the write targets the
// retired generation and is never read again.
func (c *Cache) Put(ctx context.Context, userID, gen int64, suffix string, d Decision) error {
	if c == nil || c.client == nil {
		return nil
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, decisionKey(userID, gen, suffix), payload, c.ttl).Err()
}

// InvalidateUser retires every cached decision for the user.
func (c *Cache) InvalidateUser(ctx context.Context, userID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, genKey(userID)).Err()
}

// InvalidateUsers retires cached decisions for a batch of users, e.g. every
// holder of a role whose permissions changed.
func (c *Cache) InvalidateUsers(ctx context.Context, userIDs []int64) error {
	for _, id := range userIDs {
		if err := c.InvalidateUser(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func genKey(userID int64) string {
	return fmt.Sprintf("%s%d:gen", genKeyPrefix, userID)
}

func decisionKey(userID, gen int64, suffix string) string {
	return fmt.Sprintf("authz:decision:%d:%d:%s", userID, gen, suffix)
}
