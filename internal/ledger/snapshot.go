package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotCache keeps short-lived copies of the product stock aggregate in
// Redis for the read path. Every mutating ledger operation invalidates the
// product's key after commit; the database row stays the source of truth.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache instantiates the cache helper.
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl}
}

func snapshotKey(productID, ownerID int64) string {
	return fmt.Sprintf("ledger:stock:%d:%d", ownerID, productID)
}

// Get loads a cached snapshot. The second return is false on miss or when the
// cache is not configured.
func (c *SnapshotCache) Get(ctx context.Context, productID, ownerID int64) (ProductStock, bool) {
	if c == nil || c.client == nil {
		return ProductStock{}, false
	}
	raw, err := c.client.Get(ctx, snapshotKey(productID, ownerID)).Bytes()
	if err != nil {
		return ProductStock{}, false
	}
	var stock ProductStock
	if err := json.Unmarshal(raw, &stock); err != nil {
		return ProductStock{}, false
	}
	return stock, true
}

// Set stores a snapshot with the configured TTL. Failures are swallowed; the
// cache is best-effort.
func (c *SnapshotCache) Set(ctx context.Context, stock ProductStock) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(stock)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, snapshotKey(stock.ProductID, stock.OwnerID), raw, c.ttl).Err()
}

// Invalidate drops the cached snapshot for one product.
func (c *SnapshotCache) Invalidate(ctx context.Context, productID, ownerID int64) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(ctx, snapshotKey(productID, ownerID)).Err()
}
