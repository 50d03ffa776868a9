// Package cache holds per-account payout rates reported by broker workers.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// PayoutInfo is the cached view of one asset on one account.
type PayoutInfo struct {
	Payout    float64       `json:"payout"`
	Open      bool          `json:"open"`
	UpdatedAt time.Time     `json:"updated_at"`
	Age       time.Duration `json:"age"`
}

// PayoutCache is a sharded cache of asset payout rates keyed by
// account and symbol. Reads happen on the signal hot path while worker
// refreshes write concurrently, hence the sharding.
type PayoutCache struct {
	shards [numShards]*payoutShard
}

type payoutShard struct {
	mu    sync.RWMutex
	items map[string]payoutEntry
}

type payoutEntry struct {
	payout    float64
	open      bool
	updatedAt time.Time
}

// NewPayoutCache creates an empty cache.
func NewPayoutCache() *PayoutCache {
	c := &PayoutCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &payoutShard{
			items: make(map[string]payoutEntry),
		}
	}
	return c
}

func cacheKey(account, symbol string) string {
	return account + "\x00" + symbol
}

func (c *PayoutCache) getShard(key string) *payoutShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the payout rate and open flag for an asset.
func (c *PayoutCache) Set(account, symbol string, payout float64, open bool) {
	key := cacheKey(account, symbol)
	shard := c.getShard(key)
	shard.mu.Lock()
	shard.items[key] = payoutEntry{
		payout:    payout,
		open:      open,
		updatedAt: time.Now(),
	}
	shard.mu.Unlock()
}

// Get retrieves the payout rate for an asset. The second result is false
// when the asset is unknown or marked closed.
func (c *PayoutCache) Get(account, symbol string) (float64, bool) {
	key := cacheKey(account, symbol)
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	if !ok || !entry.open {
		return 0, false
	}
	return entry.payout, true
}

// GetWithAge retrieves the payout along with how stale it is.
func (c *PayoutCache) GetWithAge(account, symbol string) (PayoutInfo, bool) {
	key := cacheKey(account, symbol)
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	if !ok {
		return PayoutInfo{}, false
	}
	return PayoutInfo{
		Payout:    entry.payout,
		Open:      entry.open,
		UpdatedAt: entry.updatedAt,
		Age:       time.Since(entry.updatedAt),
	}, true
}

// Delete removes one asset entry.
func (c *PayoutCache) Delete(account, symbol string) {
	key := cacheKey(account, symbol)
	shard := c.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// DropAccount removes every entry for an account. Called when its worker
// dies so stale rates never gate fresh signals after a reconnect.
func (c *PayoutCache) DropAccount(account string) int {
	prefix := account + "\x00"
	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key := range shard.items {
			if len(key) > len(prefix) && key[:len(prefix)] == prefix {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len returns total items across all shards.
func (c *PayoutCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *PayoutCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Snapshot returns all cached assets for an account (for the operator API).
func (c *PayoutCache) Snapshot(account string) map[string]PayoutInfo {
	prefix := account + "\x00"
	result := make(map[string]PayoutInfo)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for key, entry := range shard.items {
			if len(key) > len(prefix) && key[:len(prefix)] == prefix {
				result[key[len(prefix):]] = PayoutInfo{
					Payout:    entry.payout,
					Open:      entry.open,
					UpdatedAt: entry.updatedAt,
					Age:       time.Since(entry.updatedAt),
				}
			}
		}
		shard.mu.RUnlock()
	}
	return result
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *PayoutCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalItems += len(shard.items)
		for _, entry := range shard.items {
			if oldest.IsZero() || entry.updatedAt.Before(oldest) {
				oldest = entry.updatedAt
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	return stats
}
