package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL-based in-memory cache for authenticated client
// contexts. Uses sync.Map for lock-free reads on the hot path.
//
// Stale-while-revalidate: when an entry expires, Get still returns the stale
// value immediately and signals that a background refresh is needed. After
// the first cold start no analyze request ever blocks on the store plus
// bcrypt.
type AuthCache struct {
	entries sync.Map      // map[string]*cacheEntry keyed by raw client key
	ttl     time.Duration // default 30s
}

type cacheEntry struct {
	client     *ClientContext
	expiresAt  time.Time
	refreshing atomic.Bool // prevents duplicate background refreshes
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Client       *ClientContext
	Hit          bool // a value was found, fresh or stale
	NeedsRefresh bool // the entry is expired and should be refreshed in the background
}

// Get looks up the client key in the cache.
//
// Returns:
//   - fresh hit: {Client, Hit=true, NeedsRefresh=false}
//   - stale hit: {Client, Hit=true, NeedsRefresh=true} (serve stale, refresh in background)
//   - miss:      {nil, Hit=false, NeedsRefresh=false}
//
// When NeedsRefresh is true the caller should refresh in a background
// goroutine. The refreshing flag is swapped atomically so only one goroutine
// refreshes per key.
func (c *AuthCache) Get(key string) GetResult {
	val, ok := c.entries.Load(key)
	if !ok {
		return GetResult{}
	}

	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		return GetResult{Client: entry.client, Hit: true}
	}

	// Stale hit. CompareAndSwap ensures only one caller triggers the refresh.
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return GetResult{
		Client:       entry.client,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a client context in the cache with the configured TTL.
func (c *AuthCache) Set(key string, client *ClientContext) {
	c.entries.Store(key, &cacheEntry{
		client:    client,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *AuthCache) Delete(key string) {
	c.entries.Delete(key)
}
