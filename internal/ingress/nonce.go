package ingress

import (
	"sync"
	"time"
)

// maxTrackedNonces bounds memory under a replay-attack flood of distinct
// nonces, mirroring internal/channels/ratelimit.go's WebhookRateLimiter cap.
const maxTrackedNonces = 4096

type nonceEntry struct {
	seenAt time.Time
}

// NonceCache rejects a nonce already seen within ttl. Safe for concurrent
// use. Grounded on internal/channels/ratelimit.go's WebhookRateLimiter
// bounded-map-with-TTL-pruning idiom.
type NonceCache struct {
	mu      sync.Mutex
	entries map[string]nonceEntry
}

// NewNonceCache creates an empty, bounded nonce cache.
func NewNonceCache() *NonceCache {
	return &NonceCache{entries: make(map[string]nonceEntry)}
}

// Reserve returns true and records nonce if it has not been seen within ttl;
// returns false if it has (a replay).
func (c *NonceCache) Reserve(nonce string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if len(c.entries) >= maxTrackedNonces {
		for k, e := range c.entries {
			if now.Sub(e.seenAt) >= ttl {
				delete(c.entries, k)
			}
		}
		for len(c.entries) >= maxTrackedNonces {
			for k := range c.entries {
				delete(c.entries, k)
				break
			}
		}
	}

	if e, ok := c.entries[nonce]; ok && now.Sub(e.seenAt) < ttl {
		return false
	}
	c.entries[nonce] = nonceEntry{seenAt: now}
	return true
}
