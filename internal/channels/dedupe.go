package channels

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultDedupeTTL is the window within which a repeated inbound
	// message id is considered a platform redelivery and dropped.
	DefaultDedupeTTL = 120 * time.Second

	// dedupeMaxEntries bounds memory when a platform floods unique ids.
	dedupeMaxEntries = 4096
)

// DedupeCache is a TTL-bounded set of recently seen inbound message
// ids. The expirable LRU evicts in the background, so entries older
// than the TTL never accumulate.
type DedupeCache struct {
	seen *expirable.LRU[string, struct{}]
}

// NewDedupeCache creates a cache; ttl <= 0 uses the default.
func NewDedupeCache(ttl time.Duration) *DedupeCache {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &DedupeCache{
		seen: expirable.NewLRU[string, struct{}](dedupeMaxEntries, nil, ttl),
	}
}

// Seen records the id and reports whether it was already present
// within the TTL window.
func (d *DedupeCache) Seen(msgID string) bool {
	if msgID == "" {
		return false
	}
	if _, dup := d.seen.Get(msgID); dup {
		return true
	}
	d.seen.Add(msgID, struct{}{})
	return false
}
