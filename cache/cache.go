// Package cache holds the two time-bounded caches the dispatcher depends on:
// the dedup cache that turns at-least-once transport delivery into
// exactly-once handling, and the metadata cache that memoizes display
// metadata for chat targets. Both are append/expire-only from the
// dispatcher's side; handlers never get write access.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/onnwee/relaybot/chat"
)

// Dedup is a TTL-bounded set of seen message identifiers.
type Dedup struct {
	c *ttlcache.Cache[string, struct{}]
}

// NewDedup builds a dedup cache whose entries expire after ttl. The caller
// owns the lifecycle: Start launches the expiry loop, Stop halts it.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		c: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](ttl),
			// A duplicate hit must not extend the window, or a retransmit
			// storm could pin an id forever.
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
}

// Seen inserts id and reports whether it was already present. The insert and
// the presence check are one atomic cache operation, so two concurrent
// deliveries of the same id can never both report false.
func (d *Dedup) Seen(id string) bool {
	_, present := d.c.GetOrSet(id, struct{}{})
	return present
}

// Len returns the number of unexpired entries.
func (d *Dedup) Len() int { return d.c.Len() }

// Start runs the background expiry loop until Stop is called.
func (d *Dedup) Start() { go d.c.Start() }

// Stop halts the expiry loop.
func (d *Dedup) Stop() { d.c.Stop() }

// Loader fetches fresh metadata for a chat target on a cache miss.
type Loader func(ctx context.Context, chatID string) (chat.ChatInfo, error)

// Metadata is a TTL-bounded chatID -> ChatInfo cache with refresh-on-miss.
type Metadata struct {
	c    *ttlcache.Cache[string, chat.ChatInfo]
	load Loader
}

// NewMetadata builds a metadata cache backed by load for misses.
func NewMetadata(ttl time.Duration, load Loader) *Metadata {
	return &Metadata{
		c:    ttlcache.New(ttlcache.WithTTL[string, chat.ChatInfo](ttl)),
		load: load,
	}
}

// Get returns cached metadata for chatID, fetching through the loader on a
// miss. A load failure is returned without poisoning the cache.
func (m *Metadata) Get(ctx context.Context, chatID string) (chat.ChatInfo, error) {
	if item := m.c.Get(chatID); item != nil {
		return item.Value(), nil
	}
	info, err := m.load(ctx, chatID)
	if err != nil {
		return chat.ChatInfo{}, fmt.Errorf("metadata load for %s: %w", chatID, err)
	}
	m.c.Set(chatID, info, ttlcache.DefaultTTL)
	return info, nil
}

// Len returns the number of unexpired entries.
func (m *Metadata) Len() int { return m.c.Len() }

// Start runs the background expiry loop until Stop is called.
func (m *Metadata) Start() { go m.c.Start() }

// Stop halts the expiry loop.
func (m *Metadata) Stop() { m.c.Stop() }
