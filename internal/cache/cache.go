package cache

import (
	"sync"
	"time"

	"github.com/famomatic/streamd/internal/types"
)

// Options control TTL assignment at insertion time.
type Options struct {
	// DefaultTTL applies to payloads below RichThreshold formats.
	DefaultTTL time.Duration
	// LongTTL applies to payloads with at least RichThreshold formats.
	LongTTL time.Duration
	// RichThreshold is the format count from which LongTTL applies.
	RichThreshold int
}

type entry struct {
	payload    *types.VideoInfo
	insertedAt time.Time
	ttl        time.Duration
}

// EntryStats is one row of the observability snapshot.
type EntryStats struct {
	Title            string `json:"title"`
	AgeSeconds       int64  `json:"age_sec"`
	RemainingSeconds int64  `json:"remaining_sec"`
	TTLSeconds       int64  `json:"duration_sec"`
	FormatCount      int    `json:"format_count"`
}

// ResolutionCache stores resolved video metadata keyed by video id. The TTL of
// an entry is fixed at insertion from the payload's format count and never
// recomputed on read. Expired entries linger until Sweep removes them.
type ResolutionCache struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

// New returns an empty cache with the given TTL options.
func New(opts Options) *ResolutionCache {
	return &ResolutionCache{
		opts:    opts,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Get returns the payload for id while its TTL has not elapsed. A miss does
// not remove an expired entry; that is Sweep's job.
func (c *ResolutionCache) Get(id string) (*types.VideoInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.insertedAt) >= e.ttl {
		return nil, false
	}
	return e.payload, true
}

// Put stores payload under id, replacing any prior entry. Payloads with at
// least RichThreshold formats get LongTTL, everything else DefaultTTL.
func (c *ResolutionCache) Put(id string, payload *types.VideoInfo) {
	ttl := c.opts.DefaultTTL
	if len(payload.Formats) >= c.opts.RichThreshold {
		ttl = c.opts.LongTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = entry{
		payload:    payload,
		insertedAt: c.now(),
		ttl:        ttl,
	}
}

// Delete removes the entry for id and reports whether one existed.
func (c *ResolutionCache) Delete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
	}
	return ok
}

// Clear removes all entries and returns how many were removed.
func (c *ResolutionCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]entry)
	return n
}

// Sweep removes every entry whose age has reached its TTL and returns the
// number removed.
func (c *ResolutionCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.entries {
		if now.Sub(e.insertedAt) >= e.ttl {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *ResolutionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// List returns a point-in-time snapshot of all live entries.
func (c *ResolutionCache) List() map[string]EntryStats {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]EntryStats, len(c.entries))
	for id, e := range c.entries {
		age := now.Sub(e.insertedAt)
		out[id] = EntryStats{
			Title:            e.payload.Title,
			AgeSeconds:       int64(age.Seconds()),
			RemainingSeconds: int64((e.ttl - age).Seconds()),
			TTLSeconds:       int64(e.ttl.Seconds()),
			FormatCount:      len(e.payload.Formats),
		}
	}
	return out
}
