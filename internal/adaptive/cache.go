package adaptive

import (
	"sync"
	"time"
)

// DefaultTTL is how long a learned route entry stays valid before
// Get, Record and Merge fall back to Baseline, per spec.md §4.8.
const DefaultTTL = 30 * time.Minute

// RouteKey identifies one route for adaptive tuning: a peer reached
// via a specific digipeater path. Callers compose this the same way
// they compose AX.25 SessionKeys.
type RouteKey struct {
	Destination string
	PathSig     string
}

type entry struct {
	params      Params
	reason      string
	lastUpdated time.Time
}

// Cache holds one learned Params per RouteKey, TTL'd.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[RouteKey]*entry
}

// NewCache returns an empty cache using ttl (DefaultTTL if zero).
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, entries: make(map[RouteKey]*entry)}
}

// Get returns the route's learned params if present and not expired,
// otherwise Baseline() and false.
func (c *Cache) Get(key RouteKey) (Params, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.lastUpdated) > c.ttl {
		return Baseline(), false
	}
	return e.params, true
}

// Record applies sample's heuristic adjustment to key's current
// (or baseline) params and stores the result. It returns the
// adjustment's reason for observability.
func (c *Cache) Record(key RouteKey, sample Sample) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	base := Baseline()
	if e, ok := c.entries[key]; ok && time.Since(e.lastUpdated) <= c.ttl {
		base = e.params
	}

	adj := Adjust(base, sample)
	c.entries[key] = &entry{params: adj.Params, reason: adj.Reason, lastUpdated: time.Now()}
	return adj.Reason
}

// LastReason returns the reason string from key's most recent
// adjustment, for logging.
func (c *Cache) LastReason(key RouteKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	return e.reason, true
}

// Merge returns the "merged conservative" config spec.md §4.8
// describes for multiple concurrent sessions to one destination:
// min(window), min(paclen), max(rto), max(retries). Routes with no
// live entry contribute Baseline().
func (c *Cache) Merge(keys []RouteKey) Params {
	if len(keys) == 0 {
		return Baseline()
	}

	merged, _ := c.Get(keys[0])
	for _, k := range keys[1:] {
		p, _ := c.Get(k)
		if p.Window < merged.Window {
			merged.Window = p.Window
		}
		if p.Paclen < merged.Paclen {
			merged.Paclen = p.Paclen
		}
		if p.RTOMax > merged.RTOMax {
			merged.RTOMax = p.RTOMax
		}
		if p.Retries > merged.Retries {
			merged.Retries = p.Retries
		}
	}
	return merged
}
