package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/inspired27/aldidata/internal/metrics"
)

const (
	// DefaultStatusTTL is how long a per-line display snapshot stays fresh.
	DefaultStatusTTL = 20 * time.Second

	// DefaultLimitTTL is how long the shared cap snapshot stays fresh. Caps
	// change far less often than usage, so this is much longer.
	DefaultLimitTTL = 30 * time.Minute

	statusCacheSize = 64
)

// LineStatus is a cached per-line display snapshot. ErrorCode and ErrorTime
// are set only for failed fetches.
type LineStatus struct {
	Line      string
	Display   string
	Status    string
	ErrorCode string
	ErrorTime string
	At        time.Time
}

// StatusCache holds short-lived per-line display snapshots. Writes come from
// concurrent fetch workers; the expirable LRU serialises access internally.
type StatusCache struct {
	lru *expirable.LRU[string, LineStatus]
}

// NewStatusCache creates a status cache with the given TTL.
func NewStatusCache(ttl time.Duration) *StatusCache {
	if ttl == 0 {
		ttl = DefaultStatusTTL
	}
	return &StatusCache{
		lru: expirable.NewLRU[string, LineStatus](statusCacheSize, nil, ttl),
	}
}

// Set records a line's snapshot.
func (c *StatusCache) Set(st LineStatus) {
	c.lru.Add(st.Line, st)
}

// Get returns a line's snapshot, or ok=false when absent or expired. Callers
// treat both identically and re-fetch.
func (c *StatusCache) Get(line string) (LineStatus, bool) {
	st, ok := c.lru.Get(line)
	if ok {
		metrics.CacheHits.WithLabelValues("status").Inc()
	} else {
		metrics.CacheMisses.WithLabelValues("status").Inc()
	}
	return st, ok
}

// Evict drops a line's snapshot so the next read reflects a just-submitted
// change.
func (c *StatusCache) Evict(line string) {
	c.lru.Remove(line)
}

// LimitCache holds the shared per-line cap snapshot, refreshed as one atomic
// overview fetch. A nil cap means the line's cap could not be read.
type LimitCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	at     time.Time
	limits map[string]*float64
	now    func() time.Time
}

// NewLimitCache creates a limit cache with the given TTL.
func NewLimitCache(ttl time.Duration) *LimitCache {
	if ttl == 0 {
		ttl = DefaultLimitTTL
	}
	return &LimitCache{ttl: ttl, now: time.Now}
}

// Put replaces the whole snapshot.
func (c *LimitCache) Put(limits map[string]*float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = make(map[string]*float64, len(limits))
	for k, v := range limits {
		c.limits[k] = v
	}
	c.at = c.now()
}

// SetOne optimistically overwrites one line's cap after a submitted change,
// leaving the rest of the snapshot intact. No-op before the first Put.
func (c *LimitCache) SetOne(line string, capGB *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limits == nil {
		return
	}
	c.limits[line] = capGB
	c.at = c.now()
}

// Get returns the snapshot while fresh, or nil past the TTL.
func (c *LimitCache) Get() map[string]*float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limits == nil || c.now().Sub(c.at) >= c.ttl {
		metrics.CacheMisses.WithLabelValues("limits").Inc()
		return nil
	}
	metrics.CacheHits.WithLabelValues("limits").Inc()
	out := make(map[string]*float64, len(c.limits))
	for k, v := range c.limits {
		out[k] = v
	}
	return out
}
