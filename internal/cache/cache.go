// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache provides a short-lived in-memory cache for dashboard API
// responses. Only whitelisted dashboard endpoints are ever cached; every
// other URL passes through uncached so stateful endpoints stay fresh.
package cache

import (
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DefaultTTL is the entry time-to-live when none is configured.
const DefaultTTL = 2 * time.Minute

// DefaultSweepInterval is how often the background sweep evicts expired
// entries.
const DefaultSweepInterval = 2 * time.Minute

// cacheablePaths is the endpoint whitelist. A response is stored only when
// its URL path contains one of these fragments.
var cacheablePaths = []string{
	"/api/studentdashboard/",
	"/api/student/dashboard/",
	"/api/dashboard/",
}

// =============================================================================
// RESPONSE CACHE
// =============================================================================

type entry struct {
	body      []byte
	expiresAt time.Time
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// ResponseCache is a TTL cache keyed by normalized request URL.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	enabled bool
	hits    int64
	misses  int64

	now func() time.Time

	sweepStop chan struct{}
}

// New creates a ResponseCache with the given TTL. A non-positive TTL falls
// back to DefaultTTL.
func New(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResponseCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		enabled: true,
		now:     time.Now,
	}
}

// SetEnabled toggles caching. Disabling also drops existing entries.
func (c *ResponseCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if !enabled {
		c.entries = make(map[string]entry)
	}
}

// Cacheable reports whether the URL belongs to a whitelisted dashboard
// endpoint.
func Cacheable(rawURL string) bool {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	for _, p := range cacheablePaths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// CacheKey normalizes a URL into a cache key: path plus query parameters
// in sorted order, so parameter ordering does not fragment the cache.
func CacheKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	key := u.Path
	if len(u.RawQuery) > 0 {
		q := u.Query()
		params := make([]string, 0, len(q))
		for name, values := range q {
			sort.Strings(values)
			for _, v := range values {
				params = append(params, name+"="+v)
			}
		}
		sort.Strings(params)
		key += "?" + strings.Join(params, "&")
	}
	return key
}

// Get returns the cached body for the URL, or nil on a miss. Expired
// entries are evicted on access.
func (c *ResponseCache) Get(rawURL string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return nil
	}

	key := CacheKey(rawURL)
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil
	}
	c.hits++
	return e.body
}

// Set stores a response body for the URL. Non-whitelisted URLs are
// silently ignored.
func (c *ResponseCache) Set(rawURL string, body []byte) {
	if !Cacheable(rawURL) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	stored := make([]byte, len(body))
	copy(stored, body)
	c.entries[CacheKey(rawURL)] = entry{
		body:      stored,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Invalidate removes the entry for the URL, if present.
func (c *ResponseCache) Invalidate(rawURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, CacheKey(rawURL))
}

// Clear drops every entry. Called on logout so no authenticated response
// outlives its session.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Len returns the number of live entries.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of hit/miss counters.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}

// =============================================================================
// BACKGROUND SWEEP
// =============================================================================

// StartSweep launches a background loop that evicts expired entries every
// interval. Safe to call once; StopSweep terminates it.
func (c *ResponseCache) StartSweep(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	c.mu.Lock()
	if c.sweepStop != nil {
		c.mu.Unlock()
		return
	}
	c.sweepStop = make(chan struct{})
	stop := c.sweepStop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.sweepExpired()
			}
		}
	}()
}

// StopSweep terminates the background sweep loop.
func (c *ResponseCache) StopSweep() {
	c.mu.Lock()
	stop := c.sweepStop
	c.sweepStop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}

func (c *ResponseCache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("cache: sweep evicted %d expired entries", removed)
	}
}
