package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is the interface used by the ride manager to estimate trip time.
type Client interface {
	EstimateSeconds(from, to models.Point) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Point) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Point) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Point) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Point, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Linear is the fixed speed model: great-circle distance over a constant speed.
type Linear struct {
	SpeedMps float64
}

func (l Linear) EstimateSeconds(from, to models.Point) (float64, error) {
	return EstimateSeconds(from, to, l.SpeedMps), nil
}

// EstimateSeconds is distance / speed_mps.
func EstimateSeconds(from, to models.Point, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.Distance(from, to) / speedMps
}

// Cached consults the cache, then the routing client, and falls back to the
// linear model when the client fails.
type Cached struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
}

func (c *Cached) EstimateSeconds(from, to models.Point) (float64, error) {
	if c.Cache != nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	if c.Client != nil {
		if v, err := c.Client.EstimateSeconds(from, to); err == nil {
			if c.Cache != nil {
				c.Cache.Set(from, to, v)
			}
			return v, nil
		}
	}
	return EstimateSeconds(from, to, c.SpeedMps), nil
}

// Minutes converts a client estimate to minutes.
func Minutes(c Client, from, to models.Point) (float64, error) {
	s, err := c.EstimateSeconds(from, to)
	if err != nil {
		return 0, err
	}
	return s / 60, nil
}
