package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

// Route is a road route as a routing engine reports it.
type Route struct {
	DistanceM float64
	DurationS float64
}

// Client is a routing engine.
type Client interface {
	Route(ctx context.Context, from, to models.GeoPoint) (Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.GeoPoint) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.GeoPoint) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.GeoPoint) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.GeoPoint, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// DefaultSpeedMps is ~28.8 km/h city speed.
const DefaultSpeedMps = 8.0

// Naive ETA: distance / speed_mps.
func EstimateSeconds(from, to models.GeoPoint, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.Distance(from, to) / speedMps
}

// Pickup is how far the driver is from an offer's pickup point.
type Pickup struct {
	DistanceM  float64 `json:"distanceM"`
	ETASeconds float64 `json:"etaSeconds"`
	Source     string  `json:"source"`
}

// Estimator prefers the cache, then the routing client, and falls back to
// the straight-line estimate.
type Estimator struct {
	Client          Client // optional OSRM client
	Cache           *Cache // optional ETA cache
	DefaultSpeedMps float64
}

// Pickup reports road distance and duration when a route is known and the
// straight-line figures otherwise.
func (e *Estimator) Pickup(ctx context.Context, from, to models.GeoPoint) Pickup {
	if e.Cache != nil {
		if r, ok := e.Cache.Get(from, to); ok {
			return Pickup{DistanceM: r.DistanceM, ETASeconds: r.DurationS, Source: "cache"}
		}
	}
	if e.Client != nil {
		if r, err := e.Client.Route(ctx, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, r)
			}
			return Pickup{DistanceM: r.DistanceM, ETASeconds: r.DurationS, Source: "osrm"}
		}
	}
	return Pickup{
		DistanceM:  geo.Distance(from, to),
		ETASeconds: EstimateSeconds(from, to, e.DefaultSpeedMps),
		Source:     "haversine",
	}
}
