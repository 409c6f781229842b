// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package nearby

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/wneessen/vendorloc/internal/geo"
)

const (
	// coordPrecision is the precision used to quantize coordinates (0.01 degrees ≈ 1.1 km)
	coordPrecision = 1e-2

	// cellMarginKm covers the distance from a cell center to its farthest corner.
	cellMarginKm = 0.8
)

type cacheKey struct {
	Querier string
	LatQ    int32
	LonQ    int32
	Radius  float64
}

type cacheEntry struct {
	Rows   []Row
	Expiry time.Time
}

// CachedQuerier caches query results per quantized center and radius. The backend is always asked
// from the cell center with a radius widened by cellMarginKm, and the rows are then measured and
// filtered against the caller's own center. Empty results are kept for the miss TTL, which is
// usually shorter since a seller might open at any time.
type CachedQuerier struct {
	querier Querier
	ttlHit  time.Duration
	ttlMiss time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
}

func NewCachedQuerier(querier Querier, ttlHit, ttlMiss time.Duration) *CachedQuerier {
	return &CachedQuerier{
		querier: querier,
		ttlHit:  ttlHit,
		ttlMiss: ttlMiss,
		now:     time.Now,
		cache:   make(map[cacheKey]cacheEntry),
	}
}

func (c *CachedQuerier) Name() string {
	return "nearby cache using " + c.querier.Name()
}

func (c *CachedQuerier) FindNearby(ctx context.Context, lat, lng, radiusKm float64) ([]Row, error) {
	key := newKey(c.querier.Name(), lat, lng, radiusKm)
	center := geo.Position{Latitude: lat, Longitude: lng}

	c.mu.RLock()
	entry, ok := c.cache[key]
	if ok && c.now().Before(entry.Expiry) {
		rows := entry.Rows
		c.mu.RUnlock()
		return localize(center, radiusKm, rows), nil
	}
	c.mu.RUnlock()

	rows, err := c.querier.FindNearby(ctx, key.lat(), key.lng(), radiusKm+cellMarginKm)
	if err != nil {
		return rows, err
	}

	ttl := c.ttlHit
	if len(rows) == 0 {
		ttl = c.ttlMiss
	}
	if ttl > 0 {
		c.mu.Lock()
		c.cache[key] = cacheEntry{
			Rows:   rows,
			Expiry: c.now().Add(ttl),
		}
		c.evictExpired()
		c.mu.Unlock()
	}

	return localize(center, radiusKm, rows), nil
}

// evictExpired drops expired entries. The caller must hold the write lock.
func (c *CachedQuerier) evictExpired() {
	now := c.now()
	for key, entry := range c.cache {
		if !now.Before(entry.Expiry) {
			delete(c.cache, key)
		}
	}
}

// localize measures rows from center and drops the ones outside radiusKm. Rows without
// coordinates cannot be measured and are dropped as well.
func localize(center geo.Position, radiusKm float64, rows []Row) []Row {
	local := make([]Row, 0, len(rows))
	for _, row := range rows {
		if row.Latitude == nil || row.Longitude == nil {
			continue
		}
		distance := geo.DistanceKm(center, geo.Position{Latitude: *row.Latitude, Longitude: *row.Longitude})
		if distance > radiusKm {
			continue
		}
		row.DistanceKm = &distance
		row.DistanceMeters = nil
		local = append(local, row)
	}
	return local
}

func (k cacheKey) lat() float64 { return float64(k.LatQ) / (1 / coordPrecision) }
func (k cacheKey) lng() float64 { return float64(k.LonQ) / (1 / coordPrecision) }

func quantizeCoord(val float64) int32 {
	return int32(math.Round(val / coordPrecision))
}

func newKey(querier string, lat, lng, radiusKm float64) cacheKey {
	return cacheKey{
		Querier: querier,
		LatQ:    quantizeCoord(lat),
		LonQ:    quantizeCoord(lng),
		Radius:  radiusKm,
	}
}
