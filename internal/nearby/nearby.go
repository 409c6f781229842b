// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package nearby validates nearby seller queries, delegates the spatial search to a geospatial
// backend function and normalizes the rows it returns.
package nearby

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/wneessen/vendorloc/internal/geo"
	"github.com/wneessen/vendorloc/internal/logger"
)

const (
	DefaultRadiusKm = 5.0
	MaxRadiusKm     = 50.0
)

// Row is a result row of the geospatial backend function. Backends disagree on which fields they
// fill, so everything optional is a pointer.
type Row struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	DistanceKm     *float64 `json:"distance_km"`
	DistanceMeters *float64 `json:"distance_meters"`
	IsOpen         *bool    `json:"is_open"`
	Rating         *float64 `json:"rating"`
	Category       string   `json:"category"`
}

// Entity is a normalized nearby seller.
type Entity struct {
	ID         string       `json:"id"`
	Name       string       `json:"name,omitempty"`
	Position   geo.Position `json:"position"`
	DistanceKm float64      `json:"distance_km"`
	Distance   string       `json:"distance"`
	IsOpen     bool         `json:"is_open"`
	Rating     float64      `json:"rating"`
	Category   string       `json:"category,omitempty"`
}

// Querier is a geospatial query service.
type Querier interface {
	Name() string
	FindNearby(ctx context.Context, lat, lng, radiusKm float64) ([]Row, error)
}

// Options configures an Adapter. Zero values fall back to the package defaults, a zero cache TTL
// disables caching.
type Options struct {
	DefaultRadiusKm float64
	MaxRadiusKm     float64
	CacheHitTTL     time.Duration
	CacheMissTTL    time.Duration
}

// Adapter is the nearby query adapter.
type Adapter struct {
	querier Querier
	opts    Options
	logger  *logger.Logger
}

// NewAdapter returns an Adapter for querier. If a cache TTL is set, the querier is wrapped in a
// CachedQuerier.
func NewAdapter(querier Querier, opts Options, log *logger.Logger) *Adapter {
	if opts.DefaultRadiusKm <= 0 {
		opts.DefaultRadiusKm = DefaultRadiusKm
	}
	if opts.MaxRadiusKm <= 0 {
		opts.MaxRadiusKm = MaxRadiusKm
	}
	if opts.DefaultRadiusKm > opts.MaxRadiusKm {
		opts.DefaultRadiusKm = opts.MaxRadiusKm
	}
	if opts.CacheHitTTL > 0 {
		querier = NewCachedQuerier(querier, opts.CacheHitTTL, opts.CacheMissTTL)
	}
	return &Adapter{querier: querier, opts: opts, logger: log}
}

// Name returns the name of the underlying querier.
func (a *Adapter) Name() string {
	return a.querier.Name()
}

// Find returns the sellers within radiusKm of center, nearest first. It never returns a nil
// slice. On failure the returned error is a *geo.Error and the slice is empty.
func (a *Adapter) Find(ctx context.Context, center *geo.Position, radiusKm float64) ([]Entity, error) {
	if center == nil {
		return []Entity{}, geo.NewError(geo.CodeNoLocation, "no current position to search from", nil)
	}
	if !center.Valid() {
		return []Entity{}, geo.NewError(geo.CodeNoLocation, "search position is out of range", nil)
	}

	radius := a.NormalizeRadius(radiusKm)
	rows, err := a.querier.FindNearby(ctx, center.Latitude, center.Longitude, radius)
	if err != nil {
		a.logger.Warn("nearby query failed", slog.String("querier", a.querier.Name()),
			slog.Float64("radius_km", radius), logger.Err(err))
		return []Entity{}, geo.NewError(geo.CodeFetchError, "failed to fetch nearby sellers", err)
	}

	entities := Normalize(*center, rows)
	a.logger.Debug("nearby query finished", slog.String("querier", a.querier.Name()),
		slog.Float64("radius_km", radius), slog.Int("rows", len(rows)), slog.Int("entities", len(entities)))
	return entities, nil
}

// NormalizeRadius returns the radius in kilometers that is actually sent to the backend. A non
// positive or invalid radius uses the default, a radius above the maximum is capped.
func (a *Adapter) NormalizeRadius(radiusKm float64) float64 {
	switch {
	case math.IsNaN(radiusKm) || radiusKm <= 0:
		return a.opts.DefaultRadiusKm
	case radiusKm > a.opts.MaxRadiusKm:
		return a.opts.MaxRadiusKm
	default:
		return radiusKm
	}
}

// Normalize converts backend rows to entities. Rows without an ID or with invalid coordinates are
// dropped. Distances are always in kilometers, rounded like geo.DistanceKm, and computed locally
// when the backend did not send one. The result is sorted by distance.
func Normalize(center geo.Position, rows []Row) []Entity {
	entities := make([]Entity, 0, len(rows))
	for _, row := range rows {
		if strings.TrimSpace(row.ID) == "" || row.Latitude == nil || row.Longitude == nil {
			continue
		}
		pos := geo.Position{Latitude: *row.Latitude, Longitude: *row.Longitude}
		if !pos.Valid() {
			continue
		}

		var distance float64
		switch {
		case row.DistanceKm != nil && *row.DistanceKm >= 0:
			distance = math.Round(*row.DistanceKm*100) / 100
		case row.DistanceMeters != nil && *row.DistanceMeters >= 0:
			distance = math.Round(*row.DistanceMeters/10) / 100
		default:
			distance = geo.DistanceKm(center, pos)
		}

		entity := Entity{
			ID:         row.ID,
			Name:       row.Name,
			Position:   pos,
			DistanceKm: distance,
			Distance:   geo.FormatDistance(distance),
			Category:   row.Category,
		}
		if row.IsOpen != nil {
			entity.IsOpen = *row.IsOpen
		}
		if row.Rating != nil && !math.IsNaN(*row.Rating) {
			entity.Rating = *row.Rating
		}
		entities = append(entities, entity)
	}

	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].DistanceKm < entities[j].DistanceKm
	})
	return entities
}
