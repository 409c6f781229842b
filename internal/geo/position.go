// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package geo holds the location data model and the proximity math shared by the location core.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// EarthRadiusKm is the mean earth radius used for great-circle distances.
	EarthRadiusKm = 6371.0
	// TruncPrecision is the number of decimal places kept when a raw fix is truncated.
	TruncPrecision = 6
)

// Position is an immutable latitude/longitude pair in decimal degrees.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid checks if the position is within the WGS84 coordinate bounds.
func (p Position) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

func (p Position) String() string {
	return strconv.FormatFloat(p.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(p.Longitude, 'f', -1, 64)
}

// ParsePosition parses a "lat,lon" string as written by Position.String.
func ParsePosition(s string) (Position, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return Position{}, fmt.Errorf("invalid position %q: expected lat,lon", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Position{}, fmt.Errorf("failed to parse latitude from %q: %w", s, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Position{}, fmt.Errorf("failed to parse longitude from %q: %w", s, err)
	}
	pos := Position{Latitude: lat, Longitude: lon}
	if !pos.Valid() {
		return Position{}, fmt.Errorf("position %q is out of range", s)
	}
	return pos, nil
}

// Provenance tells where the current position came from.
type Provenance int

const (
	// ProvenanceUnknown is used for stored records that do not say how the position was obtained.
	ProvenanceUnknown Provenance = iota
	// ProvenanceAutomatic marks positions delivered by a live fix or a watch callback.
	ProvenanceAutomatic
	// ProvenanceManual marks positions explicitly chosen by the user.
	ProvenanceManual
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceAutomatic:
		return "automatic"
	case ProvenanceManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ParseProvenance is the inverse of Provenance.String. Anything unrecognized is ProvenanceUnknown.
func ParseProvenance(s string) Provenance {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "automatic", "auto", "gps":
		return ProvenanceAutomatic
	case "manual":
		return ProvenanceManual
	default:
		return ProvenanceUnknown
	}
}

// MarshalText encodes the Provenance as its string representation.
func (p Provenance) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a Provenance. Unrecognized values decode as ProvenanceUnknown.
func (p *Provenance) UnmarshalText(text []byte) error {
	*p = ParseProvenance(string(text))
	return nil
}

// Truncate cuts x to the given number of decimal places.
func Truncate(x float64, precision int) float64 {
	p := math.Pow(10, float64(precision))
	return math.Trunc(x*p) / p
}

// Truncated returns p with both coordinates cut to TruncPrecision decimal places.
func (p Position) Truncated() Position {
	return Position{
		Latitude:  Truncate(p.Latitude, TruncPrecision),
		Longitude: Truncate(p.Longitude, TruncPrecision),
	}
}
