// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geo

import (
	"math"
	"strconv"
)

// DistanceKm returns the great-circle distance between a and b in kilometers, rounded to two
// decimal places. We are using the Haversine formula on a spherical earth.
func DistanceKm(a, b Position) float64 {
	return math.Round(haversineKm(a, b)*100) / 100
}

// DistanceMeters returns the unrounded great-circle distance between a and b in meters.
func DistanceMeters(a, b Position) float64 {
	return haversineKm(a, b) * 1000
}

func haversineKm(a, b Position) float64 {
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// FormatDistance renders a distance for display. Below one kilometer the value is shown in whole
// meters, otherwise in kilometers with the precision the value carries.
func FormatDistance(km float64) string {
	if km < 1 {
		return strconv.FormatFloat(math.Round(km*1000), 'f', 0, 64) + "m"
	}
	return strconv.FormatFloat(km, 'f', -1, 64) + "km"
}
