// Package geo holds the distance math used by tracking and point completion.
package geo

import (
	"errors"
	"math"

	"apjsurvey/internal/domain"
)

// EarthRadiusKm is the mean Earth radius used by the haversine formula.
const EarthRadiusKm = 6371.0

// ErrNoFix is returned by fix providers when no GPS reading is currently available.
// Callers treat it as transient.
var ErrNoFix = errors.New("no gps fix available")

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// HaversineKm returns the great-circle distance in kilometres. Out-of-range or NaN input is not
// rejected; NaN propagates to the result.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// PathDistanceKm sums the haversine distance over consecutive points.
func PathDistanceKm(points []domain.PathPoint) float64 {
	if len(points) < 2 {
		return 0
	}
	total := 0.0
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		total += HaversineKm(prev.Lat, prev.Lng, cur.Lat, cur.Lng)
	}
	return total
}

// Nearest returns the candidate closest to fix. ok is false when fix is nil or there are no
// candidates.
func Nearest(fix *domain.Fix, candidates []domain.RefPoint) (best domain.RefPoint, distKm float64, ok bool) {
	if fix == nil || len(candidates) == 0 {
		return domain.RefPoint{}, 0, false
	}
	distKm = math.Inf(1)
	for _, c := range candidates {
		d := HaversineKm(fix.Latitude, fix.Longitude, c.Lat, c.Lng)
		if d < distKm || !ok {
			best, distKm, ok = c, d, true
		}
	}
	return best, distKm, ok
}
