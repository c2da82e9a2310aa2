// Package geo provides the pure geospatial primitives the tracking core is
// built on: great-circle distance, initial bearing, and the corridor test
// used for route-deviation detection. All functions are stateless.
package geo

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// earthRadiusMeters is the mean Earth radius used for all spherical math.
const earthRadiusMeters = 6371000.0

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Coordinate is an immutable latitude/longitude pair in degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate reports whether the coordinate is a real point on the globe:
// latitude in [-90,90], longitude in [-180,180], neither NaN nor Inf.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || math.IsInf(c.Latitude, 0) ||
		math.IsNaN(c.Longitude) || math.IsInf(c.Longitude, 0) ||
		c.Latitude < -90 || c.Latitude > 90 ||
		c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinate, c.Latitude, c.Longitude)
	}
	return nil
}

// Sample is a coordinate reported by a member's device at a point in time.
type Sample struct {
	Coordinate
	Timestamp time.Time `json:"timestamp"`
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

// Distance returns the great-circle (haversine) distance between a and b in
// meters. Symmetric; Distance(a,a) == 0.
func Distance(a, b Coordinate) float64 {
	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(toRadians(a.Latitude))*math.Cos(toRadians(b.Latitude))*sinLon*sinLon
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

// Bearing returns the initial bearing from a to b in degrees, [0,360).
func Bearing(a, b Coordinate) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// CrossTrackDistance returns the perpendicular distance in meters from p to
// the great-circle path running origin->target. The sign indicates which side
// of the path p lies on; callers interested only in deviation magnitude should
// take the absolute value.
func CrossTrackDistance(p, origin, target Coordinate) float64 {
	angDist := Distance(origin, p) / earthRadiusMeters
	bearingToP := toRadians(Bearing(origin, p))
	bearingToTarget := toRadians(Bearing(origin, target))
	return math.Asin(math.Sin(angDist)*math.Sin(bearingToP-bearingToTarget)) * earthRadiusMeters
}

// alongTrackDistance returns how far along the origin->target path the closest
// point to p lies, in meters from origin.
func alongTrackDistance(p, origin, target Coordinate) float64 {
	angDist := Distance(origin, p) / earthRadiusMeters
	crossTrack := CrossTrackDistance(p, origin, target) / earthRadiusMeters

	// Guard acos against floating-point drift just outside [-1,1].
	ratio := math.Cos(angDist) / math.Cos(crossTrack)
	ratio = math.Max(-1, math.Min(1, ratio))
	return math.Acos(ratio) * earthRadiusMeters
}

// WithinCorridor reports whether current lies inside the tolerance band around
// the great-circle path origin->target without having overshot target by more
// than overshootMarginMeters. When origin and target coincide the corridor
// degenerates to a circle of radius toleranceMeters around target.
func WithinCorridor(current, origin, target Coordinate, toleranceMeters, overshootMarginMeters float64) (bool, error) {
	for _, c := range []Coordinate{current, origin, target} {
		if err := c.Validate(); err != nil {
			return false, err
		}
	}

	pathLength := Distance(origin, target)
	if pathLength < 1 {
		return Distance(current, target) <= toleranceMeters, nil
	}

	if math.Abs(CrossTrackDistance(current, origin, target)) > toleranceMeters {
		return false, nil
	}
	if alongTrackDistance(current, origin, target) > pathLength+overshootMarginMeters {
		return false, nil
	}
	return true, nil
}
