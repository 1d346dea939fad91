// Package geo holds the great-circle helpers shared by the display side.
package geo

import (
	"math"

	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius used for all distances.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 position in decimal degrees.
type Point struct {
	Lat float64
	Lng float64
}

// Circle is a named area of interest.
type Circle struct {
	Center       Point
	RadiusMeters float64
}

// DistanceMeters returns the great-circle distance between a and b.
func DistanceMeters(a, b Point) float64 {
	la := s2.LatLngFromDegrees(a.Lat, a.Lng)
	lb := s2.LatLngFromDegrees(b.Lat, b.Lng)
	return la.Distance(lb).Radians() * EarthRadiusMeters
}

// EdgeDistanceMeters returns how far p is from the edge of c; zero when p is inside.
func EdgeDistanceMeters(p Point, c Circle) float64 {
	return math.Max(0, DistanceMeters(p, c.Center)-c.RadiusMeters)
}

// Nearest returns the index of the circle whose edge is closest to p and
// that distance. idx is -1 when circles is empty.
func Nearest(p Point, circles []Circle) (idx int, meters float64) {
	idx = -1
	meters = math.Inf(1)
	for i, c := range circles {
		if d := EdgeDistanceMeters(p, c); d < meters {
			idx, meters = i, d
		}
	}
	return idx, meters
}
