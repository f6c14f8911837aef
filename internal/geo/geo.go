package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/instapool/internal/models"
)

// ErrInvalidCoordinate reports a malformed longitude/latitude pair.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Validate rejects NaN, infinite and out-of-range coordinates.
func Validate(p models.Point) error {
	if math.IsNaN(p.Lon) || math.IsNaN(p.Lat) || math.IsInf(p.Lon, 0) || math.IsInf(p.Lat, 0) {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinate, p.Lon, p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: (%v, %v) out of range", ErrInvalidCoordinate, p.Lon, p.Lat)
	}
	return nil
}

// Distance returns the great-circle distance between two points in meters.
func Distance(a, b models.Point) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
