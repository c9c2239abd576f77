package domain

import (
	"math"
	"time"
)

const earthRadiusMeters = 6371000

// Fix is an immutable position sample reported by a PositionProvider.
type Fix struct {
	Lat                float64   `json:"lat"`
	Lon                float64   `json:"lon"`
	HorizontalAccuracy float64   `json:"horizontal_accuracy"` // meters, negative = invalid
	Timestamp          time.Time `json:"timestamp"`
}

// Valid reports whether the receiver produced a usable accuracy estimate.
func (f Fix) Valid() bool {
	return f.HorizontalAccuracy >= 0
}

// Age returns how long ago the fix was taken relative to now.
func (f Fix) Age(now time.Time) time.Duration {
	return now.Sub(f.Timestamp)
}

// DistanceTo returns the great-circle distance in meters between two fixes.
func (f Fix) DistanceTo(other Fix) float64 {
	return Haversine(f.Lat, f.Lon, other.Lat, other.Lon)
}

// Haversine calculates the distance in meters between two lat/lon points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}
