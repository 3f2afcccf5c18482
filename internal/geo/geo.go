package geo

import "math"

const earthRadiusM = 6371000.0

// DistanceM returns the great-circle distance between two coordinates
// in meters (haversine).
func DistanceM(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// WithinRadius reports whether two coordinates are within radiusM
// meters of each other.
func WithinRadius(lat1, lng1, lat2, lng2, radiusM float64) bool {
	return DistanceM(lat1, lng1, lat2, lng2) <= radiusM
}
