package geo

import (
	"math"

	"github.com/example/driver-dispatch/internal/models"
)

const earthRadiusM = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Distance between two points in meters.
func Distance(a, b models.GeoPoint) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Moved reports whether the rounded positions of two samples are more than
// threshold meters apart. A nil previous sample always counts as movement.
func Moved(prev *models.LocationSample, next models.LocationSample, thresholdM float64) bool {
	if prev == nil {
		return true
	}
	p, n := prev.Rounded(), next.Rounded()
	return Haversine(p.Lat, p.Lon, n.Lat, n.Lon) > thresholdM
}
