package notify

import "math"

const earthRadiusKm = 6371.0

var modeSpeedKmh = map[string]float64{
	"driving":     40,
	"two_wheeler": 35,
	"walking":     5,
}

// DistanceKm returns the great-circle distance between two coordinates.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// TravelMinutes estimates door-to-door travel time for a transport
// mode. Unknown modes fall back to driving speed.
func TravelMinutes(distanceKm float64, mode string) int {
	speed, ok := modeSpeedKmh[mode]
	if !ok {
		speed = modeSpeedKmh["driving"]
	}
	minutes := distanceKm / speed * 60
	return int(math.Ceil(minutes))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
