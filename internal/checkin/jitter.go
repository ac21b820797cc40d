package checkin

import (
	"math"
	"math/rand"
	"strconv"
)

const (
	metersPerDegreeLat = 111320.0
	defaultRadiusM     = 15.0
)

// validateCoordinates checks that both coordinates parse as decimal degrees.
func validateCoordinates(lat, lng string) error {
	if _, err := strconv.ParseFloat(lat, 64); err != nil {
		return err
	}
	_, err := strconv.ParseFloat(lng, 64)
	return err
}

// jitterCoordinate redraws a point uniformly within radiusMeters of
// (lat,lng) so repeated submissions never report the same exact location.
// Inputs and outputs are decimal-degree strings; unparseable radius falls
// back to a small default.
func jitterCoordinate(lat, lng, acc string) (string, string, error) {
	latV, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return "", "", err
	}
	lngV, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return "", "", err
	}
	radius, err := strconv.ParseFloat(acc, 64)
	if err != nil || radius <= 0 {
		radius = defaultRadiusM
	}

	// Uniform over the disc: r = R*sqrt(u) keeps density flat.
	r := radius * math.Sqrt(rand.Float64())
	theta := rand.Float64() * 2 * math.Pi
	dLat := r * math.Cos(theta) / metersPerDegreeLat
	dLng := r * math.Sin(theta) / (metersPerDegreeLat * math.Cos(latV*math.Pi/180))

	return strconv.FormatFloat(latV+dLat, 'f', 6, 64),
		strconv.FormatFloat(lngV+dLng, 'f', 6, 64),
		nil
}
