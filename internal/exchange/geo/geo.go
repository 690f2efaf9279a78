// Package geo provides the distance and geofence math for check-in
// verification. Pure computation, no state.
package geo

import (
	"fmt"

	"github.com/umahmood/haversine"

	dErrors "handoff/pkg/domain-errors"
)

// DistanceMeters returns the great-circle distance between two coordinates.
// Coordinates outside the valid range are rejected; a malformed fix must not
// be recorded as evidence.
func DistanceMeters(latA, lngA, latB, lngB float64) (float64, error) {
	if err := ValidateCoordinate(latA, lngA); err != nil {
		return 0, err
	}
	if err := ValidateCoordinate(latB, lngB); err != nil {
		return 0, err
	}
	_, km := haversine.Distance(
		haversine.Coord{Lat: latA, Lon: lngA},
		haversine.Coord{Lat: latB, Lon: lngB},
	)
	return km * 1000, nil
}

// InGeofence reports whether a distance falls within the geofence radius.
// The boundary itself counts as inside.
func InGeofence(distanceM, radiusM float64) bool {
	return distanceM <= radiusM
}

// ValidateCoordinate rejects latitudes beyond ±90 and longitudes beyond ±180.
func ValidateCoordinate(lat, lng float64) error {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return dErrors.New(dErrors.CodeInvalidCoordinate,
			fmt.Sprintf("coordinate out of range: lat=%v lng=%v", lat, lng))
	}
	return nil
}
