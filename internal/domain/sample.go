package domain

import (
	"fmt"
	"math"
	"time"
)

// DefaultAccuracyMeters is reported when the device omits accuracy.
const DefaultAccuracyMeters = 100.0

const metersPerSecondToKmh = 3.6

// Validate rejects coordinates that cannot be placed on a map.
func (s LocationSample) Validate() error {
	if math.IsNaN(s.Latitude) || math.IsInf(s.Latitude, 0) ||
		math.IsNaN(s.Longitude) || math.IsInf(s.Longitude, 0) {
		return fmt.Errorf("%w: non-finite coordinates", ErrInvalidSample)
	}
	if s.Latitude < -90 || s.Latitude > 90 || s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidSample)
	}
	return nil
}

// Update converts a device sample into the remote contract for vehicleID.
// Negative or missing speeds are reported as zero.
func (s LocationSample) Update(vehicleID string) LocationUpdate {
	accuracy := DefaultAccuracyMeters
	if s.Accuracy != nil && *s.Accuracy > 0 && !math.IsInf(*s.Accuracy, 0) {
		accuracy = *s.Accuracy
	}
	speed := 0.0
	if s.SpeedMetersPerSecond != nil && *s.SpeedMetersPerSecond > 0 && !math.IsInf(*s.SpeedMetersPerSecond, 0) {
		speed = *s.SpeedMetersPerSecond * metersPerSecondToKmh
	}
	recorded := s.SampledAt
	if recorded.IsZero() {
		recorded = time.Now()
	}
	return LocationUpdate{
		VehicleID:      vehicleID,
		Lat:            s.Latitude,
		Lng:            s.Longitude,
		AccuracyMeters: accuracy,
		SpeedKmh:       speed,
		RecordedAt:     recorded,
	}
}
