package tracking

import (
	"sync"
	"time"

	"backend-transittrack/internal/domain"
	"backend-transittrack/internal/shared/geo"
)

// Summary is the running trip summary shown to the driver.
type Summary struct {
	VehicleID     string    `json:"vehicle_id"`
	StartedAt     time.Time `json:"started_at"`
	PointCount    int       `json:"point_count"`
	DistanceM     float64   `json:"distance_m"`
	DurationSec   int64     `json:"duration_sec"`
	AverageSpeedM float64   `json:"average_speed_mps"`
}

// Meter accumulates distance over the samples of the current trip. Samples
// older than the last one seen are counted but add no distance, since both
// producers feed it.
type Meter struct {
	mu        sync.Mutex
	vehicleID string
	startedAt time.Time
	endedAt   time.Time
	last      *domain.LocationSample
	points    int
	distanceM float64
}

func NewMeter() *Meter {
	return &Meter{}
}

func (m *Meter) Reset(vehicleID string, startedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicleID = vehicleID
	m.startedAt = startedAt
	m.endedAt = time.Time{}
	m.last = nil
	m.points = 0
	m.distanceM = 0
}

// Stop freezes the duration at endedAt.
func (m *Meter) Stop(endedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endedAt.IsZero() {
		m.endedAt = endedAt
	}
}

func (m *Meter) Add(s domain.LocationSample) {
	if s.Validate() != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vehicleID == "" || !m.endedAt.IsZero() {
		return
	}
	m.points++
	if m.last != nil && s.SampledAt.Before(m.last.SampledAt) {
		return
	}
	if m.last != nil {
		m.distanceM += geo.HaversineKm(m.last.Latitude, m.last.Longitude, s.Latitude, s.Longitude) * 1000
	}
	m.last = &s
}

func (m *Meter) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var duration time.Duration
	if !m.startedAt.IsZero() {
		duration = time.Since(m.startedAt)
		if !m.endedAt.IsZero() {
			duration = m.endedAt.Sub(m.startedAt)
		}
	}
	avgSpeed := 0.0
	if duration.Seconds() > 0 {
		avgSpeed = m.distanceM / duration.Seconds()
	}
	return Summary{
		VehicleID:     m.vehicleID,
		StartedAt:     m.startedAt,
		PointCount:    m.points,
		DistanceM:     m.distanceM,
		DurationSec:   int64(duration.Seconds()),
		AverageSpeedM: avgSpeed,
	}
}
