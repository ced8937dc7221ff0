package domain

import "time"

type DutyStatus string

const (
	StatusOffDuty DutyStatus = "off_duty"
	StatusOnDuty  DutyStatus = "on_duty"
	StatusOnTrip  DutyStatus = "on_trip"
)

// Active reports whether location updates should be sent for this status.
func (s DutyStatus) Active() bool {
	return s == StatusOnTrip || s == StatusOnDuty
}

type DutySession struct {
	DriverID  string     `json:"driver_id"`
	VehicleID string     `json:"vehicle_id"`
	SessionID string     `json:"session_id"`
	Status    DutyStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
}

// BackgroundContextVersion is bumped whenever the persisted layout changes.
// Contexts written with any other version are treated as absent.
const BackgroundContextVersion = 1

type BackgroundContext struct {
	VehicleID     string     `json:"vehicle_id"`
	DutyStatus    DutyStatus `json:"duty_status"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SchemaVersion int        `json:"schema_version"`
}

// ActiveTrip is the durable evidence that a trip was running when the
// process last stopped.
type ActiveTrip struct {
	DriverID  string    `json:"driver_id"`
	VehicleID string    `json:"vehicle_id"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

type LocationSample struct {
	Latitude             float64   `json:"latitude" cbor:"1,keyasint"`
	Longitude            float64   `json:"longitude" cbor:"2,keyasint"`
	Accuracy             *float64  `json:"accuracy,omitempty" cbor:"3,keyasint,omitempty"`
	SpeedMetersPerSecond *float64  `json:"speed_mps,omitempty" cbor:"4,keyasint,omitempty"`
	SampledAt            time.Time `json:"sampled_at" cbor:"5,keyasint"`
}

// LocationUpdate is the payload written to the vehicle record.
type LocationUpdate struct {
	VehicleID      string    `json:"vehicle_id"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyMeters float64   `json:"accuracy"`
	SpeedKmh       float64   `json:"speed_kmh"`
	RecordedAt     time.Time `json:"recorded_at"`
	SessionID      string    `json:"session_id,omitempty"`
}

type QueuedUpdate struct {
	ID         string         `json:"id" cbor:"1,keyasint"`
	VehicleID  string         `json:"vehicle_id" cbor:"2,keyasint"`
	Sample     LocationSample `json:"sample" cbor:"3,keyasint"`
	EnqueuedAt time.Time      `json:"enqueued_at" cbor:"4,keyasint"`
}

type PingStatus string

const (
	PingPending      PingStatus = "pending"
	PingAcknowledged PingStatus = "acknowledged"
	PingCompleted    PingStatus = "completed"
)

type PingNotification struct {
	ID           string     `json:"id"`
	VehicleID    string     `json:"vehicle_id"`
	PassengerLat float64    `json:"passenger_lat"`
	PassengerLng float64    `json:"passenger_lng"`
	Message      string     `json:"message"`
	Status       PingStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
}

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one row change delivered by the realtime stream.
type ChangeEvent struct {
	Type   ChangeType     `json:"type"`
	Table  string         `json:"table"`
	Record map[string]any `json:"record"`
}

// Availability flags written to the driver and vehicle rows.
const (
	VehicleAvailable = "available"
	VehicleInService = "in_service"
	DriverAvailable  = "available"
	DriverOnTrip     = "on_trip"
	DriverOffline    = "offline"
)
