package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestValidateRejectsNonFinite(t *testing.T) {
	bad := []LocationSample{
		{Latitude: math.NaN(), Longitude: 106.8},
		{Latitude: -6.2, Longitude: math.Inf(1)},
		{Latitude: math.Inf(-1), Longitude: math.NaN()},
		{Latitude: 91, Longitude: 0},
		{Latitude: 0, Longitude: -181},
	}
	for _, s := range bad {
		if err := s.Validate(); !errors.Is(err, ErrInvalidSample) {
			t.Fatalf("expected invalid sample for %+v, got %v", s, err)
		}
	}
	if err := (LocationSample{Latitude: -6.2, Longitude: 106.8}).Validate(); err != nil {
		t.Fatalf("expected valid sample: %v", err)
	}
}

func TestUpdateConvertsUnits(t *testing.T) {
	acc := 12.5
	speed := 10.0
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	u := LocationSample{Latitude: -6.2, Longitude: 106.8, Accuracy: &acc, SpeedMetersPerSecond: &speed, SampledAt: at}.Update("V1")
	if u.VehicleID != "V1" || u.Lat != -6.2 || u.Lng != 106.8 {
		t.Fatalf("unexpected update: %+v", u)
	}
	if u.SpeedKmh != 36 {
		t.Fatalf("expected 36 km/h, got %v", u.SpeedKmh)
	}
	if u.AccuracyMeters != 12.5 || !u.RecordedAt.Equal(at) {
		t.Fatalf("unexpected accuracy or time: %+v", u)
	}
}

func TestUpdateDefaults(t *testing.T) {
	negative := -1.0
	u := LocationSample{Latitude: 1, Longitude: 2, SpeedMetersPerSecond: &negative}.Update("V1")
	if u.AccuracyMeters != DefaultAccuracyMeters {
		t.Fatalf("expected default accuracy, got %v", u.AccuracyMeters)
	}
	if u.SpeedKmh != 0 {
		t.Fatalf("expected zero speed, got %v", u.SpeedKmh)
	}
	if u.RecordedAt.IsZero() {
		t.Fatalf("expected recorded time")
	}
}

func TestDutyStatusActive(t *testing.T) {
	if !StatusOnTrip.Active() || !StatusOnDuty.Active() {
		t.Fatalf("expected active statuses")
	}
	if StatusOffDuty.Active() || DutyStatus("paused").Active() {
		t.Fatalf("expected inactive statuses")
	}
}
