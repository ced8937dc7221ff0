package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"backend-transittrack/internal/domain"
)

// LoadBackgroundContext returns nil when no usable context is persisted.
// Contexts from another schema version are treated as absent.
func LoadBackgroundContext(ctx context.Context, s Store) (*domain.BackgroundContext, error) {
	raw, err := s.Get(ctx, KeyBackgroundContext)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var bc domain.BackgroundContext
	if err := json.Unmarshal(raw, &bc); err != nil {
		return nil, fmt.Errorf("%w: background context: %w", ErrMalformed, err)
	}
	if bc.SchemaVersion != domain.BackgroundContextVersion {
		return nil, nil
	}
	return &bc, nil
}

func SaveBackgroundContext(ctx context.Context, s Store, bc domain.BackgroundContext) error {
	if bc.DutyStatus.Active() && bc.VehicleID == "" {
		return fmt.Errorf("%w: active background context without vehicle", domain.ErrConfiguration)
	}
	bc.SchemaVersion = domain.BackgroundContextVersion
	raw, err := json.Marshal(bc)
	if err != nil {
		return err
	}
	return s.Set(ctx, KeyBackgroundContext, raw)
}

func ClearBackgroundContext(ctx context.Context, s Store) error {
	return s.Remove(ctx, KeyBackgroundContext)
}

// LoadActiveTrip returns the raw persisted trip record, or nil when none exists.
// A record that cannot be decoded is reported as an error so the caller can clear it.
func LoadActiveTrip(ctx context.Context, s Store) (*domain.ActiveTrip, error) {
	raw, err := s.Get(ctx, KeyActiveTrip)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var trip domain.ActiveTrip
	if err := json.Unmarshal(raw, &trip); err != nil {
		return nil, fmt.Errorf("%w: active trip: %w", ErrMalformed, err)
	}
	return &trip, nil
}

func SaveActiveTrip(ctx context.Context, s Store, trip domain.ActiveTrip) error {
	raw, err := json.Marshal(trip)
	if err != nil {
		return err
	}
	return s.Set(ctx, KeyActiveTrip, raw)
}

func ClearActiveTrip(ctx context.Context, s Store) error {
	return s.Remove(ctx, KeyActiveTrip)
}
