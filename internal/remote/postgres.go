package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"backend-transittrack/internal/db"
	"backend-transittrack/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PingTable is the table ping change events are published for.
const PingTable = "ping_notifications"

// Publisher emits change events to realtime subscribers.
type Publisher interface {
	Publish(ctx context.Context, table, filter string, event domain.ChangeEvent) error
}

// Postgres is the row-store side of the remote data service.
type Postgres struct {
	db     db.Querier
	feed   Publisher
	logger *slog.Logger
}

func NewPostgres(q db.Querier, feed Publisher, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: q, feed: feed, logger: logger}
}

// UpdateVehicleLocation writes the vehicle's current position. When the
// update carries a session reference the session must still be open.
// Samples older than the stored one change nothing and are reported as
// domain.ErrSuperseded, so concurrent producers converge on the newest
// position.
func (p *Postgres) UpdateVehicleLocation(ctx context.Context, u domain.LocationUpdate) error {
	if u.SessionID != "" {
		var open bool
		err := p.db.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM driver_sessions WHERE id=$1 AND ended_at IS NULL)
		`, u.SessionID).Scan(&open)
		if err != nil {
			return classify("check session", err)
		}
		if !open {
			return fmt.Errorf("update vehicle location: %w: session %s", domain.ErrStaleSession, u.SessionID)
		}
	}

	tag, err := p.db.Exec(ctx, `
		UPDATE vehicles
		SET current_location = ST_SetSRID(ST_MakePoint($2,$3), 4326)::geography,
		    current_accuracy_m = $4,
		    current_speed_kmh = $5,
		    location_updated_at = $6
		WHERE id=$1 AND (location_updated_at IS NULL OR location_updated_at <= $6)
	`, u.VehicleID, u.Lng, u.Lat, u.AccuracyMeters, u.SpeedKmh, u.RecordedAt)
	if err != nil {
		return classify("update vehicle location", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update vehicle location %s at %s: %w", u.VehicleID, u.RecordedAt.Format(time.RFC3339), domain.ErrSuperseded)
	}
	return nil
}

// ClearVehicleLocation removes the current position. Bumping
// location_updated_at makes late writes from the ended trip lose.
func (p *Postgres) ClearVehicleLocation(ctx context.Context, vehicleID string) error {
	_, err := p.db.Exec(ctx, `
		UPDATE vehicles
		SET current_location = NULL, current_speed_kmh = NULL, location_updated_at = now()
		WHERE id=$1
	`, vehicleID)
	return err
}

func (p *Postgres) StartDriverSession(ctx context.Context, driverID, vehicleID string) (string, error) {
	id := uuid.NewString()
	row := p.db.QueryRow(ctx, `
		INSERT INTO driver_sessions (id, driver_id, vehicle_id, started_at)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, id, driverID, vehicleID, time.Now())
	if err := row.Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) EndDriverSession(ctx context.Context, sessionID string) error {
	_, err := p.db.Exec(ctx, `
		UPDATE driver_sessions SET ended_at = now()
		WHERE id=$1 AND ended_at IS NULL
	`, sessionID)
	return err
}

func (p *Postgres) SetVehicleStatus(ctx context.Context, vehicleID, status string) error {
	_, err := p.db.Exec(ctx, `UPDATE vehicles SET status=$2 WHERE id=$1`, vehicleID, status)
	return err
}

func (p *Postgres) SetDriverStatus(ctx context.Context, driverID, status string) error {
	_, err := p.db.Exec(ctx, `UPDATE drivers SET status=$2, updated_at=now() WHERE id=$1`, driverID, status)
	return err
}

// AssignedVehicle returns "" when the driver has no vehicle bound.
func (p *Postgres) AssignedVehicle(ctx context.Context, driverID string) (string, error) {
	var vehicleID string
	err := p.db.QueryRow(ctx, `SELECT COALESCE(vehicle_id, '') FROM drivers WHERE id=$1`, driverID).Scan(&vehicleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return vehicleID, nil
}

func (p *Postgres) ListPings(ctx context.Context, vehicleID string) ([]domain.PingNotification, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, vehicle_id, ST_Y(passenger_location::geometry), ST_X(passenger_location::geometry), COALESCE(message,''), status, created_at
		FROM ping_notifications WHERE vehicle_id=$1
		ORDER BY created_at DESC
	`, vehicleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pings []domain.PingNotification
	for rows.Next() {
		var n domain.PingNotification
		var status string
		if err := rows.Scan(&n.ID, &n.VehicleID, &n.PassengerLat, &n.PassengerLng, &n.Message, &status, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Status = domain.PingStatus(status)
		pings = append(pings, n)
	}
	return pings, rows.Err()
}

// UpdatePingStatus moves a ping to status `to` if it is currently in one of
// `from`. It returns domain.ErrPingTransition when no row qualified.
func (p *Postgres) UpdatePingStatus(ctx context.Context, pingID string, from []domain.PingStatus, to domain.PingStatus) error {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	var vehicleID string
	err := p.db.QueryRow(ctx, `
		UPDATE ping_notifications SET status=$2, updated_at=now()
		WHERE id=$1 AND status = ANY($3)
		RETURNING vehicle_id
	`, pingID, string(to), allowed).Scan(&vehicleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("ping %s to %s: %w", pingID, to, domain.ErrPingTransition)
	}
	if err != nil {
		return err
	}

	if p.feed != nil {
		event := domain.ChangeEvent{
			Type:   domain.ChangeUpdate,
			Table:  PingTable,
			Record: map[string]any{"id": pingID, "vehicle_id": vehicleID, "status": string(to)},
		}
		if err := p.feed.Publish(ctx, PingTable, VehicleFilter(vehicleID), event); err != nil {
			p.logger.Warn("ping change publish failed", "ping_id", pingID, "error", err)
		}
	}
	return nil
}
