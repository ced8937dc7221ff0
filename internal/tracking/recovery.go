package tracking

import (
	"context"
	"fmt"
	"log/slog"

	"backend-transittrack/internal/domain"
	"backend-transittrack/internal/metrics"
	"backend-transittrack/internal/platform"
	"backend-transittrack/internal/remote"

	"golang.org/x/sync/singleflight"
)

type SessionStarter interface {
	StartDriverSession(ctx context.Context, driverID, vehicleID string) (string, error)
	EndDriverSession(ctx context.Context, sessionID string) error
}

// SessionOwner holds the current driver session and is told when tracking
// has to stop.
type SessionOwner interface {
	Session() domain.DutySession
	ReplaceSession(ctx context.Context, sessionID string) error
	Abort(ctx context.Context, reason error)
}

type Alerter interface {
	Notify(ctx context.Context, n platform.Notification) error
}

// Recovery wraps a Sender with one session refresh per failing call.
// Calls that hit the same stale session together share one refresh.
type Recovery struct {
	next     Sender
	sessions SessionStarter
	owner    SessionOwner
	alerter  Alerter
	logger   *slog.Logger

	refreshes singleflight.Group
}

func NewRecovery(next Sender, sessions SessionStarter, owner SessionOwner, alerter Alerter, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{next: next, sessions: sessions, owner: owner, alerter: alerter, logger: logger}
}

// UpdateVehicleLocation sends u under the owner's current session. A stale
// session is refreshed once and the update retried; if the refresh or the
// retry fails, tracking is aborted and domain.ErrTrackingUnrecoverable is
// returned.
func (r *Recovery) UpdateVehicleLocation(ctx context.Context, u domain.LocationUpdate) error {
	session := r.owner.Session()
	u.SessionID = session.SessionID

	err := r.next.UpdateVehicleLocation(ctx, u)
	if err == nil || !remote.IsStaleSession(err) {
		return err
	}

	r.logger.Warn("driver session stale; refreshing", "vehicle_id", u.VehicleID, "session_id", session.SessionID, "error", err)
	sessionID, err := r.refresh(ctx, session, u.VehicleID)
	if err != nil {
		return err
	}

	u.SessionID = sessionID
	if err := r.next.UpdateVehicleLocation(ctx, u); err != nil {
		return r.giveUp(ctx, fmt.Errorf("retry with refreshed session: %w", err))
	}
	metrics.SessionRecoveries.WithLabelValues("recovered").Inc()
	r.logger.Info("driver session refreshed", "vehicle_id", u.VehicleID, "session_id", sessionID)
	return nil
}

// refresh replaces the stale session once for every caller waiting on it.
// A caller arriving after another refresh already replaced it reuses the
// new session. Failures give up tracking inside the shared call, so the
// abort and the alert happen once.
func (r *Recovery) refresh(ctx context.Context, stale domain.DutySession, vehicleID string) (string, error) {
	v, err, shared := r.refreshes.Do(stale.SessionID, func() (any, error) {
		if current := r.owner.Session().SessionID; current != "" && current != stale.SessionID {
			return current, nil
		}
		sessionID, err := r.sessions.StartDriverSession(ctx, stale.DriverID, vehicleID)
		if err != nil {
			return "", r.giveUp(ctx, fmt.Errorf("refresh session: %w", err))
		}
		if err := r.owner.ReplaceSession(ctx, sessionID); err != nil {
			return "", r.giveUp(ctx, fmt.Errorf("persist refreshed session: %w", err))
		}
		if stale.SessionID != "" {
			if err := r.sessions.EndDriverSession(context.WithoutCancel(ctx), stale.SessionID); err != nil {
				r.logger.Debug("ending stale session failed", "session_id", stale.SessionID, "error", err)
			}
		}
		return sessionID, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		r.logger.Debug("joined in-flight session refresh", "vehicle_id", vehicleID)
	}
	return v.(string), nil
}

func (r *Recovery) giveUp(ctx context.Context, cause error) error {
	metrics.SessionRecoveries.WithLabelValues("failed").Inc()
	err := fmt.Errorf("%w: %w", domain.ErrTrackingUnrecoverable, cause)
	r.logger.Error("stopping tracking", "error", err)

	ctx = context.WithoutCancel(ctx)
	r.owner.Abort(ctx, err)
	if r.alerter != nil {
		n := platform.Notification{
			Title: "Location sharing stopped",
			Body:  "Your trip session could not be renewed. Start the trip again to resume sharing.",
		}
		if nerr := r.alerter.Notify(ctx, n); nerr != nil {
			r.logger.Warn("tracking stopped alert failed", "error", nerr)
		}
	}
	return err
}
