package duty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"backend-transittrack/internal/domain"
	"backend-transittrack/internal/metrics"
)

// Cleanup steps run after a trip ends, in order.
const (
	StepStopForeground = "stop_foreground"
	StepStopBackground = "stop_background"
	StepDiscardBacklog = "discard_backlog"
	StepClearLocation  = "clear_vehicle_location"
	StepEndSession     = "end_driver_session"
	StepVehicleStatus  = "vehicle_status"
	StepDriverStatus   = "driver_status"

	stepClearActiveTrip = "clear_active_trip"
)

// CleanupReport aggregates the steps that failed after a trip ended.
type CleanupReport struct {
	VehicleID string
	SessionID string
	Failed    []string
	Err       error
}

func (r CleanupReport) Summary() string {
	if len(r.Failed) == 0 {
		return ""
	}
	return "cleanup incomplete: " + strings.Join(r.Failed, ", ")
}

// cleanup runs each step inside its own error boundary so one failure
// cannot keep the rest from running.
type cleanup struct {
	machine *Machine
	timeout time.Duration

	mu     sync.Mutex
	failed []string
	errs   []error
}

func (c *cleanup) run(ctx context.Context, step string, fn func(context.Context) error) {
	stepCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(stepCtx)
	}()
	if err != nil {
		c.fail(step, err)
	}
}

func (c *cleanup) fail(step string, err error) {
	metrics.CleanupFailures.WithLabelValues(step).Inc()
	c.machine.logger.Warn("trip cleanup step failed", "step", step, "error", err)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, step)
	c.errs = append(c.errs, fmt.Errorf("%s: %w", step, err))
}

func (c *cleanup) finish(ctx context.Context, prev domain.DutySession, track Tracking, driverStatus string) CleanupReport {
	backend := c.machine.backend

	c.run(ctx, StepStopBackground, track.Background.Stop)
	c.run(ctx, StepDiscardBacklog, func(ctx context.Context) error {
		if track.Backlog == nil {
			return nil
		}
		n, err := track.Backlog.Discard(ctx, prev.VehicleID)
		if n > 0 {
			c.machine.logger.Info("discarded replay backlog", "vehicle_id", prev.VehicleID, "count", n)
		}
		return err
	})
	c.run(ctx, StepClearLocation, func(ctx context.Context) error {
		return backend.ClearVehicleLocation(ctx, prev.VehicleID)
	})
	c.run(ctx, StepEndSession, func(ctx context.Context) error {
		return backend.EndDriverSession(ctx, prev.SessionID)
	})
	c.run(ctx, StepVehicleStatus, func(ctx context.Context) error {
		return backend.SetVehicleStatus(ctx, prev.VehicleID, domain.VehicleAvailable)
	})
	c.run(ctx, StepDriverStatus, func(ctx context.Context) error {
		return backend.SetDriverStatus(ctx, prev.DriverID, driverStatus)
	})
	return c.report(prev)
}

func (c *cleanup) report(prev domain.DutySession) CleanupReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CleanupReport{
		VehicleID: prev.VehicleID,
		SessionID: prev.SessionID,
		Failed:    append([]string(nil), c.failed...),
		Err:       errors.Join(c.errs...),
	}
}
