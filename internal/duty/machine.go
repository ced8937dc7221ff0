// Package duty owns the driver's duty state. Every transition goes through
// Machine, which starts and stops tracking and persists what a cold start
// needs to resume a trip.
package duty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"backend-transittrack/internal/contextstore"
	"backend-transittrack/internal/domain"
)

var errNoTrip = errors.New("duty: no trip in progress")

// Backend is the slice of the remote data service the machine drives.
type Backend interface {
	AssignedVehicle(ctx context.Context, driverID string) (string, error)
	StartDriverSession(ctx context.Context, driverID, vehicleID string) (string, error)
	EndDriverSession(ctx context.Context, sessionID string) error
	ClearVehicleLocation(ctx context.Context, vehicleID string) error
	SetVehicleStatus(ctx context.Context, vehicleID, status string) error
	SetDriverStatus(ctx context.Context, driverID, status string) error
}

type BackgroundAgent interface {
	Start(ctx context.Context, bc domain.BackgroundContext) error
	Stop(ctx context.Context) error
}

type ForegroundLoop interface {
	Start(ctx context.Context, vehicleID string)
	Stop()
}

type Backlog interface {
	Discard(ctx context.Context, vehicleID string) (int, error)
}

type Drainer interface {
	Drain(ctx context.Context)
}

type TripMeter interface {
	Reset(vehicleID string, startedAt time.Time)
	Stop(endedAt time.Time)
}

// Tracking bundles the components a trip starts and stops. They are
// attached after construction because session recovery needs the machine.
type Tracking struct {
	Background BackgroundAgent
	Foreground ForegroundLoop
	Backlog    Backlog
	Drainer    Drainer
	Meter      TripMeter
}

type Options struct {
	CleanupStepTimeout time.Duration
	Logger             *slog.Logger
}

// Snapshot is the observable duty state.
type Snapshot struct {
	Session   domain.DutySession `json:"session"`
	Visible   bool               `json:"visible"`
	LoggedOut bool               `json:"logged_out"`
}

type Machine struct {
	store   contextstore.Store
	backend Backend
	opts    Options
	logger  *slog.Logger
	track   Tracking

	mu        sync.RWMutex
	session   domain.DutySession
	visible   bool
	loggedOut bool
	cleanup   chan struct{}

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

func New(store contextstore.Store, backend Backend, opts Options) *Machine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CleanupStepTimeout <= 0 {
		opts.CleanupStepTimeout = 10 * time.Second
	}
	return &Machine{
		store:   store,
		backend: backend,
		opts:    opts,
		logger:  logger,
		session: domain.DutySession{Status: domain.StatusOffDuty},
		subs:    map[int]chan Event{},
	}
}

// Attach wires the tracking components. It must be called before Restore
// or StartTrip.
func (m *Machine) Attach(t Tracking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track = t
}

func (m *Machine) Session() domain.DutySession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Session: m.session, Visible: m.visible, LoggedOut: m.loggedOut}
}

// Active reports whether vehicleID is on an active duty.
func (m *Machine) Active(vehicleID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Status.Active() && m.session.VehicleID == vehicleID
}

// StartTrip opens a driver session and starts tracking on the driver's
// assigned vehicle. With no assignment the call fails with
// domain.ErrNoVehicleAssigned before any side effect; a non-empty vehicleID
// must match the assignment.
func (m *Machine) StartTrip(ctx context.Context, driverID, vehicleID string) (domain.DutySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loggedOut {
		return domain.DutySession{}, domain.ErrLoggedOut
	}
	if m.session.Status == domain.StatusOnTrip {
		return domain.DutySession{}, domain.ErrTripInProgress
	}
	if driverID == "" {
		return domain.DutySession{}, fmt.Errorf("%w: driver id required", domain.ErrConfiguration)
	}
	if err := m.awaitCleanup(ctx); err != nil {
		return domain.DutySession{}, err
	}

	assigned, err := m.backend.AssignedVehicle(ctx, driverID)
	if err != nil {
		return domain.DutySession{}, fmt.Errorf("resolve vehicle: %w", err)
	}
	if assigned == "" {
		return domain.DutySession{}, domain.ErrNoVehicleAssigned
	}
	if vehicleID != "" && vehicleID != assigned {
		return domain.DutySession{}, fmt.Errorf("%w: vehicle %s is not assigned to driver %s", domain.ErrConfiguration, vehicleID, driverID)
	}
	vehicleID = assigned

	sessionID, err := m.backend.StartDriverSession(ctx, driverID, vehicleID)
	if err != nil {
		return domain.DutySession{}, fmt.Errorf("start driver session: %w", err)
	}
	startedAt := time.Now().UTC()
	session := domain.DutySession{
		DriverID:  driverID,
		VehicleID: vehicleID,
		SessionID: sessionID,
		Status:    domain.StatusOnTrip,
		StartedAt: startedAt,
	}

	trip := domain.ActiveTrip{DriverID: driverID, VehicleID: vehicleID, SessionID: sessionID, StartedAt: startedAt}
	if err := contextstore.SaveActiveTrip(ctx, m.store, trip); err != nil {
		m.rollbackStart(ctx, session)
		return domain.DutySession{}, fmt.Errorf("persist active trip: %w", err)
	}
	bc := domain.BackgroundContext{VehicleID: vehicleID, DutyStatus: domain.StatusOnTrip}
	if err := m.track.Background.Start(ctx, bc); err != nil {
		m.rollbackStart(ctx, session)
		return domain.DutySession{}, err
	}

	m.session = session
	if m.track.Meter != nil {
		m.track.Meter.Reset(vehicleID, startedAt)
	}
	m.publish(EventStatusChanged, session, "")
	m.logger.Info("trip started", "driver_id", driverID, "vehicle_id", vehicleID, "session_id", sessionID)

	if err := m.backend.SetVehicleStatus(ctx, vehicleID, domain.VehicleInService); err != nil {
		m.logger.Warn("set vehicle status failed", "vehicle_id", vehicleID, "error", err)
	}
	if err := m.backend.SetDriverStatus(ctx, driverID, domain.DriverOnTrip); err != nil {
		m.logger.Warn("set driver status failed", "driver_id", driverID, "error", err)
	}
	if m.visible {
		m.track.Foreground.Start(ctx, vehicleID)
	}
	return session, nil
}

func (m *Machine) rollbackStart(ctx context.Context, session domain.DutySession) {
	ctx = context.WithoutCancel(ctx)
	err := errors.Join(
		contextstore.ClearActiveTrip(ctx, m.store),
		m.track.Background.Stop(ctx),
		m.backend.EndDriverSession(ctx, session.SessionID),
	)
	if err != nil {
		m.logger.Warn("trip start rollback incomplete", "vehicle_id", session.VehicleID, "error", err)
	}
}

func (m *Machine) awaitCleanup(ctx context.Context) error {
	if m.cleanup == nil {
		return nil
	}
	select {
	case <-m.cleanup:
		m.cleanup = nil
		return nil
	case <-ctx.Done():
		return fmt.Errorf("previous trip cleanup still running: %w", ctx.Err())
	}
}

// EndTrip returns to OffDuty immediately and runs the remote cleanup in
// the background. The report channel receives exactly one value.
func (m *Machine) EndTrip(ctx context.Context) <-chan CleanupReport {
	return m.end(ctx, domain.DriverAvailable, false, "")
}

// GoOffDuty is EndTrip for callers that do not need the report.
func (m *Machine) GoOffDuty(ctx context.Context) {
	m.end(ctx, domain.DriverAvailable, false, "")
}

// Logout ends any trip and makes the machine terminal.
func (m *Machine) Logout(ctx context.Context) <-chan CleanupReport {
	return m.end(ctx, domain.DriverOffline, true, "")
}

// Abort stops tracking after an unrecoverable failure. The reason is
// published so the driver can see why sharing stopped.
func (m *Machine) Abort(ctx context.Context, reason error) {
	msg := "tracking stopped"
	if reason != nil {
		msg = reason.Error()
	}
	report := m.end(ctx, domain.DriverAvailable, false, msg)
	go func() {
		if r := <-report; r.Err != nil {
			m.logger.Warn("cleanup after abort incomplete", "error", r.Err)
		}
	}()
}

func (m *Machine) end(ctx context.Context, driverStatus string, logout bool, reason string) <-chan CleanupReport {
	out := make(chan CleanupReport, 1)

	m.mu.Lock()
	prev := m.session
	if logout {
		m.loggedOut = true
	}
	if prev.Status != domain.StatusOnTrip {
		m.mu.Unlock()
		if !logout || prev.DriverID == "" {
			out <- CleanupReport{}
			return out
		}
		c := &cleanup{machine: m, timeout: m.opts.CleanupStepTimeout}
		go func() {
			c.run(context.WithoutCancel(ctx), StepDriverStatus, func(ctx context.Context) error {
				return m.backend.SetDriverStatus(ctx, prev.DriverID, domain.DriverOffline)
			})
			out <- c.report(prev)
		}()
		return out
	}

	m.session = domain.DutySession{DriverID: prev.DriverID, Status: domain.StatusOffDuty}
	current := m.session
	clearErr := contextstore.ClearActiveTrip(ctx, m.store)
	done := make(chan struct{})
	m.cleanup = done
	track := m.track
	m.mu.Unlock()

	if track.Meter != nil {
		track.Meter.Stop(time.Now().UTC())
	}
	if reason != "" {
		m.publish(EventTrackingStopped, current, reason)
	}
	m.publish(EventStatusChanged, current, "")
	m.logger.Info("trip ended", "driver_id", prev.DriverID, "vehicle_id", prev.VehicleID, "logout", logout)

	c := &cleanup{machine: m, timeout: m.opts.CleanupStepTimeout}
	if clearErr != nil {
		c.fail(stepClearActiveTrip, clearErr)
	}
	c.run(context.WithoutCancel(ctx), StepStopForeground, func(context.Context) error {
		track.Foreground.Stop()
		return nil
	})

	go func() {
		defer close(done)
		report := c.finish(context.WithoutCancel(ctx), prev, track, driverStatus)
		m.publish(EventCleanupFinished, current, report.Summary())
		out <- report
	}()
	return out
}

// Restore rebuilds duty state on cold start from the active-trip record
// alone. A missing or incomplete record resolves to OffDuty and any
// leftover state is cleared.
func (m *Machine) Restore(ctx context.Context) (domain.DutySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trip, err := contextstore.LoadActiveTrip(ctx, m.store)
	if err != nil && !errors.Is(err, contextstore.ErrMalformed) {
		return m.session, fmt.Errorf("load active trip: %w", err)
	}
	if err != nil || trip == nil || trip.VehicleID == "" || trip.StartedAt.IsZero() {
		if err != nil || trip != nil {
			m.logger.Warn("discarding unusable active trip record", "error", err)
		}
		m.session = domain.DutySession{Status: domain.StatusOffDuty}
		if trip != nil {
			m.session.DriverID = trip.DriverID
		}
		clearErr := errors.Join(
			contextstore.ClearActiveTrip(ctx, m.store),
			m.track.Background.Stop(ctx),
		)
		if clearErr != nil {
			m.logger.Warn("clearing leftover duty state failed", "error", clearErr)
		}
		m.publish(EventStatusChanged, m.session, "")
		return m.session, nil
	}

	m.session = domain.DutySession{
		DriverID:  trip.DriverID,
		VehicleID: trip.VehicleID,
		SessionID: trip.SessionID,
		Status:    domain.StatusOnTrip,
		StartedAt: trip.StartedAt,
	}
	if m.track.Meter != nil {
		m.track.Meter.Reset(trip.VehicleID, trip.StartedAt)
	}
	m.publish(EventStatusChanged, m.session, "")
	m.logger.Info("trip restored", "driver_id", trip.DriverID, "vehicle_id", trip.VehicleID)

	bc := domain.BackgroundContext{VehicleID: trip.VehicleID, DutyStatus: domain.StatusOnTrip}
	if err := m.track.Background.Start(ctx, bc); err != nil {
		return m.session, fmt.Errorf("resume background tracking: %w", err)
	}
	if m.visible {
		m.track.Foreground.Start(ctx, trip.VehicleID)
	}
	return m.session, nil
}

// SetForeground records UI visibility. Becoming visible during a trip
// starts the foreground loop and replays the backlog; becoming visible at
// all publishes EventForegrounded.
func (m *Machine) SetForeground(ctx context.Context, visible bool) {
	m.mu.Lock()
	m.visible = visible
	session := m.session
	track := m.track
	m.mu.Unlock()

	if !visible {
		track.Foreground.Stop()
		return
	}
	m.publish(EventForegrounded, session, "")
	if session.Status == domain.StatusOnTrip {
		track.Foreground.Start(ctx, session.VehicleID)
	}
	if track.Drainer != nil {
		track.Drainer.Drain(ctx)
	}
}

// ReplaceSession swaps in a refreshed session reference and persists it so
// a cold start resumes with it.
func (m *Machine) ReplaceSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Status != domain.StatusOnTrip {
		return errNoTrip
	}
	trip := domain.ActiveTrip{
		DriverID:  m.session.DriverID,
		VehicleID: m.session.VehicleID,
		SessionID: sessionID,
		StartedAt: m.session.StartedAt,
	}
	if err := contextstore.SaveActiveTrip(ctx, m.store, trip); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	m.session.SessionID = sessionID
	m.publish(EventSessionReplaced, m.session, "")
	return nil
}
