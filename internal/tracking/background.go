package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"backend-transittrack/internal/contextstore"
	"backend-transittrack/internal/domain"
	"backend-transittrack/internal/metrics"
	"backend-transittrack/internal/platform"
)

// BackgroundTaskName is the OS task the agent registers under.
const BackgroundTaskName = "transittrack.background-location"

// Start protocol steps, in order.
const (
	StepNotifications = "notification_permission"
	StepChannel       = "notification_channel"
	StepLocation      = "location_permission"
	StepPersist       = "persist_context"
	StepRequest       = "request_updates"
	StepVerify        = "verify_updates"
)

const (
	minBackgroundInterval = time.Second
	maxBackgroundInterval = 10 * time.Minute
	minBackgroundDistance = 1.0
	maxBackgroundDistance = 1000.0
)

var errNotActive = errors.New("continuous updates not active after request")

// StartError names the start step that failed.
type StartError struct {
	Step string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start background tracking: %s: %v", e.Step, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

type Gate interface {
	EnsureNotifications(ctx context.Context) error
	EnsureChannel(ctx context.Context) error
	EnsureLocation(ctx context.Context, background bool) error
}

type BackgroundOptions struct {
	MinInterval       time.Duration
	DistanceMeters    float64
	HighAccuracy      bool
	NotificationTitle string
	NotificationBody  string
}

// Background is the OS-scheduled tracking agent. It reads only the
// persisted background context, so it keeps working after the rest of the
// process state is gone.
type Background struct {
	store     contextstore.Store
	provider  platform.LocationProvider
	gate      Gate
	deliverer *Deliverer
	opts      BackgroundOptions
	logger    *slog.Logger

	registerOnce sync.Once
	registerErr  error

	mu     sync.Mutex
	handle platform.Handle
}

func NewBackground(store contextstore.Store, provider platform.LocationProvider, gate Gate, deliverer *Deliverer, opts BackgroundOptions, logger *slog.Logger) *Background {
	if logger == nil {
		logger = slog.Default()
	}
	opts.MinInterval = clampDuration(opts.MinInterval, minBackgroundInterval, maxBackgroundInterval)
	opts.DistanceMeters = clampFloat(opts.DistanceMeters, minBackgroundDistance, maxBackgroundDistance)
	if opts.NotificationTitle == "" {
		opts.NotificationTitle = "Trip in progress"
	}
	if opts.NotificationBody == "" {
		opts.NotificationBody = "Your location is shared with passengers while you are on a trip."
	}
	return &Background{store: store, provider: provider, gate: gate, deliverer: deliverer, opts: opts, logger: logger}
}

// Register defines the background task. Only the first call registers;
// later calls return the first result.
func (b *Background) Register(registry platform.TaskRegistry) error {
	b.registerOnce.Do(func() {
		b.registerErr = registry.Define(BackgroundTaskName, b.HandleBatch)
	})
	return b.registerErr
}

// HandleBatch is the task body. It never panics or returns an error to the
// scheduler.
func (b *Background) HandleBatch(ctx context.Context, batch platform.Batch) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("background task panic recovered", "panic", r)
		}
	}()

	if batch.Err != nil {
		b.logger.Warn("background location batch error", "error", batch.Err)
		return
	}
	if len(batch.Samples) == 0 {
		return
	}
	sample := batch.Samples[len(batch.Samples)-1]
	if err := sample.Validate(); err != nil {
		metrics.SamplesDropped.WithLabelValues("invalid").Inc()
		return
	}

	bc, err := contextstore.LoadBackgroundContext(ctx, b.store)
	if err != nil {
		b.logger.Warn("read background context failed", "error", err)
		return
	}
	if bc == nil || !bc.DutyStatus.Active() || bc.VehicleID == "" {
		metrics.SamplesDropped.WithLabelValues("inactive").Inc()
		return
	}

	if err := b.deliverer.Deliver(ctx, bc.VehicleID, sample); err != nil {
		b.logger.Warn("background delivery failed", "vehicle_id", bc.VehicleID, "error", err)
	}
}

// Start runs the start protocol and stops at the first failing step.
// Calling Start while updates are running only rewrites the context.
func (b *Background) Start(ctx context.Context, bc domain.BackgroundContext) error {
	if err := b.gate.EnsureNotifications(ctx); err != nil {
		return &StartError{Step: StepNotifications, Err: err}
	}
	if err := b.gate.EnsureChannel(ctx); err != nil {
		return &StartError{Step: StepChannel, Err: err}
	}
	if err := b.gate.EnsureLocation(ctx, true); err != nil {
		return &StartError{Step: StepLocation, Err: err}
	}
	bc.UpdatedAt = time.Now().UTC()
	if err := contextstore.SaveBackgroundContext(ctx, b.store, bc); err != nil {
		return &StartError{Step: StepPersist, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle != "" && b.provider.HasActiveSubscription(ctx) {
		b.logger.Debug("background tracking already running", "vehicle_id", bc.VehicleID)
		return nil
	}

	handle, err := b.provider.StartContinuous(ctx, platform.ContinuousConfig{
		TaskName:                BackgroundTaskName,
		DistanceThresholdMeters: b.opts.DistanceMeters,
		MinInterval:             b.opts.MinInterval,
		HighAccuracy:            b.opts.HighAccuracy,
		NotificationTitle:       b.opts.NotificationTitle,
		NotificationBody:        b.opts.NotificationBody,
	})
	if err != nil {
		return &StartError{Step: StepRequest, Err: err}
	}
	b.handle = handle
	if !b.provider.HasActiveSubscription(ctx) {
		return &StartError{Step: StepVerify, Err: errNotActive}
	}
	b.logger.Info("background tracking started", "vehicle_id", bc.VehicleID, "handle", handle)
	return nil
}

// Stop ends the OS request before deleting the context it reads.
func (b *Background) Stop(ctx context.Context) error {
	b.mu.Lock()
	handle := b.handle
	b.handle = ""
	b.mu.Unlock()

	var stopErr error
	if handle != "" {
		stopErr = b.provider.StopContinuous(ctx, handle)
	}
	clearErr := contextstore.ClearBackgroundContext(ctx, b.store)
	if err := errors.Join(stopErr, clearErr); err != nil {
		return fmt.Errorf("stop background tracking: %w", err)
	}
	return nil
}

func (b *Background) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle != ""
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
