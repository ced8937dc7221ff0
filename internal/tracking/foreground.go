package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"backend-transittrack/internal/domain"
	"backend-transittrack/internal/metrics"
	"backend-transittrack/internal/platform"

	"golang.org/x/sync/semaphore"
)

// tickTimeout bounds one foreground sample and write. Ticks are detached
// from the loop so Stop does not abort writes already in flight.
const tickTimeout = 30 * time.Second

// Foreground samples on a wall-clock ticker while the app is visible and a
// trip is running. Ticks run independently; a tick is skipped when the
// in-flight cap is reached rather than queued behind slow writes.
type Foreground struct {
	provider  platform.LocationProvider
	deliverer *Deliverer
	interval  time.Duration
	inFlight  *semaphore.Weighted
	logger    *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	vehicleID string
	last      *domain.LocationSample
}

func NewForeground(provider platform.LocationProvider, deliverer *Deliverer, interval time.Duration, maxInFlight int64, logger *slog.Logger) *Foreground {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Foreground{
		provider:  provider,
		deliverer: deliverer,
		interval:  interval,
		inFlight:  semaphore.NewWeighted(maxInFlight),
		logger:    logger,
	}
}

// Start begins sampling for vehicleID. The loop outlives ctx's
// cancellation and runs until Stop.
func (f *Foreground) Start(ctx context.Context, vehicleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		if f.vehicleID == vehicleID {
			return
		}
		f.stopLocked()
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.cancel = cancel
	f.done = make(chan struct{})
	f.vehicleID = vehicleID
	go f.run(loopCtx, vehicleID, f.done)
	f.logger.Info("foreground tracking started", "vehicle_id", vehicleID, "interval", f.interval)
}

// Stop ends the ticker. Writes already in flight finish on their own.
func (f *Foreground) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
}

func (f *Foreground) stopLocked() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
	f.cancel = nil
	f.done = nil
	f.logger.Info("foreground tracking stopped", "vehicle_id", f.vehicleID)
	f.vehicleID = ""
}

func (f *Foreground) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel != nil
}

// LastSample is the most recent valid sample taken by the loop.
func (f *Foreground) LastSample() *domain.LocationSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return nil
	}
	s := *f.last
	return &s
}

func (f *Foreground) run(ctx context.Context, vehicleID string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.dispatch(ctx, vehicleID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.dispatch(ctx, vehicleID)
		}
	}
}

func (f *Foreground) dispatch(ctx context.Context, vehicleID string) {
	if !f.inFlight.TryAcquire(1) {
		metrics.SamplesDropped.WithLabelValues("in_flight_cap").Inc()
		f.logger.Debug("foreground tick skipped; writes still in flight", "vehicle_id", vehicleID)
		return
	}
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tickTimeout)
	go func() {
		defer f.inFlight.Release(1)
		defer cancel()
		f.tick(tickCtx, vehicleID)
	}()
}

func (f *Foreground) tick(ctx context.Context, vehicleID string) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("foreground tick panic recovered", "panic", r)
		}
	}()

	sample, err := f.provider.RequestOneShot(ctx, platform.AccuracyHigh)
	if err != nil {
		f.logger.Warn("foreground sample failed", "vehicle_id", vehicleID, "error", err)
		return
	}
	err = f.deliverer.Deliver(ctx, vehicleID, sample)
	if errors.Is(err, domain.ErrInvalidSample) {
		return
	}
	f.mu.Lock()
	f.last = &sample
	f.mu.Unlock()
	if err != nil {
		f.logger.Warn("foreground delivery failed", "vehicle_id", vehicleID, "error", err)
	}
}
