// Package tracking moves device positions to the remote vehicle record:
// the OS-scheduled background agent, the foreground sampling loop, the
// shared delivery path with replay fallback, and stale-session recovery.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"backend-transittrack/internal/domain"
	"backend-transittrack/internal/metrics"
	"backend-transittrack/internal/replay"
)

// Sender writes one location update to the remote store.
type Sender interface {
	UpdateVehicleLocation(ctx context.Context, u domain.LocationUpdate) error
}

type Backlog interface {
	Enqueue(ctx context.Context, vehicleID string, sample domain.LocationSample) (domain.QueuedUpdate, error)
	Drain(ctx context.Context) (int, error)
	Len() int
}

// Outcome describes what happened to the most recent sample.
type Outcome struct {
	VehicleID  string                `json:"vehicle_id"`
	Source     string                `json:"source"`
	Sample     domain.LocationSample `json:"sample"`
	Delivered  bool                  `json:"delivered"`
	Queued     bool                  `json:"queued"`
	Superseded bool                  `json:"superseded,omitempty"`
	QueueDepth int                   `json:"queue_depth"`
	At         time.Time             `json:"at"`
}

// Deliverer sends samples through a Sender and buffers failures in the
// backlog. A successful send drains the backlog before returning.
type Deliverer struct {
	source string
	sender Sender
	queue  Backlog
	meter  *Meter
	logger *slog.Logger

	mu        sync.RWMutex
	last      *Outcome
	observers []func(Outcome)
}

func NewDeliverer(source string, sender Sender, queue Backlog, meter *Meter, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{source: source, sender: sender, queue: queue, meter: meter, logger: logger}
}

// Observe registers fn to receive every outcome.
func (d *Deliverer) Observe(fn func(Outcome)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

func (d *Deliverer) Last() *Outcome {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.last == nil {
		return nil
	}
	out := *d.last
	return &out
}

// Deliver validates and sends sample for vehicleID. Invalid samples are
// dropped with domain.ErrInvalidSample and never reach the remote store.
// A sample the remote store already holds a newer position for is not an
// error. Unrecoverable errors are returned without queueing; other failures
// are queued while the vehicle's duty is active and returned for logging.
func (d *Deliverer) Deliver(ctx context.Context, vehicleID string, sample domain.LocationSample) error {
	if err := sample.Validate(); err != nil {
		metrics.SamplesDropped.WithLabelValues("invalid").Inc()
		return err
	}

	start := time.Now()
	err := d.sender.UpdateVehicleLocation(ctx, sample.Update(vehicleID))
	metrics.DeliveryLatency.WithLabelValues(d.source).Observe(time.Since(start).Seconds())

	if d.meter != nil {
		d.meter.Add(sample)
	}

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSuperseded):
		metrics.SamplesSuperseded.WithLabelValues(d.source).Inc()
		d.logger.Debug("sample superseded by a newer position", "vehicle_id", vehicleID, "sampled_at", sample.SampledAt)
		d.Drain(ctx)
		d.record(Outcome{VehicleID: vehicleID, Sample: sample, Superseded: true})
		return nil
	case errors.Is(err, domain.ErrTrackingUnrecoverable):
		d.record(Outcome{VehicleID: vehicleID, Sample: sample})
		return err
	default:
		_, qerr := d.queue.Enqueue(ctx, vehicleID, sample)
		switch {
		case errors.Is(qerr, replay.ErrVehicleInactive):
			metrics.SamplesDropped.WithLabelValues("inactive").Inc()
			d.logger.Debug("dropping failed sample; duty ended", "vehicle_id", vehicleID)
			d.record(Outcome{VehicleID: vehicleID, Sample: sample})
			return err
		case qerr != nil:
			d.logger.Error("queue failed sample", "vehicle_id", vehicleID, "error", qerr)
		default:
			metrics.SamplesQueued.WithLabelValues(d.source).Inc()
		}
		d.record(Outcome{VehicleID: vehicleID, Sample: sample, Queued: true})
		return err
	}

	metrics.SamplesDelivered.WithLabelValues(d.source).Inc()
	d.Drain(ctx)
	d.record(Outcome{VehicleID: vehicleID, Sample: sample, Delivered: true})
	return nil
}

// Drain replays the backlog. An overlapping drain is left to finish on its own.
func (d *Deliverer) Drain(ctx context.Context) {
	n, err := d.queue.Drain(ctx)
	switch {
	case errors.Is(err, replay.ErrDrainInProgress):
	case err != nil:
		d.logger.Warn("replay drain stopped", "delivered", n, "remaining", d.queue.Len(), "error", err)
	case n > 0:
		d.logger.Info("replay drain complete", "delivered", n)
	}
}

func (d *Deliverer) record(o Outcome) {
	o.Source = d.source
	o.At = time.Now().UTC()
	o.QueueDepth = d.queue.Len()

	d.mu.Lock()
	d.last = &o
	observers := append([]func(Outcome){}, d.observers...)
	d.mu.Unlock()

	for _, fn := range observers {
		fn(o)
	}
}
