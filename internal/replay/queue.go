// Package replay buffers location updates that failed delivery and replays
// them in order once the remote store is reachable again.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"backend-transittrack/internal/contextstore"
	"backend-transittrack/internal/domain"
	"backend-transittrack/internal/metrics"

	"github.com/google/uuid"
)

var (
	// ErrDrainInProgress is returned when Drain is called while another drain runs.
	ErrDrainInProgress = errors.New("replay: drain already in progress")
	// ErrVehicleInactive is returned by Enqueue once the vehicle's duty has ended.
	ErrVehicleInactive = errors.New("replay: vehicle has no active duty")
)

type Sender interface {
	UpdateVehicleLocation(ctx context.Context, u domain.LocationUpdate) error
}

// ActiveFunc reports whether the vehicle still has an active duty.
type ActiveFunc func(vehicleID string) bool

// Queue is a bounded FIFO of failed updates persisted in the context store.
type Queue struct {
	store    contextstore.Store
	sender   Sender
	active   ActiveFunc
	maxItems int
	logger   *slog.Logger

	mu       sync.Mutex
	items    []domain.QueuedUpdate
	draining atomic.Bool
}

// New loads any persisted backlog. An unreadable backlog is dropped.
func New(ctx context.Context, store contextstore.Store, sender Sender, active ActiveFunc, maxItems int, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if active == nil {
		active = func(string) bool { return true }
	}
	q := &Queue{store: store, sender: sender, active: active, maxItems: maxItems, logger: logger}

	raw, err := store.Get(ctx, contextstore.KeyReplayQueue)
	switch {
	case errors.Is(err, contextstore.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load replay backlog: %w", err)
	default:
		items, err := decodeBacklog(raw)
		if err != nil {
			logger.Warn("discarding unreadable replay backlog", "error", err)
			_ = store.Remove(ctx, contextstore.KeyReplayQueue)
		}
		q.items = items
	}
	metrics.QueueDepth.Set(float64(len(q.items)))
	return q, nil
}

// Enqueue appends a sample for vehicleID. When the queue is full the oldest
// entry is evicted. Samples for a vehicle without an active duty are
// refused with ErrVehicleInactive; the check holds mu so a sample cannot
// slip in after Discard has run for the ended trip.
func (q *Queue) Enqueue(ctx context.Context, vehicleID string, sample domain.LocationSample) (domain.QueuedUpdate, error) {
	item := domain.QueuedUpdate{
		ID:         uuid.NewString(),
		VehicleID:  vehicleID,
		Sample:     sample,
		EnqueuedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.active(vehicleID) {
		return domain.QueuedUpdate{}, ErrVehicleInactive
	}
	if q.maxItems > 0 && len(q.items) >= q.maxItems {
		evicted := q.items[0]
		q.items = q.items[1:]
		metrics.ReplayDiscarded.Inc()
		q.logger.Warn("replay queue full; evicted oldest update",
			"evicted_id", evicted.ID, "vehicle_id", evicted.VehicleID, "max_items", q.maxItems)
	}
	q.items = append(q.items, item)
	return item, q.persistLocked(ctx)
}

// Drain sends queued updates oldest first and stops at the first failure.
// Updates for vehicles without an active duty are discarded unsent, and
// updates the remote store already holds a newer position for are removed
// as superseded. It returns the number of updates delivered.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return 0, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return delivered, nil
		}
		head := q.items[0]
		q.mu.Unlock()

		if !q.active(head.VehicleID) {
			q.remove(ctx, head.ID)
			metrics.ReplayDiscarded.Inc()
			q.logger.Info("discarded queued update for inactive vehicle", "id", head.ID, "vehicle_id", head.VehicleID)
			continue
		}

		start := time.Now()
		err := q.sender.UpdateVehicleLocation(ctx, head.Sample.Update(head.VehicleID))
		metrics.DeliveryLatency.WithLabelValues(metrics.SourceReplay).Observe(time.Since(start).Seconds())
		if errors.Is(err, domain.ErrSuperseded) {
			q.remove(ctx, head.ID)
			metrics.SamplesSuperseded.WithLabelValues(metrics.SourceReplay).Inc()
			q.logger.Info("queued update superseded by a newer position", "id", head.ID, "vehicle_id", head.VehicleID)
			continue
		}
		if err != nil {
			return delivered, fmt.Errorf("replay %s: %w", head.ID, err)
		}
		q.remove(ctx, head.ID)
		delivered++
		metrics.SamplesDelivered.WithLabelValues(metrics.SourceReplay).Inc()
	}
}

// Discard drops every queued update for vehicleID and returns how many
// were removed.
func (q *Queue) Discard(ctx context.Context, vehicleID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	removed := 0
	for _, it := range q.items {
		if it.VehicleID == vehicleID {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	if removed == 0 {
		return 0, nil
	}
	metrics.ReplayDiscarded.Add(float64(removed))
	return removed, q.persistLocked(ctx)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a snapshot of the queue in delivery order.
func (q *Queue) Items() []domain.QueuedUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.QueuedUpdate(nil), q.items...)
}

func (q *Queue) remove(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Error("persist replay backlog failed", "error", err)
	}
}

func (q *Queue) persistLocked(ctx context.Context) error {
	metrics.QueueDepth.Set(float64(len(q.items)))
	if len(q.items) == 0 {
		if err := q.store.Remove(ctx, contextstore.KeyReplayQueue); err != nil {
			return fmt.Errorf("clear replay backlog: %w", err)
		}
		return nil
	}
	raw, err := encodeBacklog(q.items)
	if err != nil {
		return fmt.Errorf("encode replay backlog: %w", err)
	}
	if err := q.store.Set(ctx, contextstore.KeyReplayQueue, raw); err != nil {
		return fmt.Errorf("persist replay backlog: %w", err)
	}
	return nil
}
