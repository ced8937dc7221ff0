// Package ping keeps the driver's passenger ping list in sync with the
// realtime change stream for the assigned vehicle.
package ping

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"backend-transittrack/internal/domain"
	"backend-transittrack/internal/platform"
	"backend-transittrack/internal/remote"
)

type Remote interface {
	AssignedVehicle(ctx context.Context, driverID string) (string, error)
	ListPings(ctx context.Context, vehicleID string) ([]domain.PingNotification, error)
	UpdatePingStatus(ctx context.Context, pingID string, from []domain.PingStatus, to domain.PingStatus) error
}

type Feed interface {
	Subscribe(ctx context.Context, table, filter string, fn func(domain.ChangeEvent)) (io.Closer, error)
}

type Alerter interface {
	Notify(ctx context.Context, n platform.Notification) error
}

// State is what the UI shows for the bound vehicle.
type State struct {
	VehicleID string                    `json:"vehicle_id"`
	Pings     []domain.PingNotification `json:"pings"`
	Pending   int                       `json:"pending"`
}

const reloadTimeout = 10 * time.Second

type Channel struct {
	remote  Remote
	feed    Feed
	alerter Alerter
	logger  *slog.Logger

	mu        sync.Mutex
	vehicleID string
	gen       uint64
	sub       io.Closer
	pings     []domain.PingNotification
	alerted   map[string]struct{}
	observers []func(State)
}

func NewChannel(r Remote, feed Feed, alerter Alerter, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		remote:  r,
		feed:    feed,
		alerter: alerter,
		logger:  logger,
		alerted: make(map[string]struct{}),
	}
}

// Observe registers fn to receive the state after every reload.
func (c *Channel) Observe(fn func(State)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Bind drops any earlier subscription and follows vehicleID instead. An
// empty vehicleID only tears down.
func (c *Channel) Bind(ctx context.Context, vehicleID string) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	old, previous := c.detachLocked(), c.vehicleID
	c.vehicleID = vehicleID
	c.mu.Unlock()
	c.closeSub(old, previous)

	if vehicleID == "" {
		c.emit(State{})
		return nil
	}

	sub, err := c.feed.Subscribe(ctx, remote.PingTable, remote.VehicleFilter(vehicleID), func(e domain.ChangeEvent) {
		c.handle(gen, vehicleID, e)
	})
	if err != nil {
		c.logger.Error("ping subscription failed", "vehicle_id", vehicleID, "error", err)
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		// rebound while subscribing
		c.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	c.sub = sub
	c.mu.Unlock()

	c.logger.Info("ping channel bound", "vehicle_id", vehicleID)
	return c.Reload(ctx)
}

// BindDriver resolves the driver's assigned vehicle and rebinds only when
// it differs from the current binding.
func (c *Channel) BindDriver(ctx context.Context, driverID string) error {
	vehicleID, err := c.remote.AssignedVehicle(ctx, driverID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	same := vehicleID == c.vehicleID && (c.sub != nil || vehicleID == "")
	c.mu.Unlock()
	if same {
		return nil
	}
	return c.Bind(ctx, vehicleID)
}

// Reload replaces the local list with the remote one.
func (c *Channel) Reload(ctx context.Context) error {
	c.mu.Lock()
	vehicleID, gen := c.vehicleID, c.gen
	c.mu.Unlock()
	if vehicleID == "" {
		return nil
	}

	pings, err := c.remote.ListPings(ctx, vehicleID)
	if err != nil {
		c.logger.Warn("ping reload failed", "vehicle_id", vehicleID, "error", err)
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	c.pings = pings
	state := c.stateLocked()
	c.mu.Unlock()

	c.emit(state)
	return nil
}

func (c *Channel) Acknowledge(ctx context.Context, pingID string) error {
	return c.transition(ctx, pingID, []domain.PingStatus{domain.PingPending}, domain.PingAcknowledged)
}

func (c *Channel) Complete(ctx context.Context, pingID string) error {
	return c.transition(ctx, pingID, []domain.PingStatus{domain.PingPending, domain.PingAcknowledged}, domain.PingCompleted)
}

func (c *Channel) transition(ctx context.Context, pingID string, from []domain.PingStatus, to domain.PingStatus) error {
	if err := c.remote.UpdatePingStatus(ctx, pingID, from, to); err != nil {
		return err
	}
	// the transition already happened remotely; a failed reload is retried
	// by the change event it produced
	_ = c.Reload(ctx)
	return nil
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Channel) PendingCount() int {
	return c.State().Pending
}

func (c *Channel) Pings() []domain.PingNotification {
	return c.State().Pings
}

func (c *Channel) Close() error {
	c.mu.Lock()
	c.gen++
	old := c.detachLocked()
	vehicleID := c.vehicleID
	c.vehicleID = ""
	c.mu.Unlock()
	c.closeSub(old, vehicleID)
	return nil
}

func (c *Channel) handle(gen uint64, vehicleID string, e domain.ChangeEvent) {
	if v, ok := e.Record["vehicle_id"].(string); ok && v != vehicleID {
		return
	}
	c.mu.Lock()
	current := c.gen == gen
	c.mu.Unlock()
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	_ = c.Reload(ctx)

	if e.Type == domain.ChangeInsert {
		c.alert(ctx, e)
	}
}

func (c *Channel) alert(ctx context.Context, e domain.ChangeEvent) {
	id, _ := e.Record["id"].(string)
	if id != "" {
		c.mu.Lock()
		_, seen := c.alerted[id]
		c.alerted[id] = struct{}{}
		c.mu.Unlock()
		if seen {
			return
		}
	}
	if c.alerter == nil {
		return
	}
	n := platform.Notification{Title: "New passenger ping", Body: "A passenger is waiting for your vehicle."}
	if msg, ok := e.Record["message"].(string); ok && msg != "" {
		n.Body = msg
	}
	if err := c.alerter.Notify(ctx, n); err != nil {
		c.logger.Warn("ping alert failed", "ping_id", id, "error", err)
	}
}

// detachLocked forgets the current subscription. The caller closes it after
// releasing mu, since Close waits for an in-flight handler.
func (c *Channel) detachLocked() io.Closer {
	sub := c.sub
	c.sub = nil
	c.pings = nil
	return sub
}

func (c *Channel) closeSub(sub io.Closer, vehicleID string) {
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		c.logger.Warn("ping unsubscribe failed", "vehicle_id", vehicleID, "error", err)
	}
}

func (c *Channel) stateLocked() State {
	state := State{VehicleID: c.vehicleID, Pings: append([]domain.PingNotification(nil), c.pings...)}
	for _, p := range c.pings {
		if p.Status == domain.PingPending {
			state.Pending++
		}
	}
	return state
}

func (c *Channel) emit(state State) {
	c.mu.Lock()
	observers := append([]func(State){}, c.observers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(state)
	}
}
