// Package app wires the tracking agent together: the context store, the
// remote adapters, the device bridge and the duty machine with its
// producers, plus the publishers that keep the UI stream current.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"backend-transittrack/internal/auth"
	"backend-transittrack/internal/config"
	"backend-transittrack/internal/contextstore"
	"backend-transittrack/internal/db"
	"backend-transittrack/internal/domain"
	"backend-transittrack/internal/duty"
	"backend-transittrack/internal/metrics"
	"backend-transittrack/internal/permission"
	"backend-transittrack/internal/ping"
	"backend-transittrack/internal/platform"
	"backend-transittrack/internal/remote"
	"backend-transittrack/internal/replay"
	"backend-transittrack/internal/server"
	"backend-transittrack/internal/stream"
	"backend-transittrack/internal/tracking"

	"github.com/redis/go-redis/v9"
)

// Store backends accepted in STORE_BACKEND.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

var openSQLiteFn = db.OpenSQLite

type App struct {
	Cfg    config.Config
	Logger *slog.Logger

	Store      contextstore.Store
	Remote     *remote.Postgres
	Device     *platform.Device
	Gate       *permission.Gate
	Duty       *duty.Machine
	Queue      *replay.Queue
	Meter      *tracking.Meter
	Background *tracking.Background
	Foreground *tracking.Foreground
	Pings      *ping.Channel
	Hub        *stream.Hub
	Auth       *auth.Service

	events  <-chan duty.Event
	closers []func() error
}

// New builds every component. q backs the remote adapter; rdb may be nil,
// in which case the ping channel is disabled and the stream stays local.
func New(ctx context.Context, cfg config.Config, q db.Querier, rdb *redis.Client, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Cfg: cfg, Logger: logger}

	store, err := a.openStore(ctx, rdb)
	if err != nil {
		return nil, err
	}
	a.Store = store

	var publisher remote.Publisher
	var feed *remote.ChangeFeed
	if rdb != nil {
		feed = remote.NewChangeFeed(rdb, logger.With("component", "change_feed"))
		publisher = feed
	}
	a.Remote = remote.NewPostgres(q, publisher, logger.With("component", "remote"))
	a.Auth = auth.NewService(cfg.JWTSecret, q)

	a.Device = platform.NewDevice(platform.DeviceOptions{
		GrantAll:       cfg.DeviceGrantPermissions,
		RequireChannel: cfg.RequireNotificationChannel,
		Logger:         logger.With("component", "device"),
	})
	a.Gate = permission.NewGate(a.Device, a.Device, permission.Options{
		ChannelID: cfg.NotificationChannelID,
		Logger:    logger.With("component", "permissions"),
	})

	a.Duty = duty.New(store, a.Remote, duty.Options{
		CleanupStepTimeout: cfg.CleanupStepTimeout,
		Logger:             logger.With("component", "duty"),
	})
	events, unsubscribe := a.Duty.Subscribe()
	a.events = events
	a.closers = append(a.closers, func() error {
		unsubscribe()
		return nil
	})

	a.Queue, err = replay.New(ctx, store, a.Remote, a.Duty.Active, cfg.ReplayMaxItems, logger.With("component", "replay"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Meter = tracking.NewMeter()

	recovery := tracking.NewRecovery(a.Remote, a.Remote, a.Duty, a.Device, logger.With("component", "recovery"))
	fg := tracking.NewDeliverer(metrics.SourceForeground, recovery, a.Queue, a.Meter, logger.With("component", "delivery"))
	bg := tracking.NewDeliverer(metrics.SourceBackground, a.Remote, a.Queue, a.Meter, logger.With("component", "delivery"))

	a.Background = tracking.NewBackground(store, a.Device, a.Gate, bg, tracking.BackgroundOptions{
		MinInterval:    cfg.BackgroundMinInterval,
		DistanceMeters: cfg.BackgroundDistanceMeters,
		HighAccuracy:   true,
	}, logger.With("component", "background"))
	a.Foreground = tracking.NewForeground(a.Device, fg, cfg.ForegroundInterval, cfg.ForegroundMaxInFlight, logger.With("component", "foreground"))

	a.Duty.Attach(duty.Tracking{
		Background: a.Background,
		Foreground: a.Foreground,
		Backlog:    a.Queue,
		Drainer:    fg,
		Meter:      a.Meter,
	})
	if err := a.Background.Register(a.Device); err != nil {
		a.Close()
		return nil, fmt.Errorf("register background task: %w", err)
	}

	a.Hub = stream.NewHub(rdb, logger.With("component", "stream"))
	a.closers = append(a.closers, a.Hub.Close)
	if feed != nil {
		a.Pings = ping.NewChannel(a.Remote, feed, a.Device, logger.With("component", "pings"))
		a.closers = append(a.closers, a.Pings.Close)
	} else {
		logger.Warn("redis not configured; ping notifications disabled")
	}

	a.wirePublishers(fg, bg)
	return a, nil
}

func (a *App) openStore(ctx context.Context, rdb *redis.Client) (contextstore.Store, error) {
	switch a.Cfg.StoreBackend {
	case StoreSQLite, "":
		conn, err := openSQLiteFn(a.Cfg.StorePath)
		if err != nil {
			return nil, err
		}
		store, err := contextstore.NewSQLite(ctx, conn, a.Cfg.DeviceID)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		return store, nil
	case StoreRedis:
		if rdb == nil {
			return nil, fmt.Errorf("%w: store backend redis needs REDIS_ADDR", domain.ErrConfiguration)
		}
		return contextstore.NewRedis(rdb, a.Cfg.DeviceID), nil
	case StoreMemory:
		return contextstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", domain.ErrConfiguration, a.Cfg.StoreBackend)
	}
}

// wirePublishers forwards state changes to the UI stream of the driver on
// duty.
func (a *App) wirePublishers(deliverers ...*tracking.Deliverer) {
	for _, d := range deliverers {
		d.Observe(func(o tracking.Outcome) {
			driverID := a.Duty.Session().DriverID
			a.publish(driverID, stream.KindDelivery, o)
			a.publish(driverID, stream.KindSummary, a.Meter.Summary())
		})
	}
	if a.Pings != nil {
		a.Pings.Observe(func(s ping.State) {
			a.publish(a.Duty.Session().DriverID, stream.KindPings, s)
		})
	}
	a.Device.OnNotify(func(n platform.Notification) {
		a.publish(a.Duty.Session().DriverID, stream.KindAlert, n)
	})
	a.Device.OnPermissionChange(func(kind string, status platform.PermissionStatus) {
		if status != platform.PermissionGranted {
			a.Gate.Reset()
			return
		}
		if err := a.Gate.Retry(context.Background()); err != nil {
			a.Logger.Debug("capabilities still incomplete", "changed", kind, "error", err)
		}
	})
}

func (a *App) publish(driverID, kind string, data any) {
	if driverID == "" {
		return
	}
	if err := a.Hub.Publish(context.Background(), driverID, kind, data); err != nil {
		a.Logger.Warn("stream publish failed", "kind", kind, "error", err)
	}
}

// Start restores a trip that was running when the process stopped and
// binds the ping channel for its driver.
func (a *App) Start(ctx context.Context) error {
	session, err := a.Duty.Restore(ctx)
	if err != nil {
		a.Logger.Error("duty restore incomplete", "error", err)
	}
	if session.DriverID != "" && a.Pings != nil {
		if berr := a.Pings.BindDriver(ctx, session.DriverID); berr != nil {
			a.Logger.Warn("ping channel bind failed", "driver_id", session.DriverID, "error", berr)
		}
	}
	return err
}

// Watch consumes duty events until ctx is done, republishing them to the
// stream and keeping the ping channel bound to the driver's vehicle, which
// is re-resolved on every status change and whenever the UI returns. The
// subscription is taken in New so no transition is missed before Watch
// runs.
func (a *App) Watch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-a.events:
			if !ok {
				return nil
			}
			a.handleDuty(ctx, ev)
		}
	}
}

func (a *App) handleDuty(ctx context.Context, ev duty.Event) {
	driverID := ev.Session.DriverID
	a.publish(driverID, stream.KindDuty, ev)

	switch ev.Kind {
	case duty.EventStatusChanged:
		a.publish(driverID, stream.KindSummary, a.Meter.Summary())
		a.bindPings(ctx, driverID)
	case duty.EventForegrounded:
		// picks up a vehicle reassigned while no transition happened
		a.bindPings(ctx, driverID)
	case duty.EventCleanupFinished:
		if ev.Reason != "" {
			a.Logger.Warn("trip cleanup incomplete", "driver_id", driverID, "failed", ev.Reason)
		}
	}
}

func (a *App) bindPings(ctx context.Context, driverID string) {
	if a.Pings == nil {
		return
	}
	var err error
	if a.Duty.Snapshot().LoggedOut {
		err = a.Pings.Bind(ctx, "")
	} else if driverID != "" {
		err = a.Pings.BindDriver(ctx, driverID)
	}
	if err != nil {
		a.Logger.Warn("ping channel bind failed", "driver_id", driverID, "error", err)
	}
}

// Components exposes what the HTTP server mounts.
func (a *App) Components() server.Components {
	return server.Components{
		Auth:   a.Auth,
		Duty:   a.Duty,
		Pings:  a.Pings,
		Device: a.Device,
		Stream: a.Hub,
	}
}

// Close stops the foreground loop and releases stores and subscriptions.
func (a *App) Close() error {
	if a.Foreground != nil {
		a.Foreground.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
