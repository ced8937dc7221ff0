package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"backend-transittrack/internal/domain"
	"backend-transittrack/internal/shared/geo"
)

// Permission kinds understood by Device.SetPermission.
const (
	PermNotifications      = "notifications"
	PermLocationForeground = "location_foreground"
	PermLocationBackground = "location_background"
)

var (
	ErrNoFix            = errors.New("no location fix available")
	ErrTaskDefined      = errors.New("task already defined")
	ErrTaskNotDefined   = errors.New("task not defined")
	ErrChannelMissing   = errors.New("notification channel missing")
	ErrLocationDisabled = errors.New("location permission not granted")
)

type DeviceOptions struct {
	GrantAll       bool
	RequireChannel bool
	Logger         *slog.Logger
}

type continuous struct {
	cfg  ContinuousConfig
	last *domain.LocationSample
}

// Device is an in-process stand-in for the handset OS. Location batches
// reported through Deliver are filtered per continuous request and
// dispatched to the registered task, the way the OS scheduler would.
type Device struct {
	mu             sync.Mutex
	logger         *slog.Logger
	requireChannel bool
	grants         map[string]PermissionStatus
	channels       map[string]ChannelConfig
	tasks          map[string]TaskFunc
	subs           map[Handle]*continuous
	nextHandle     int
	lastFix        *domain.LocationSample
	notifyHooks    []func(Notification)
	permHooks      []func(string, PermissionStatus)
}

func NewDevice(opts DeviceOptions) *Device {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	initial := PermissionUndetermined
	if opts.GrantAll {
		initial = PermissionGranted
	}
	return &Device{
		logger:         logger,
		requireChannel: opts.RequireChannel,
		grants: map[string]PermissionStatus{
			PermNotifications:      initial,
			PermLocationForeground: initial,
			PermLocationBackground: initial,
		},
		channels: map[string]ChannelConfig{},
		tasks:    map[string]TaskFunc{},
		subs:     map[Handle]*continuous{},
	}
}

// SetPermission records the user's answer for kind, as a settings screen
// would, and runs the permission hooks when the value changed.
func (d *Device) SetPermission(kind string, status PermissionStatus) error {
	d.mu.Lock()
	prev, ok := d.grants[kind]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("unknown permission %q", kind)
	}
	d.grants[kind] = status
	hooks := append([]func(string, PermissionStatus){}, d.permHooks...)
	d.mu.Unlock()

	if prev != status {
		for _, fn := range hooks {
			fn(kind, status)
		}
	}
	return nil
}

// OnPermissionChange registers a hook invoked after a grant changes.
func (d *Device) OnPermissionChange(fn func(kind string, status PermissionStatus)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permHooks = append(d.permHooks, fn)
}

func (d *Device) Permissions() map[string]PermissionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]PermissionStatus, len(d.grants))
	for k, v := range d.grants {
		out[k] = v
	}
	return out
}

// OnNotify registers a hook invoked for every posted notification.
func (d *Device) OnNotify(fn func(Notification)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifyHooks = append(d.notifyHooks, fn)
}

func (d *Device) RequestNotifications(_ context.Context) (PermissionStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.grants[PermNotifications], nil
}

func (d *Device) RequestLocation(_ context.Context, scope Scope) (PermissionStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fg := d.grants[PermLocationForeground]
	if scope == ScopeForeground || fg != PermissionGranted {
		return fg, nil
	}
	return d.grants[PermLocationBackground], nil
}

func (d *Device) RequiresChannel() bool {
	return d.requireChannel
}

func (d *Device) CreateChannel(_ context.Context, id string, cfg ChannelConfig) error {
	if id == "" {
		return errors.New("channel id required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[id] = cfg
	return nil
}

func (d *Device) Notify(_ context.Context, n Notification) error {
	d.mu.Lock()
	if d.grants[PermNotifications] != PermissionGranted {
		d.mu.Unlock()
		return fmt.Errorf("notify: %w", domain.ErrPermissionDenied)
	}
	hooks := append([]func(Notification){}, d.notifyHooks...)
	d.mu.Unlock()

	d.logger.Info("device notification", "title", n.Title, "body", n.Body)
	for _, hook := range hooks {
		hook(n)
	}
	return nil
}

func (d *Device) Define(name string, fn TaskFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tasks[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrTaskDefined)
	}
	d.tasks[name] = fn
	return nil
}

func (d *Device) TaskDefined(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tasks[name]
	return ok
}

func (d *Device) RequestOneShot(_ context.Context, _ Accuracy) (domain.LocationSample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.grants[PermLocationForeground] != PermissionGranted {
		return domain.LocationSample{}, ErrLocationDisabled
	}
	if d.lastFix == nil {
		return domain.LocationSample{}, ErrNoFix
	}
	return *d.lastFix, nil
}

func (d *Device) StartContinuous(_ context.Context, cfg ContinuousConfig) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tasks[cfg.TaskName]; !ok {
		return "", fmt.Errorf("%s: %w", cfg.TaskName, ErrTaskNotDefined)
	}
	if d.grants[PermLocationBackground] != PermissionGranted {
		return "", ErrLocationDisabled
	}
	if d.requireChannel && len(d.channels) == 0 {
		return "", ErrChannelMissing
	}
	d.nextHandle++
	h := Handle("continuous-" + strconv.Itoa(d.nextHandle))
	d.subs[h] = &continuous{cfg: cfg}
	return h, nil
}

func (d *Device) StopContinuous(_ context.Context, h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, h)
	return nil
}

func (d *Device) HasActiveSubscription(_ context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs) > 0
}

// ActiveHandles lists the continuous requests currently in force.
func (d *Device) ActiveHandles() []Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Handle, 0, len(d.subs))
	for h := range d.subs {
		out = append(out, h)
	}
	return out
}

type dispatch struct {
	handle Handle
	task   string
	fn     TaskFunc
	batch  Batch
}

// Deliver records samples as the device's latest fixes and dispatches them
// to every continuous request whose interval and distance thresholds they
// pass. It returns the number of task invocations. A task that panics is
// deregistered together with its requests.
func (d *Device) Deliver(ctx context.Context, samples []domain.LocationSample) int {
	if len(samples) == 0 {
		return 0
	}

	d.mu.Lock()
	last := samples[len(samples)-1]
	d.lastFix = &last

	var work []dispatch
	for h, sub := range d.subs {
		fn, ok := d.tasks[sub.cfg.TaskName]
		if !ok {
			continue
		}
		var accepted []domain.LocationSample
		for _, s := range samples {
			if !passesThreshold(sub, s) {
				continue
			}
			s := s
			sub.last = &s
			accepted = append(accepted, s)
		}
		if len(accepted) > 0 {
			work = append(work, dispatch{handle: h, task: sub.cfg.TaskName, fn: fn, batch: Batch{Samples: accepted}})
		}
	}
	d.mu.Unlock()

	for _, w := range work {
		d.invoke(ctx, w)
	}
	return len(work)
}

func (d *Device) invoke(ctx context.Context, w dispatch) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("background task crashed; deregistering", "task", w.task, "panic", r)
			d.mu.Lock()
			delete(d.tasks, w.task)
			for h, sub := range d.subs {
				if sub.cfg.TaskName == w.task {
					delete(d.subs, h)
				}
			}
			d.mu.Unlock()
		}
	}()
	w.fn(ctx, w.batch)
}

func passesThreshold(sub *continuous, s domain.LocationSample) bool {
	if sub.last == nil {
		return true
	}
	if sub.cfg.MinInterval > 0 && !s.SampledAt.IsZero() && !sub.last.SampledAt.IsZero() &&
		s.SampledAt.Sub(sub.last.SampledAt) < sub.cfg.MinInterval {
		return false
	}
	if sub.cfg.DistanceThresholdMeters > 0 && s.Validate() == nil && sub.last.Validate() == nil &&
		geo.DistanceMeters(sub.last.Latitude, sub.last.Longitude, s.Latitude, s.Longitude) < sub.cfg.DistanceThresholdMeters {
		return false
	}
	return true
}
