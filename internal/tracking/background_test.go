package tracking

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"backend-transittrack/internal/contextstore"
	"backend-transittrack/internal/domain"
	"backend-transittrack/internal/metrics"
	"backend-transittrack/internal/platform"
)

var errDenied = errors.New("denied")

type fakeGate struct {
	failStep string
}

func (g *fakeGate) EnsureNotifications(context.Context) error {
	if g.failStep == StepNotifications {
		return errDenied
	}
	return nil
}

func (g *fakeGate) EnsureChannel(context.Context) error {
	if g.failStep == StepChannel {
		return errDenied
	}
	return nil
}

func (g *fakeGate) EnsureLocation(context.Context, bool) error {
	if g.failStep == StepLocation {
		return errDenied
	}
	return nil
}

// orderingProvider records whether the context still existed when the
// continuous request was stopped.
type orderingProvider struct {
	store         contextstore.Store
	active        bool
	startErr      error
	ignoreStart   bool
	starts        int
	contextAtStop bool
}

func (p *orderingProvider) RequestOneShot(context.Context, platform.Accuracy) (domain.LocationSample, error) {
	return domain.LocationSample{}, platform.ErrNoFix
}

func (p *orderingProvider) StartContinuous(context.Context, platform.ContinuousConfig) (platform.Handle, error) {
	if p.startErr != nil {
		return "", p.startErr
	}
	p.starts++
	if !p.ignoreStart {
		p.active = true
	}
	return "h-1", nil
}

func (p *orderingProvider) StopContinuous(ctx context.Context, _ platform.Handle) error {
	bc, _ := contextstore.LoadBackgroundContext(ctx, p.store)
	p.contextAtStop = bc != nil
	p.active = false
	return nil
}

func (p *orderingProvider) HasActiveSubscription(context.Context) bool { return p.active }

type agentFixture struct {
	store  *contextstore.Memory
	remote *fakeRemote
	agent  *Background
}

func newAgent(provider platform.LocationProvider, gate Gate) agentFixture {
	store := contextstore.NewMemory()
	remote := &fakeRemote{}
	d := NewDeliverer(metrics.SourceBackground, remote, newQueue(store, remote), nil, nil)
	if provider == nil {
		provider = &orderingProvider{store: store}
	}
	if gate == nil {
		gate = &fakeGate{}
	}
	if op, ok := provider.(*orderingProvider); ok {
		op.store = store
	}
	return agentFixture{store: store, remote: remote, agent: NewBackground(store, provider, gate, d, BackgroundOptions{}, nil)}
}

func saveContext(t *testing.T, store contextstore.Store, status domain.DutyStatus, vehicleID string) {
	t.Helper()
	raw := domain.BackgroundContext{VehicleID: vehicleID, DutyStatus: status}
	if err := contextstore.SaveBackgroundContext(context.Background(), store, raw); err != nil {
		t.Fatalf("save context: %v", err)
	}
}

func TestHandleBatchMalformedSamplesMakeNoRemoteCalls(t *testing.T) {
	f := newAgent(nil, nil)
	saveContext(t, f.store, domain.StatusOnTrip, "V1")

	bad := []domain.LocationSample{
		{Latitude: math.NaN(), Longitude: 1},
		{Latitude: 1, Longitude: math.Inf(1)},
		{Latitude: -91, Longitude: 1},
	}
	for _, s := range bad {
		f.agent.HandleBatch(context.Background(), platform.Batch{Samples: []domain.LocationSample{s}})
	}
	if f.remote.callCount() != 0 {
		t.Fatalf("expected zero remote calls, got %d", f.remote.callCount())
	}
}

func TestHandleBatchInactiveContextMakesNoRemoteCalls(t *testing.T) {
	valid := platform.Batch{Samples: []domain.LocationSample{sampleAt(-6.2, 0)}}

	absent := newAgent(nil, nil)
	absent.agent.HandleBatch(context.Background(), valid)
	if absent.remote.callCount() != 0 {
		t.Fatalf("absent context must not send")
	}

	off := newAgent(nil, nil)
	saveContext(t, off.store, domain.StatusOffDuty, "V1")
	off.agent.HandleBatch(context.Background(), valid)
	if off.remote.callCount() != 0 {
		t.Fatalf("off duty context must not send")
	}

	unknown := newAgent(nil, nil)
	saveContext(t, unknown.store, domain.DutyStatus("paused"), "V1")
	unknown.agent.HandleBatch(context.Background(), valid)
	if unknown.remote.callCount() != 0 {
		t.Fatalf("unknown status must not send")
	}

	noVehicle := newAgent(nil, nil)
	_ = noVehicle.store.Set(context.Background(), contextstore.KeyBackgroundContext, []byte(`{"duty_status":"on_trip","schema_version":1}`))
	noVehicle.agent.HandleBatch(context.Background(), valid)
	if noVehicle.remote.callCount() != 0 {
		t.Fatalf("missing vehicle must not send")
	}
}

func TestHandleBatchSendsLastSample(t *testing.T) {
	f := newAgent(nil, nil)
	saveContext(t, f.store, domain.StatusOnTrip, "V1")
	speed := 10.0
	last := sampleAt(-6.3, time.Second)
	last.SpeedMetersPerSecond = &speed

	f.agent.HandleBatch(context.Background(), platform.Batch{Samples: []domain.LocationSample{sampleAt(-6.2, 0), last}})

	got := f.remote.delivered()
	if len(got) != 1 {
		t.Fatalf("expected one update, got %d", len(got))
	}
	if got[0].Lat != -6.3 || got[0].SpeedKmh != 36 || got[0].AccuracyMeters != domain.DefaultAccuracyMeters {
		t.Fatalf("unexpected update: %+v", got[0])
	}
	if got[0].SessionID != "" {
		t.Fatalf("background updates carry no session")
	}
}

func TestHandleBatchQueuesFailures(t *testing.T) {
	f := newAgent(nil, nil)
	f.remote.script = []error{errNetwork}
	saveContext(t, f.store, domain.StatusOnTrip, "V1")

	f.agent.HandleBatch(context.Background(), platform.Batch{Samples: []domain.LocationSample{sampleAt(-6.2, 0)}})
	if _, err := f.store.Get(context.Background(), contextstore.KeyReplayQueue); err != nil {
		t.Fatalf("expected persisted backlog: %v", err)
	}
}

func TestHandleBatchRecoversPanics(t *testing.T) {
	agent := NewBackground(contextstore.NewMemory(), &orderingProvider{}, &fakeGate{}, nil, BackgroundOptions{}, nil)
	saveContext(t, agent.store, domain.StatusOnTrip, "V1")
	// nil deliverer panics inside the task body
	agent.HandleBatch(context.Background(), platform.Batch{Samples: []domain.LocationSample{sampleAt(1, 0)}})
	agent.HandleBatch(context.Background(), platform.Batch{Err: errNetwork})
}

func TestStartStopsAtFirstFailingStep(t *testing.T) {
	bc := domain.BackgroundContext{VehicleID: "V1", DutyStatus: domain.StatusOnTrip}
	for _, step := range []string{StepNotifications, StepChannel, StepLocation} {
		f := newAgent(nil, &fakeGate{failStep: step})
		err := f.agent.Start(context.Background(), bc)
		var startErr *StartError
		if !errors.As(err, &startErr) || startErr.Step != step {
			t.Fatalf("expected failure at %s, got %v", step, err)
		}
		if ctx, _ := contextstore.LoadBackgroundContext(context.Background(), f.store); ctx != nil {
			t.Fatalf("context must not be persisted when %s fails", step)
		}
	}

	f := newAgent(nil, nil)
	var startErr *StartError
	err := f.agent.Start(context.Background(), domain.BackgroundContext{DutyStatus: domain.StatusOnTrip})
	if !errors.As(err, &startErr) || startErr.Step != StepPersist {
		t.Fatalf("expected persist failure, got %v", err)
	}
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration fault, got %v", err)
	}

	provider := &orderingProvider{startErr: errNetwork}
	f = newAgent(provider, nil)
	if err := f.agent.Start(context.Background(), bc); !errors.As(err, &startErr) || startErr.Step != StepRequest {
		t.Fatalf("expected request failure, got %v", err)
	}

	provider = &orderingProvider{ignoreStart: true}
	f = newAgent(provider, nil)
	if err := f.agent.Start(context.Background(), bc); !errors.As(err, &startErr) || startErr.Step != StepVerify {
		t.Fatalf("expected verify failure, got %v", err)
	}
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	provider := &orderingProvider{}
	f := newAgent(provider, nil)
	bc := domain.BackgroundContext{VehicleID: "V1", DutyStatus: domain.StatusOnTrip}
	for i := 0; i < 2; i++ {
		if err := f.agent.Start(context.Background(), bc); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	if provider.starts != 1 {
		t.Fatalf("expected one continuous request, got %d", provider.starts)
	}
	if !f.agent.Running() {
		t.Fatalf("expected running")
	}
}

func TestStopEndsRequestBeforeClearingContext(t *testing.T) {
	provider := &orderingProvider{}
	f := newAgent(provider, nil)
	if err := f.agent.Start(context.Background(), domain.BackgroundContext{VehicleID: "V1", DutyStatus: domain.StatusOnTrip}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.agent.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !provider.contextAtStop {
		t.Fatalf("context was cleared before the OS request stopped")
	}
	if bc, _ := contextstore.LoadBackgroundContext(context.Background(), f.store); bc != nil {
		t.Fatalf("expected context removed")
	}
	if f.agent.Running() || provider.active {
		t.Fatalf("expected stopped")
	}
}

func TestRegisterOnlyOnce(t *testing.T) {
	device := platform.NewDevice(platform.DeviceOptions{GrantAll: true})
	f := newAgent(device, nil)
	if err := f.agent.Register(device); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.agent.Register(device); err != nil {
		t.Fatalf("second register should be a no-op: %v", err)
	}
	if !device.TaskDefined(BackgroundTaskName) {
		t.Fatalf("expected task defined")
	}
}

func TestAgentWithDevice(t *testing.T) {
	device := platform.NewDevice(platform.DeviceOptions{GrantAll: true})
	f := newAgent(device, nil)
	if err := f.agent.Register(device); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.agent.Start(context.Background(), domain.BackgroundContext{VehicleID: "V1", DutyStatus: domain.StatusOnTrip}); err != nil {
		t.Fatalf("start: %v", err)
	}

	device.Deliver(context.Background(), []domain.LocationSample{sampleAt(-6.2, 0)})
	if got := f.remote.delivered(); len(got) != 1 || got[0].VehicleID != "V1" {
		t.Fatalf("expected update from OS batch, got %+v", got)
	}

	if err := f.agent.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	device.Deliver(context.Background(), []domain.LocationSample{sampleAt(-6.3, time.Minute)})
	if f.remote.callCount() != 1 {
		t.Fatalf("expected no updates after stop")
	}
}
