package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"backend-transittrack/internal/contextstore"
	"backend-transittrack/internal/domain"
	"backend-transittrack/internal/platform"
	"backend-transittrack/internal/replay"
)

var (
	errNetwork = errors.New("network unreachable")
	errStale   = fmt.Errorf("update vehicle location: %w", domain.ErrStaleSession)
)

// fakeRemote fails updates according to a per-call script.
type fakeRemote struct {
	mu       sync.Mutex
	updates  []domain.LocationUpdate
	script   []error
	calls    int
	sessions []string
	ended    []string
	startErr error
	nextID   int
	// stale rejects every update carrying this session reference.
	stale string
}

func (f *fakeRemote) UpdateVehicleLocation(_ context.Context, u domain.LocationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.stale != "" && u.SessionID == f.stale {
		return errStale
	}
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return err
		}
	}
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeRemote) StartDriverSession(_ context.Context, driverID, vehicleID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextID++
	id := fmt.Sprintf("session-%d", f.nextID)
	f.sessions = append(f.sessions, id)
	return id, nil
}

func (f *fakeRemote) EndDriverSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRemote) delivered() []domain.LocationUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.LocationUpdate(nil), f.updates...)
}

type fakeOwner struct {
	mu       sync.Mutex
	session  domain.DutySession
	replaced []string
	aborted  []error
}

func (o *fakeOwner) Session() domain.DutySession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

func (o *fakeOwner) ReplaceSession(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session.SessionID = id
	o.replaced = append(o.replaced, id)
	return nil
}

func (o *fakeOwner) Abort(_ context.Context, reason error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aborted = append(o.aborted, reason)
}

type fakeAlerter struct {
	sent []platform.Notification
}

func (a *fakeAlerter) Notify(_ context.Context, n platform.Notification) error {
	a.sent = append(a.sent, n)
	return nil
}

func sampleAt(lat float64, offset time.Duration) domain.LocationSample {
	return domain.LocationSample{
		Latitude:  lat,
		Longitude: 106.8,
		SampledAt: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC).Add(offset),
	}
}

func newQueue(store contextstore.Store, sender replay.Sender) *replay.Queue {
	q, err := replay.New(context.Background(), store, sender, nil, 100, nil)
	if err != nil {
		panic(err)
	}
	return q
}
