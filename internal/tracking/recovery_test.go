package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"

	"backend-transittrack/internal/domain"
)

func newOwner() *fakeOwner {
	return &fakeOwner{session: domain.DutySession{DriverID: "D1", VehicleID: "V1", SessionID: "session-0", Status: domain.StatusOnTrip}}
}

func TestRecoveryRefreshesStaleSessionOnce(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{script: []error{errStale}}
	owner := newOwner()
	r := NewRecovery(remote, remote, owner, &fakeAlerter{}, nil)

	if err := r.UpdateVehicleLocation(ctx, sampleAt(1, 0).Update("V1")); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if len(remote.sessions) != 1 || owner.Session().SessionID != "session-1" {
		t.Fatalf("expected refreshed session persisted, got %+v", owner.replaced)
	}

	if err := r.UpdateVehicleLocation(ctx, sampleAt(2, 0).Update("V1")); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if len(remote.sessions) != 1 {
		t.Fatalf("expected no further refresh, got %d", len(remote.sessions))
	}
	for _, u := range remote.delivered() {
		if u.SessionID != "session-1" {
			t.Fatalf("expected refreshed session on delivered update, got %q", u.SessionID)
		}
	}
}

func TestRecoveryGivesUpAfterSecondStale(t *testing.T) {
	remote := &fakeRemote{script: []error{errStale, errStale}}
	owner := newOwner()
	alerter := &fakeAlerter{}
	r := NewRecovery(remote, remote, owner, alerter, nil)

	err := r.UpdateVehicleLocation(context.Background(), sampleAt(1, 0).Update("V1"))
	if !errors.Is(err, domain.ErrTrackingUnrecoverable) {
		t.Fatalf("expected unrecoverable, got %v", err)
	}
	if remote.callCount() != 2 || len(remote.sessions) != 1 {
		t.Fatalf("expected one refresh and one retry, got %d calls %d sessions", remote.callCount(), len(remote.sessions))
	}
	if len(owner.aborted) != 1 {
		t.Fatalf("expected tracking aborted")
	}
	if len(alerter.sent) != 1 {
		t.Fatalf("expected user-visible alert")
	}
}

func TestRecoveryRefreshFailureIsUnrecoverable(t *testing.T) {
	remote := &fakeRemote{script: []error{errStale}, startErr: errNetwork}
	owner := newOwner()
	r := NewRecovery(remote, remote, owner, nil, nil)

	err := r.UpdateVehicleLocation(context.Background(), sampleAt(1, 0).Update("V1"))
	if !errors.Is(err, domain.ErrTrackingUnrecoverable) || !errors.Is(err, errNetwork) {
		t.Fatalf("expected unrecoverable refresh failure, got %v", err)
	}
	if remote.callCount() != 1 || len(owner.aborted) != 1 {
		t.Fatalf("expected no retry and an abort")
	}
}

func TestRecoveryPassesThroughOtherErrors(t *testing.T) {
	remote := &fakeRemote{script: []error{errNetwork}}
	owner := newOwner()
	r := NewRecovery(remote, remote, owner, nil, nil)

	if err := r.UpdateVehicleLocation(context.Background(), sampleAt(1, 0).Update("V1")); !errors.Is(err, errNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if len(remote.sessions) != 0 || len(owner.aborted) != 0 {
		t.Fatalf("transient failures must not trigger recovery")
	}
}

func TestRecoveryEligibilityIsPerCall(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{script: []error{errStale, nil, nil, errStale}}
	owner := newOwner()
	r := NewRecovery(remote, remote, owner, nil, nil)

	for i := 0; i < 3; i++ {
		if err := r.UpdateVehicleLocation(ctx, sampleAt(float64(i), 0).Update("V1")); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	if len(remote.sessions) != 2 || owner.Session().SessionID != "session-2" {
		t.Fatalf("expected a second independent recovery, got %v", remote.sessions)
	}
}

func TestRecoveryConcurrentStaleCallsShareOneRefresh(t *testing.T) {
	remote := &fakeRemote{stale: "session-0"}
	owner := newOwner()
	alerter := &fakeAlerter{}
	r := NewRecovery(remote, remote, owner, alerter, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- r.UpdateVehicleLocation(context.Background(), sampleAt(float64(i), 0).Update("V1"))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("expected every call to recover, got %v", err)
		}
	}

	if len(remote.sessions) != 1 || owner.Session().SessionID != "session-1" {
		t.Fatalf("expected a single refreshed session, got %v", remote.sessions)
	}
	if len(remote.ended) != 1 || remote.ended[0] != "session-0" {
		t.Fatalf("expected the stale session ended once, got %v", remote.ended)
	}
	if len(remote.delivered()) != 4 || len(owner.aborted) != 0 || len(alerter.sent) != 0 {
		t.Fatalf("expected all updates delivered without an abort")
	}
}
