package ping

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"backend-transittrack/internal/domain"
	"backend-transittrack/internal/platform"
	"backend-transittrack/internal/remote"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeRemote struct {
	mu       sync.Mutex
	assigned string
	pings    map[string][]domain.PingNotification
	lists    int
	listErr  error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{pings: map[string][]domain.PingNotification{
		"V1": {
			{ID: "p1", VehicleID: "V1", Status: domain.PingPending},
			{ID: "p2", VehicleID: "V1", Status: domain.PingAcknowledged},
		},
		"V2": {
			{ID: "q1", VehicleID: "V2", Status: domain.PingPending},
			{ID: "q2", VehicleID: "V2", Status: domain.PingPending},
		},
	}}
}

func (f *fakeRemote) AssignedVehicle(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assigned, nil
}

func (f *fakeRemote) ListPings(_ context.Context, vehicleID string) ([]domain.PingNotification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]domain.PingNotification(nil), f.pings[vehicleID]...), nil
}

func (f *fakeRemote) UpdatePingStatus(_ context.Context, pingID string, from []domain.PingStatus, to domain.PingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for vid, list := range f.pings {
		for i, p := range list {
			if p.ID != pingID {
				continue
			}
			for _, s := range from {
				if p.Status == s {
					f.pings[vid][i].Status = to
					return nil
				}
			}
		}
	}
	return fmt.Errorf("ping %s: %w", pingID, domain.ErrPingTransition)
}

func (f *fakeRemote) add(p domain.PingNotification) {
	f.mu.Lock()
	f.pings[p.VehicleID] = append(f.pings[p.VehicleID], p)
	f.mu.Unlock()
}

func (f *fakeRemote) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

type fakeSub struct {
	table  string
	filter string
	fn     func(domain.ChangeEvent)
	closed bool
}

func (s *fakeSub) Close() error {
	s.closed = true
	return nil
}

type fakeFeed struct {
	subs []*fakeSub
	err  error
}

func (f *fakeFeed) Subscribe(_ context.Context, table, filter string, fn func(domain.ChangeEvent)) (io.Closer, error) {
	if f.err != nil {
		return nil, f.err
	}
	sub := &fakeSub{table: table, filter: filter, fn: fn}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeFeed) last() *fakeSub {
	return f.subs[len(f.subs)-1]
}

type fakeAlerter struct {
	mu    sync.Mutex
	sent  []platform.Notification
	fired chan struct{}
}

func newFakeAlerter() *fakeAlerter {
	return &fakeAlerter{fired: make(chan struct{}, 8)}
}

func (a *fakeAlerter) Notify(_ context.Context, n platform.Notification) error {
	a.mu.Lock()
	a.sent = append(a.sent, n)
	a.mu.Unlock()
	a.fired <- struct{}{}
	return nil
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func TestBindSubscribesAndLoads(t *testing.T) {
	r, feed := newFakeRemote(), &fakeFeed{}
	ch := NewChannel(r, feed, nil, nil)

	var observed []State
	ch.Observe(func(s State) { observed = append(observed, s) })

	if err := ch.Bind(context.Background(), "V1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	sub := feed.last()
	if sub.table != remote.PingTable || sub.filter != remote.VehicleFilter("V1") {
		t.Fatalf("unexpected subscription: %s %s", sub.table, sub.filter)
	}
	state := ch.State()
	if state.VehicleID != "V1" || len(state.Pings) != 2 || state.Pending != 1 || ch.PendingCount() != 1 {
		t.Fatalf("unexpected state: %+v", state)
	}
	if len(observed) != 1 || observed[0].Pending != 1 {
		t.Fatalf("expected one observed state, got %+v", observed)
	}
}

func TestRebindTearsDownPrevious(t *testing.T) {
	r, feed := newFakeRemote(), &fakeFeed{}
	ch := NewChannel(r, feed, nil, nil)

	_ = ch.Bind(context.Background(), "V1")
	first := feed.last()
	if err := ch.Bind(context.Background(), "V2"); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if !first.closed {
		t.Fatalf("expected previous subscription closed")
	}
	if got := ch.PendingCount(); got != 2 {
		t.Fatalf("expected V2 pending count 2, got %d", got)
	}

	// a late event on the old subscription must not reload
	before := r.listCalls()
	first.fn(domain.ChangeEvent{Type: domain.ChangeInsert, Record: map[string]any{"id": "p9", "vehicle_id": "V1"}})
	if r.listCalls() != before {
		t.Fatalf("stale subscription triggered a reload")
	}

	// rebinding the same vehicle still tears down
	second := feed.last()
	_ = ch.Bind(context.Background(), "V2")
	if !second.closed || len(feed.subs) != 3 {
		t.Fatalf("expected unconditional teardown on rebind")
	}
}

func TestEventsReloadAndInsertAlerts(t *testing.T) {
	r, feed, alerter := newFakeRemote(), &fakeFeed{}, newFakeAlerter()
	ch := NewChannel(r, feed, alerter, nil)
	_ = ch.Bind(context.Background(), "V1")
	sub := feed.last()

	r.add(domain.PingNotification{ID: "p3", VehicleID: "V1", Status: domain.PingPending})
	insert := domain.ChangeEvent{Type: domain.ChangeInsert, Record: map[string]any{"id": "p3", "vehicle_id": "V1", "message": "at the gate"}}
	sub.fn(insert)
	if ch.PendingCount() != 2 {
		t.Fatalf("expected reload to pick up the new ping, got %d", ch.PendingCount())
	}
	if alerter.count() != 1 || alerter.sent[0].Body != "at the gate" {
		t.Fatalf("expected one alert with the ping message, got %+v", alerter.sent)
	}

	// redelivery reloads again but does not alert twice
	before := r.listCalls()
	sub.fn(insert)
	if r.listCalls() != before+1 || alerter.count() != 1 {
		t.Fatalf("expected idempotent redelivery, lists=%d alerts=%d", r.listCalls()-before, alerter.count())
	}

	sub.fn(domain.ChangeEvent{Type: domain.ChangeUpdate, Record: map[string]any{"id": "p1", "vehicle_id": "V1"}})
	if alerter.count() != 1 {
		t.Fatalf("updates must not alert")
	}
}

func TestForeignVehicleEventIgnored(t *testing.T) {
	r, feed, alerter := newFakeRemote(), &fakeFeed{}, newFakeAlerter()
	ch := NewChannel(r, feed, alerter, nil)
	_ = ch.Bind(context.Background(), "V1")

	before := r.listCalls()
	feed.last().fn(domain.ChangeEvent{Type: domain.ChangeInsert, Record: map[string]any{"id": "q3", "vehicle_id": "V2"}})
	if r.listCalls() != before || alerter.count() != 0 {
		t.Fatalf("foreign event should be ignored")
	}
}

func TestAcknowledgeAndComplete(t *testing.T) {
	r, feed := newFakeRemote(), &fakeFeed{}
	ch := NewChannel(r, feed, nil, nil)
	_ = ch.Bind(context.Background(), "V1")

	if err := ch.Acknowledge(context.Background(), "p1"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if ch.PendingCount() != 0 {
		t.Fatalf("expected no pending after acknowledge")
	}

	before := r.listCalls()
	if err := ch.Acknowledge(context.Background(), "p2"); !errors.Is(err, domain.ErrPingTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if r.listCalls() != before {
		t.Fatalf("failed transition must not reload")
	}

	if err := ch.Complete(context.Background(), "p2"); err != nil {
		t.Fatalf("complete acknowledged: %v", err)
	}
	if err := ch.Complete(context.Background(), "p2"); !errors.Is(err, domain.ErrPingTransition) {
		t.Fatalf("completing twice should fail, got %v", err)
	}
	for _, p := range ch.Pings() {
		if p.ID == "p2" && p.Status != domain.PingCompleted {
			t.Fatalf("expected p2 completed, got %s", p.Status)
		}
	}
}

func TestBindDriverRebindsOnlyOnChange(t *testing.T) {
	r, feed := newFakeRemote(), &fakeFeed{}
	ch := NewChannel(r, feed, nil, nil)

	r.assigned = "V1"
	_ = ch.BindDriver(context.Background(), "D1")
	_ = ch.BindDriver(context.Background(), "D1")
	if len(feed.subs) != 1 {
		t.Fatalf("expected a single subscription, got %d", len(feed.subs))
	}

	r.assigned = "V2"
	_ = ch.BindDriver(context.Background(), "D1")
	if len(feed.subs) != 2 || !feed.subs[0].closed {
		t.Fatalf("expected rebind to V2")
	}

	r.assigned = ""
	_ = ch.BindDriver(context.Background(), "D1")
	if !feed.subs[1].closed || ch.State().VehicleID != "" {
		t.Fatalf("expected teardown when unassigned")
	}
}

func TestBindSubscribeFailure(t *testing.T) {
	feed := &fakeFeed{err: errors.New("redis down")}
	ch := NewChannel(newFakeRemote(), feed, nil, nil)
	if err := ch.Bind(context.Background(), "V1"); err == nil {
		t.Fatalf("expected subscribe error")
	}
	if ch.PendingCount() != 0 {
		t.Fatalf("expected empty state")
	}
}

func TestCloseTearsDown(t *testing.T) {
	r, feed := newFakeRemote(), &fakeFeed{}
	ch := NewChannel(r, feed, nil, nil)
	_ = ch.Bind(context.Background(), "V1")
	_ = ch.Close()
	if !feed.last().closed || ch.State().VehicleID != "" || len(ch.Pings()) != 0 {
		t.Fatalf("expected closed channel")
	}
}

func TestChannelOverChangeFeed(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	feed := remote.NewChangeFeed(client, nil)
	r, alerter := newFakeRemote(), newFakeAlerter()
	ch := NewChannel(r, feed, alerter, nil)
	if err := ch.Bind(context.Background(), "V1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer ch.Close()

	r.add(domain.PingNotification{ID: "p3", VehicleID: "V1", Status: domain.PingPending})
	event := domain.ChangeEvent{Type: domain.ChangeInsert, Record: map[string]any{"id": "p3", "vehicle_id": "V1"}}
	if err := feed.Publish(context.Background(), remote.PingTable, remote.VehicleFilter("V1"), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-alerter.fired:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for ping alert")
	}
	if ch.PendingCount() != 2 {
		t.Fatalf("expected reload before alert, pending=%d", ch.PendingCount())
	}
}
