package remote

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"backend-transittrack/internal/domain"

	"github.com/redis/go-redis/v9"
)

// VehicleFilter scopes a change stream to one vehicle's rows.
func VehicleFilter(vehicleID string) string {
	return "vehicle_id=eq." + vehicleID
}

func changeChannel(table, filter string) string {
	return "realtime:" + table + ":" + filter
}

// ChangeFeed carries row change events over Redis pub/sub. Delivery is at
// least once from the subscriber's point of view: a reconnect may replay.
type ChangeFeed struct {
	client *redis.Client
	logger *slog.Logger
}

func NewChangeFeed(client *redis.Client, logger *slog.Logger) *ChangeFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeFeed{client: client, logger: logger}
}

func (f *ChangeFeed) Publish(ctx context.Context, table, filter string, event domain.ChangeEvent) error {
	if event.Table == "" {
		event.Table = table
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, changeChannel(table, filter), payload).Err()
}

// Subscribe delivers every event on table/filter to fn until the returned
// handle is closed. It returns once the subscription is confirmed.
func (f *ChangeFeed) Subscribe(ctx context.Context, table, filter string, fn func(domain.ChangeEvent)) (io.Closer, error) {
	ps := f.client.Subscribe(ctx, changeChannel(table, filter))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &subscription{pubsub: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			var event domain.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				f.logger.Warn("dropping malformed change event", "channel", msg.Channel, "error", err)
				continue
			}
			f.dispatch(fn, event)
		}
	}()
	return sub, nil
}

func (f *ChangeFeed) dispatch(fn func(domain.ChangeEvent), event domain.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("change handler panicked", "table", event.Table, "panic", r)
		}
	}()
	fn(event)
}

type subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
	err    error
}

// Close unsubscribes and waits for the delivery goroutine to exit.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
		<-s.done
	})
	return s.err
}
