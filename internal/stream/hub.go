// Package stream fans driver-facing state changes out to websocket clients,
// across processes when Redis is configured.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message kinds published to the UI.
const (
	KindDuty     = "duty"
	KindSummary  = "summary"
	KindDelivery = "delivery"
	KindPings    = "pings"
	KindAlert    = "alert"
)

type Message struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

type Hub struct {
	redis   *redis.Client
	pubsub  *redis.PubSub
	logger  *slog.Logger
	clients map[string]map[*Client]struct{}
	latest  map[string]map[string][]byte
	mu      sync.RWMutex
	done    chan struct{}
}

type Client struct {
	DriverID string
	Send     chan []byte
}

// NewHub builds a hub. With a Redis client every broadcast goes through
// pub/sub, so clients connected to any instance receive it exactly once.
func NewHub(redisClient *redis.Client, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		redis:   redisClient,
		logger:  logger,
		clients: map[string]map[*Client]struct{}{},
		latest:  map[string]map[string][]byte{},
		done:    make(chan struct{}),
	}

	if redisClient != nil {
		h.pubsub = redisClient.PSubscribe(context.Background(), redisPattern)
		if _, err := h.pubsub.Receive(context.Background()); err != nil {
			logger.Warn("stream redis subscribe failed; broadcasting locally", "error", err)
			_ = h.pubsub.Close()
			h.pubsub = nil
		} else {
			go h.subscribeRedis()
		}
	}
	if h.pubsub == nil {
		close(h.done)
	}
	return h
}

// Register attaches a client for driverID and primes it with the latest
// message of every kind.
func (h *Hub) Register(driverID string) *Client {
	client := &Client{
		DriverID: driverID,
		Send:     make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[driverID] == nil {
		h.clients[driverID] = map[*Client]struct{}{}
	}
	h.clients[driverID][client] = struct{}{}
	for _, payload := range h.latest[driverID] {
		client.Send <- payload
	}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if driverClients, ok := h.clients[client.DriverID]; ok {
		if _, ok := driverClients[client]; !ok {
			return
		}
		delete(driverClients, client)
		if len(driverClients) == 0 {
			delete(h.clients, client.DriverID)
		}
		close(client.Send)
	}
}

// Publish wraps data in a Message of the given kind and broadcasts it.
func (h *Hub) Publish(ctx context.Context, driverID, kind string, data any) error {
	payload, err := json.Marshal(Message{Kind: kind, At: time.Now().UTC(), Data: data})
	if err != nil {
		return err
	}
	h.Broadcast(ctx, driverID, payload)
	return nil
}

func (h *Hub) Broadcast(ctx context.Context, driverID string, payload []byte) {
	if h.pubsub != nil {
		err := h.redis.Publish(ctx, redisChannel(driverID), payload).Err()
		if err == nil {
			return
		}
		h.logger.Warn("stream redis publish failed; delivering locally", "driver_id", driverID, "error", err)
	}
	h.deliver(driverID, payload)
}

func (h *Hub) Close() error {
	if h.pubsub == nil {
		return nil
	}
	err := h.pubsub.Close()
	<-h.done
	return err
}

func (h *Hub) deliver(driverID string, payload []byte) {
	h.mu.Lock()
	if kind := kindOf(payload); kind != "" {
		if h.latest[driverID] == nil {
			h.latest[driverID] = map[string][]byte{}
		}
		h.latest[driverID][kind] = payload
	}
	clients := make([]*Client, 0, len(h.clients[driverID]))
	for client := range h.clients[driverID] {
		clients = append(clients, client)
	}
	// sends stay under the lock so Unregister cannot close a channel mid-send
	for _, client := range clients {
		select {
		case client.Send <- payload:
		default:
			h.logger.Debug("stream client lagging; message dropped", "driver_id", driverID)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) subscribeRedis() {
	defer close(h.done)
	for msg := range h.pubsub.Channel() {
		driverID := driverIDFromChannel(msg.Channel)
		if driverID == "" {
			continue
		}
		h.deliver(driverID, []byte(msg.Payload))
	}
}

func kindOf(payload []byte) string {
	var m struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	return m.Kind
}

const (
	channelPrefix = "transittrack:driver:"
	channelSuffix = ":events"
	redisPattern  = channelPrefix + "*" + channelSuffix
)

func redisChannel(driverID string) string {
	return channelPrefix + driverID + channelSuffix
}

func driverIDFromChannel(ch string) string {
	if !strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) ||
		len(ch) <= len(channelPrefix)+len(channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
