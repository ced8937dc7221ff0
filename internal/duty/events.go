package duty

import (
	"time"

	"backend-transittrack/internal/domain"
)

type EventKind string

const (
	EventStatusChanged   EventKind = "status_changed"
	EventSessionReplaced EventKind = "session_replaced"
	EventTrackingStopped EventKind = "tracking_stopped"
	EventCleanupFinished EventKind = "cleanup_finished"
	EventForegrounded    EventKind = "foregrounded"
)

// Event is published for every duty change. Reason carries the
// user-facing explanation when tracking stops on its own.
type Event struct {
	Kind    EventKind          `json:"kind"`
	Session domain.DutySession `json:"session"`
	Reason  string             `json:"reason,omitempty"`
	At      time.Time          `json:"at"`
}

const subscriberBuffer = 16

// Subscribe returns a channel of events and a func that ends the
// subscription. Slow subscribers miss events rather than block the machine.
func (m *Machine) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subsMu.Unlock()

	return ch, func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

func (m *Machine) publish(kind EventKind, session domain.DutySession, reason string) {
	ev := Event{Kind: kind, Session: session, Reason: reason, At: time.Now().UTC()}

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("duty subscriber lagging; event dropped", "subscriber", id, "kind", kind)
		}
	}
}
