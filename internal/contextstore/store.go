// Package contextstore persists the small amount of state the agent needs
// to resume after the process is killed: the background context, the
// active-trip record and the replay backlog.
package contextstore

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get when the key has never been set or was removed.
var ErrNotFound = errors.New("contextstore: key not found")

// ErrMalformed marks a stored record that could not be decoded.
var ErrMalformed = errors.New("contextstore: malformed record")

const (
	KeyBackgroundContext = "background_context"
	KeyActiveTrip        = "active_trip"
	KeyReplayQueue       = "replay_queue"
)

// Store is durable key/value storage scoped to one device installation.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Memory is a process-local Store, used when no durable backend is configured.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{values: map[string][]byte{}}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
