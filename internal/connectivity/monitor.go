// Package connectivity tracks whether the remote endpoint is reachable and
// tells interested parties when that changes.
package connectivity

import (
	"log/slog"
	"sync"
)

// Source is the read side of a Monitor.
type Source interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Monitor holds the current online flag. Listeners run synchronously on the
// goroutine that calls Set, once per transition. Concurrent Set calls are
// serialized, so listeners see transitions in the order they happened.
type Monitor struct {
	notifyMu sync.Mutex // held for a whole Set, including listener calls

	mu        sync.Mutex
	online    bool
	listeners map[int]func(bool)
	nextID    int
	wake      chan struct{}
	logger    *slog.Logger
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online:    online,
		listeners: make(map[int]func(bool)),
		wake:      make(chan struct{}, 1),
		logger:    slog.Default(),
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for future transitions. The returned func removes
// it and may be called any number of times.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Wake delivers a signal after each offline to online transition. Signals
// that nobody has consumed yet are coalesced into one.
func (m *Monitor) Wake() <-chan struct{} {
	return m.wake
}

// Set records the new state. Nothing happens when it equals the current one.
// Listeners must not call Set.
func (m *Monitor) Set(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity restored")
		select {
		case m.wake <- struct{}{}:
		default:
		}
	} else {
		m.logger.Warn("connectivity lost")
	}

	for _, fn := range fns {
		fn(online)
	}
}
