// Package netstate tracks whether the device currently has network
// connectivity and notifies subscribers on transitions.
//
// The state can be driven two ways: the host runtime pushes online/offline
// signals via SetOnline, or the optional probe loop (see Watch) polls a
// reachability URL. Both feed the same Monitor, so consumers never care
// where the signal came from.
//
//	mon := netstate.NewMonitor()
//	unsub := mon.Subscribe(func(online bool) { ... })
//	go mon.Watch(ctx, netstate.ProbeOptions{URL: "https://api.example.org/healthz"})
package netstate

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Monitor holds the current connectivity state. Safe for concurrent use.
type Monitor struct {
	online atomic.Bool

	mu     sync.Mutex
	subs   map[int]func(bool)
	nextID int

	logger *slog.Logger

	// Counters for observability.
	flips atomic.Int64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// StartOnline makes the monitor assume connectivity until told otherwise.
func StartOnline() Option {
	return func(m *Monitor) { m.online.Store(true) }
}

// NewMonitor creates a Monitor that starts offline unless StartOnline is
// given. Starting offline is the safe default: the first confirmed signal
// flips it.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		subs:   make(map[int]func(bool)),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// SetOnline records a connectivity signal from the host runtime. Subscribers
// are notified only on actual transitions, synchronously, in registration
// order. A panicking subscriber is logged and skipped, never propagated.
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	m.flips.Add(1)
	m.logger.Info("connectivity changed", "online", online)

	m.mu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.mu.Unlock()

	for _, fn := range fns {
		m.notify(fn, online)
	}
}

func (m *Monitor) notify(fn func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connectivity subscriber panicked", "panic", r)
		}
	}()
	fn(online)
}

// Subscribe registers a callback for state transitions and returns an
// unsubscribe function.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Flips returns how many state transitions have been observed.
func (m *Monitor) Flips() int64 {
	return m.flips.Load()
}
