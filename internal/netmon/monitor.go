package netmon

import (
	"sync"
	"time"

	"github.com/marcus/fieldsync/internal/events"
)

// Monitor holds the current network state and notifies subscribers when it
// changes.
type Monitor struct {
	mu    sync.RWMutex
	state State
	topic *events.Topic[State]
	now   func() time.Time
}

// NewMonitor creates a monitor that starts in the given state.
func NewMonitor(initial State) *Monitor {
	return &Monitor{state: initial, topic: events.NewTopic[State](), now: time.Now}
}

// Current returns the latest known state.
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Update replaces the current state. Subscribers are notified only when the
// connectivity, transport or quality changed. Returns the previous state.
func (m *Monitor) Update(s State) State {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = m.now()
	}
	if !s.Connected {
		s.Quality = QualityNone
	}

	// Publish never blocks; holding mu keeps publish order equal to update order.
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	m.state = s
	if prev.Connected != s.Connected || prev.Transport != s.Transport || prev.Quality != s.Quality {
		m.topic.Publish(s)
	}
	return prev
}

// Subscribe calls fn with every state change until the handle is passed to
// Unsubscribe. Delivery is lossy: a slow callback only sees the newest state.
func (m *Monitor) Subscribe(fn func(State)) *events.Subscription[State] {
	return m.topic.SubscribeFunc(fn)
}

// Subscribers returns the number of live subscriptions.
func (m *Monitor) Subscribers() int {
	return m.topic.Len()
}

// Unsubscribe stops delivery to a handle returned by Subscribe. Unknown or
// already removed handles are ignored.
func (m *Monitor) Unsubscribe(sub *events.Subscription[State]) {
	if sub == nil {
		return
	}
	sub.Close()
}

// Restored reports whether moving from prev to next should count as
// connectivity coming back: reconnecting, or an upgrade in quality.
func Restored(prev, next State) bool {
	if !next.Connected {
		return false
	}
	return !prev.Connected || next.Quality > prev.Quality
}
