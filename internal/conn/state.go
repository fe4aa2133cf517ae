package conn

import (
	"fmt"
	"slices"
	"sync"

	"github.com/vterra/chirp/internal/bus"
)

// State represents a push-channel lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	// Error is entered when reconnection attempts are exhausted or the
	// server rejected our credentials. It is left only by an explicit
	// Start call.
	Error State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected, Error},
	Connected:    {Reconnecting, Disconnected, Error},
	Reconnecting: {Connected, Reconnecting, Disconnected, Error},
	Error:        {Connecting, Disconnected},
}

// StateChange is the payload for "conn.state_changed" events.
type StateChange struct {
	From State
	To   State
}

// machine tracks and enforces channel state transitions, broadcasting each
// change on the bus.
type machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

func newMachine(b *bus.Bus) *machine {
	return &machine{current: Disconnected, bus: b}
}

func (m *machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *machine) Transition(to State) error {
	m.mu.Lock()
	if !slices.Contains(validTransitions[m.current], to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Now("conn.state_changed", StateChange{From: from, To: to}))
	}
	return nil
}
