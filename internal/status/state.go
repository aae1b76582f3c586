package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State represents the daemon's connectivity and sync state.
type State string

const (
	Booting      State = "BOOTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Offline      State = "OFFLINE"
	Reconnecting State = "RECONNECTING"
	Error        State = "ERROR"
)

// KindStatusChanged is published on every accepted transition.
const KindStatusChanged = "session.status_changed"

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Syncing, Offline, Error},
	Syncing:      {Ready, Offline, Reconnecting, Error},
	Ready:        {Syncing, Reconnecting, Offline, Error},
	Offline:      {Syncing, Reconnecting, Error},
	Reconnecting: {Syncing, Ready, Offline, Error},
	Error:        {Booting},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Moving to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// TransitionFrom moves to to only while the machine is in from, and reports
// whether it did.
func (m *Machine) TransitionFrom(from, to State) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != from {
		return false, nil
	}
	if err := m.transitionLocked(to); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Machine) transitionLocked(to State) error {
	if m.current == to {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      KindStatusChanged,
			Timestamp: m.since,
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
