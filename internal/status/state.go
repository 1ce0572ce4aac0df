package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatcache/internal/bus"
	"github.com/matheus3301/chatcache/internal/store"
)

// State is the delivery state of a locally authored write.
type State string

const (
	Pending   State = "PENDING"
	Sent      State = "SENT"
	Delivered State = "DELIVERED"
	Failed    State = "FAILED"
)

// validTransitions defines allowed state transitions. Failed may go back to
// Pending on retry, or straight to Delivered when a confirmation arrives
// after the write was given up on.
var validTransitions = map[State][]State{
	Pending:   {Sent, Delivered, Failed},
	Sent:      {Delivered, Failed},
	Failed:    {Pending, Delivered},
	Delivered: {},
}

// Machine tracks and enforces the state of one write.
type Machine struct {
	mu      sync.RWMutex
	current State
	conv    string
	cid     store.CacheID
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Pending state.
func NewMachine(b *bus.Bus, conv string, cid store.CacheID) *Machine {
	return &Machine{
		current: Pending,
		conv:    conv,
		cid:     cid,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind:         bus.KindWriteStatus,
		Conversation: m.conv,
		Timestamp:    time.Now(),
		Payload: StatusChange{
			CacheID: m.cid,
			From:    from,
			To:      to,
		},
	})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	CacheID store.CacheID
	From    State
	To      State
}
