package suggest

import (
	"sync"
	"time"
)

// State is the lifecycle position of one suggestion stream.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateCompleted
	StateCanceled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCanceled:
		return "canceled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCanceled || s == StateFailed
}

// StateChange represents a stream state transition.
type StateChange struct {
	Stream    StreamID
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes stream state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid stream transition from " + e.From.String() + " to " + e.To.String()
}

var validTransitions = map[State][]State{
	StateIdle:       {StateConnecting, StateCanceled},
	StateConnecting: {StateStreaming, StateCanceled, StateFailed},
	StateStreaming:  {StateCompleted, StateCanceled, StateFailed},
}

type stateMachine struct {
	mu        sync.RWMutex
	stream    StreamID
	current   State
	listeners []StateListener
}

func newStateMachine(stream StreamID, listeners []StateListener) *stateMachine {
	return &stateMachine{stream: stream, current: StateIdle, listeners: listeners}
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to state, notifying listeners outside the lock.
func (m *stateMachine) Transition(state State, reason string) error {
	m.mu.Lock()
	if !transitionValid(m.current, state) {
		from := m.current
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}
	event := StateChange{
		Stream:    m.stream,
		FromState: m.current,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	m.current = state
	listeners := m.listeners
	m.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}
