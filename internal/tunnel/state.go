package tunnel

import "time"

// State is the lifecycle state of a tunnel controller.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateForwarding
	StateClosing
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateForwarding:
		return "forwarding"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText lets states appear by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitionBufferSize is the number of state transitions kept per controller.
const transitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// transitionLog is a fixed-size ring buffer of transitions. It is only touched by the controller loop.
type transitionLog struct {
	entries [transitionBufferSize]StateTransition
	head    int
	count   int
}

func (l *transitionLog) record(t StateTransition) {
	l.entries[l.head] = t
	l.head = (l.head + 1) % transitionBufferSize
	if l.count < transitionBufferSize {
		l.count++
	}
}

// history returns the transitions oldest first.
func (l *transitionLog) history() []StateTransition {
	if l.count == 0 {
		return nil
	}
	out := make([]StateTransition, l.count)
	if l.count < transitionBufferSize {
		copy(out, l.entries[:l.count])
	} else {
		n := copy(out, l.entries[l.head:])
		copy(out[n:], l.entries[:l.head])
	}
	return out
}
