package conversation

import "time"

// State is the control state of a Session.
type State int

const (
	// StateIdle: no outstanding work; a new user turn may be submitted.
	StateIdle State = iota
	// StateWaiting: a model gateway call is outstanding.
	StateWaiting
	// StateProcessingTools: the last response carried tool requests not yet resolved.
	StateProcessingTools
	// StateContinuing: every tool request of the round is resolved and a
	// follow-up gateway call is due.
	StateContinuing
	// StateError: unrecoverable; only Reset leaves this state.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateProcessingTools:
		return "processing_tools"
	case StateContinuing:
		return "continuing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Transition describes one state change, delivered to a transition hook.
type Transition struct {
	SessionID string
	From      State
	To        State
	At        time.Time
	// Held is how long the session stayed in From.
	Held    time.Duration
	Turns   int
	Pending int
}
