package session

import "errors"

// State is the lifecycle state of a Manager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotOpen marks a send attempted while the session was not open.
	ErrNotOpen = errors.New("session not open")
	// ErrNoUser is raised when the transport opens without an authenticated user.
	ErrNoUser = errors.New("no authenticated user; handshake skipped")
	// ErrRetriesExhausted is fatal: automatic reconnects have stopped.
	ErrRetriesExhausted = errors.New("unable to connect: reconnect attempts exhausted")
)
