package backend

import "sync"

// State is the connection lifecycle position of a backend.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a State plus the reason for StateError.
type Status struct {
	State  State
	Reason string
}

func Disconnected() Status { return Status{State: StateDisconnected} }
func Connecting() Status   { return Status{State: StateConnecting} }
func Connected() Status    { return Status{State: StateConnected} }

// Failed builds an Error status carrying reason.
func Failed(reason string) Status { return Status{State: StateError, Reason: reason} }

func (s Status) IsConnected() bool { return s.State == StateConnected }

func (s Status) String() string {
	if s.State == StateError && s.Reason != "" {
		return "error: " + s.Reason
	}
	return s.State.String()
}

// MarshalText lets Status render as a single string in JSON snapshots.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusCell is a mutex-guarded Status shared by a backend and its
// background goroutines.
type StatusCell struct {
	mu     sync.RWMutex
	status Status
}

func (c *StatusCell) Get() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *StatusCell) Set(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}
