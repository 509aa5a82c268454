package process

import "fmt"

// State is the lifecycle state of the supervised child.
type State int

const (
	// StateStopped is the initial state, and the state after any exit.
	StateStopped State = iota
	// StateRunning means the child survived its startup grace interval.
	StateRunning
	// StateStopping means a Stop is in flight.
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*s = StateStopped
	case "running":
		*s = StateRunning
	case "stopping":
		*s = StateStopping
	default:
		return fmt.Errorf("unknown state %q", string(b))
	}
	return nil
}
