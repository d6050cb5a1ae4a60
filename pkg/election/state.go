package election

import "fmt"

// State is the position of a Coordinator in its state machine.
type State int32

const (
	StateIdle State = iota
	StateAcquiring
	StateLeading
	StateReleasing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAcquiring:
		return "ACQUIRING"
	case StateLeading:
		return "LEADING"
	case StateReleasing:
		return "RELEASING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateStopped; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown election state %q", b)
}

// Active reports whether the state belongs to a running coordinator.
func (s State) Active() bool {
	return s == StateAcquiring || s == StateLeading || s == StateReleasing
}
