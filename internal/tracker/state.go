package tracker

import "fmt"

// State is the lifecycle stage of a track.
type State int

const (
	Tentative State = iota
	Confirmed
	Lost
	Removed
)

var stateNames = [...]string{
	Tentative: "tentative",
	Confirmed: "confirmed",
	Lost:      "lost",
	Removed:   "removed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by its stable lowercase name.
func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("unknown track state %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown track state %q", text)
}

// transitions lists the only legal lifecycle edges.
var transitions = map[State][]State{
	Tentative: {Confirmed, Removed},
	Confirmed: {Lost},
	Lost:      {Confirmed, Removed},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError is the panic value raised when a track is driven along
// an edge that does not exist in the lifecycle. It signals a defect in the
// tracker itself and is never recovered internally.
type TransitionError struct {
	TrackID uint64
	From    State
	To      State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("tracker: illegal transition %s -> %s for track %d", e.From, e.To, e.TrackID)
}
