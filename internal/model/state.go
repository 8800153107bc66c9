package model

import "fmt"

// State is a state of a structured run.
//
//	created -> setting_up -> running -> tearing_down -> done
//
// Any state but done may move to tearing_down on failure.
type State string

const (
	StateCreated     State = "created"
	StateSettingUp   State = "setting_up"
	StateRunning     State = "running"
	StateTearingDown State = "tearing_down"
	StateDone        State = "done"
)

var transitions = map[State][]State{
	StateCreated:     {StateSettingUp, StateTearingDown},
	StateSettingUp:   {StateRunning, StateTearingDown},
	StateRunning:     {StateTearingDown},
	StateTearingDown: {StateDone},
	StateDone:        {},
}

// ValidateTransition returns ErrInvalidTransition if a run can't move from -> to.
func ValidateTransition(from, to State) error {
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("unknown state %q: %w", from, ErrInvalidTransition)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
}

func (s State) Terminal() bool {
	return s == StateDone
}
