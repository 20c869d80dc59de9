package engine

import (
	"errors"
	"fmt"
)

// State is a position's lifecycle stage.
type State string

const (
	StateValidating State = "validating"
	StateEntering   State = "entering"
	StateProtecting State = "protecting"
	StateActive     State = "active"
	StateAged       State = "aged"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateRolledBack State = "rolled_back"
)

// ErrIllegalTransition is a lifecycle bug: the engine asked for a move the
// table does not allow.
var ErrIllegalTransition = errors.New("illegal state transition")

// transitions lists the legal next states. closing may fall back to the
// state it came from when the exit order is refused. An entry being undone
// sits in closing until the venue is flat, then becomes rolled_back.
var transitions = map[State][]State{
	StateValidating: {StateEntering},
	StateEntering:   {StateProtecting, StateClosing, StateRolledBack},
	StateProtecting: {StateActive, StateClosing, StateRolledBack},
	StateActive:     {StateAged, StateClosing, StateClosed},
	StateAged:       {StateClosing, StateClosed},
	StateClosing:    {StateClosed, StateActive, StateAged, StateRolledBack},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Terminal reports whether the position has left the engine.
func (s State) Terminal() bool { return s == StateClosed || s == StateRolledBack }

// Protected reports whether the state requires a live stop.
func (s State) Protected() bool { return s == StateActive || s == StateAged }
