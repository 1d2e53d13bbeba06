package model

import "fmt"

// State is a stage of the fit/simplify loop. A model moves from the maximal
// fit through zero or more PCA reductions to convergence, is verified across
// the optimizer panel, and is then reported; a fixed-effect term can be
// rejected by a nested-model comparison along the way, which re-enters the
// loop with the reduced model.
type State string

const (
	StateMaximal    State = "maximal"
	StatePCAReduced State = "pca_reduced"
	StateConverged  State = "converged"
	StateVerified   State = "cross_optimizer_verified"
	StateRejected   State = "rejected"
	StateReported   State = "reported"
)

// validTransitions is the explicit transition graph of the loop
var validTransitions = map[State][]State{
	StateMaximal:    {StatePCAReduced, StateConverged},
	StatePCAReduced: {StatePCAReduced, StateConverged},
	StateConverged:  {StateVerified},
	StateVerified:   {StateRejected, StateReported},
	StateRejected:   {StateConverged},
	StateReported:   {},
}

// CanTransition reports whether moving from one state to another is legal
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and performs a state change
func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("illegal state transition %s -> %s", from, to)
	}
	return to, nil
}

// IsTerminal reports whether the state ends the loop
func (s State) IsTerminal() bool {
	return s == StateReported
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}
