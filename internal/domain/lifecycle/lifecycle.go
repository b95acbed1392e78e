// Package lifecycle defines the legal state transitions for a simulation
// and validates every transition request before it reaches the store.
package lifecycle

import (
	"github.com/phip-platform/simcoord/internal/domain/model"
)

// legalTransitions is the complete table of allowed (from, to) pairs.
// Anything not listed here is rejected before a store round trip is spent.
var legalTransitions = map[model.SimulationStatus][]model.SimulationStatus{
	model.StatusPending: {
		model.StatusRunning,   // worker claim
		model.StatusCancelled, // cancel before any worker claims
	},
	model.StatusRunning: {
		model.StatusCompleted, // worker reports success
		model.StatusFailed,    // worker reports failure, or reaper timeout
		model.StatusCancelled, // cancel honoured mid-flight
	},
}

// IsTerminal reports whether no further transition is legal from the status.
func IsTerminal(s model.SimulationStatus) bool {
	return s == model.StatusCompleted || s == model.StatusFailed || s == model.StatusCancelled
}

// ValidateTransition reports whether moving from one status to another is
// legal. It is a pure predicate and never touches the store.
func ValidateTransition(from, to model.SimulationStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CancellableFrom lists the states an external cancel request may act on.
func CancellableFrom() []model.SimulationStatus {
	return []model.SimulationStatus{model.StatusPending, model.StatusRunning}
}
