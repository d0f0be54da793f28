// Package agent provides the runtime every agent runs on: lifecycle state
// machine, sequential mailbox loop, per-kind handler dispatch, heartbeats,
// and terminal report emission for directives.
package agent

// =============================================================================
// Lifecycle States
// =============================================================================

// State is an agent lifecycle state.
type State string

const (
	// StateCreated is the initial state after registration.
	StateCreated State = "created"
	// StateInitializing runs one-time setup.
	StateInitializing State = "initializing"
	// StateRunning processes envelopes normally.
	StateRunning State = "running"
	// StateDegraded processes envelopes after a recent handler failure.
	StateDegraded State = "degraded"
	// StateStopped is terminal.
	StateStopped State = "stopped"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State]map[State]bool{
	StateCreated: {
		StateInitializing: true,
		StateStopped:      true,
	},
	StateInitializing: {
		StateRunning: true,
		StateStopped: true, // Init failed
	},
	StateRunning: {
		StateDegraded: true,
		StateStopped:  true,
	},
	StateDegraded: {
		StateRunning: true, // Recovered
		StateStopped: true,
	},
	StateStopped: {}, // Terminal state
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to State) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}
