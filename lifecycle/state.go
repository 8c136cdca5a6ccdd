// Package lifecycle implements the per-component operational state machine
// and the lifecycle event stream the monitoring side reconstructs component
// status from. Every transition is published as an explicit
// (previous, new) pair; readers never have to infer a transition from a
// single absolute-state sample.
package lifecycle

import "fmt"

// State is the coarse operational status of a component.
type State string

const (
	// StateJoining means the component has started but not yet subscribed
	// to discovery.
	StateJoining State = "JOINING"
	// StateDiscovering means the component is waiting for its first
	// capability discovery.
	StateDiscovering State = "DISCOVERING"
	// StateReady means the component is idle and accepting requests.
	StateReady State = "READY"
	// StateBusy means the component is processing a request.
	StateBusy State = "BUSY"
	// StateDegraded means a handler failed and recovery has not succeeded;
	// the component keeps accepting requests best-effort.
	StateDegraded State = "DEGRADED"
	// StateOffline is terminal for the component instance.
	StateOffline State = "OFFLINE"
)

// ComponentType classifies a mesh participant.
type ComponentType string

const (
	TypeInterface        ComponentType = "INTERFACE"
	TypePrimaryAgent     ComponentType = "PRIMARY_AGENT"
	TypeSpecializedAgent ComponentType = "SPECIALIZED_AGENT"
	TypeFunction         ComponentType = "FUNCTION"
)

// allowed lists the legal transitions. StateOffline has no successors.
var allowed = map[State][]State{
	StateJoining:     {StateDiscovering, StateOffline},
	StateDiscovering: {StateReady, StateDegraded, StateOffline},
	StateReady:       {StateBusy, StateDegraded, StateOffline},
	StateBusy:        {StateReady, StateDegraded, StateOffline},
	StateDegraded:    {StateReady, StateOffline},
	StateOffline:     {},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// invalidTransitionError reports an illegal state change attempt.
func invalidTransitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
