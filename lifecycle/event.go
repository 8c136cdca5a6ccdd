package lifecycle

import (
	"fmt"
	"time"
)

// Topic is the bus topic lifecycle events are published on.
const Topic = "capmesh.events.lifecycle"

// Category classifies a lifecycle event for monitoring consumers.
type Category string

const (
	// CategoryNodeDiscovery announces a component joining the mesh.
	CategoryNodeDiscovery Category = "NODE_DISCOVERY"
	// CategoryEdgeDiscovery announces a connection between two components.
	CategoryEdgeDiscovery Category = "EDGE_DISCOVERY"
	// CategoryStateChange carries an ordinary state transition.
	CategoryStateChange Category = "STATE_CHANGE"
	// CategoryAgentInit marks the initial JOINING announcement.
	CategoryAgentInit Category = "AGENT_INIT"
	// CategoryAgentReady marks a transition into READY.
	CategoryAgentReady Category = "AGENT_READY"
	// CategoryAgentShutdown marks a transition into OFFLINE.
	CategoryAgentShutdown Category = "AGENT_SHUTDOWN"
)

// Event is one published lifecycle sample.
type Event struct {
	ComponentID   string        `json:"component_id"`
	ComponentType ComponentType `json:"component_type"`
	PreviousState State         `json:"previous_state"`
	NewState      State         `json:"new_state"`
	Reason        string        `json:"reason,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Category      Category      `json:"event_category"`
	SourceID      string        `json:"source_id"`
	TargetID      string        `json:"target_id"`

	// ConnectionType labels the edge for EDGE_DISCOVERY events.
	ConnectionType string `json:"connection_type,omitempty"`

	// Capabilities optionally carries the function ids a provider announced.
	Capabilities []string `json:"capabilities,omitempty"`
}

// Validate enforces the source/target contract: EDGE_DISCOVERY events
// connect two distinct components, STATE_CHANGE events are self-referential.
func (e *Event) Validate() error {
	if e.ComponentID == "" {
		return fmt.Errorf("%w: missing component_id", ErrInvalidEvent)
	}
	switch e.Category {
	case CategoryEdgeDiscovery:
		if e.SourceID == e.TargetID {
			return fmt.Errorf("%w: edge discovery requires source != target", ErrInvalidEvent)
		}
	case CategoryStateChange, CategoryAgentInit, CategoryAgentReady, CategoryAgentShutdown:
		if e.SourceID != e.ComponentID || e.TargetID != e.ComponentID {
			return fmt.Errorf("%w: state events require source = target = component", ErrInvalidEvent)
		}
	case CategoryNodeDiscovery:
	default:
		return fmt.Errorf("%w: unknown category %q", ErrInvalidEvent, e.Category)
	}
	return nil
}

// categoryFor maps a transition to its event category.
func categoryFor(to State) Category {
	switch to {
	case StateReady:
		return CategoryAgentReady
	case StateOffline:
		return CategoryAgentShutdown
	default:
		return CategoryStateChange
	}
}
