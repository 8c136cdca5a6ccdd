// Package chain assigns chain and call identifiers that tie together the
// classification, remote invocation, and generation hops of one end-to-end
// request, and publishes the start/terminal event pairs an external observer
// rebuilds the call graph from. Chain records are purely logical: nothing is
// stored, consumers of the event stream own their retention.
package chain

import "time"

// Topic is the bus topic chain events are published on.
const Topic = "capmesh.events.chain"

// EventType classifies one chain event.
type EventType string

const (
	EventCallStart            EventType = "CALL_START"
	EventCallComplete         EventType = "CALL_COMPLETE"
	EventCallError            EventType = "CALL_ERROR"
	EventClassificationResult EventType = "CLASSIFICATION_RESULT"
	EventLLMCallStart         EventType = "LLM_CALL_START"
	EventLLMCallComplete      EventType = "LLM_CALL_COMPLETE"
)

// Event is one published chain sample. Every hop publishes a start event
// and exactly one terminal event carrying the same chain_id/call_id pair.
type Event struct {
	ChainID    string    `json:"chain_id"`
	CallID     string    `json:"call_id"`
	FunctionID string    `json:"function_id,omitempty"`
	Type       EventType `json:"event_type"`
	SourceID   string    `json:"source_id"`
	TargetID   string    `json:"target_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status,omitempty"`
}

// Terminal reports whether the event closes its call.
func (e *Event) Terminal() bool {
	switch e.Type {
	case EventCallComplete, EventCallError, EventLLMCallComplete:
		return true
	}
	return false
}
