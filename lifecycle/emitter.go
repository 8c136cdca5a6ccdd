package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Publisher is the slice of the transport bus the emitter needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Emitter publishes lifecycle events for one component. Event publication
// is best-effort: a publish failure is logged, never escalated, so the
// event trail can degrade without taking the component down.
type Emitter struct {
	componentID   string
	componentType ComponentType
	pub           Publisher
	logger        *zap.Logger
}

// NewEmitter creates an emitter. A nil publisher produces a no-op emitter,
// which tests and purely local components use.
func NewEmitter(componentID string, componentType ComponentType, pub Publisher, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		componentID:   componentID,
		componentType: componentType,
		pub:           pub,
		logger:        logger.With(zap.String("component", "lifecycle_emitter")),
	}
}

// EmitTransition publishes one (previous, new) state pair.
func (e *Emitter) EmitTransition(ctx context.Context, prev, next State, reason string) {
	e.emit(ctx, &Event{
		ComponentID:   e.componentID,
		ComponentType: e.componentType,
		PreviousState: prev,
		NewState:      next,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
		Category:      categoryFor(next),
		SourceID:      e.componentID,
		TargetID:      e.componentID,
	})
}

// EmitNodeDiscovery announces the component and the function ids it serves.
func (e *Emitter) EmitNodeDiscovery(ctx context.Context, state State, capabilities []string) {
	e.emit(ctx, &Event{
		ComponentID:   e.componentID,
		ComponentType: e.componentType,
		PreviousState: state,
		NewState:      state,
		Timestamp:     time.Now().UTC(),
		Category:      CategoryNodeDiscovery,
		SourceID:      e.componentID,
		TargetID:      e.componentID,
		Capabilities:  capabilities,
	})
}

// EmitEdgeDiscovery announces a connection from this component to targetID.
func (e *Emitter) EmitEdgeDiscovery(ctx context.Context, targetID, connectionType string) {
	e.emit(ctx, &Event{
		ComponentID:    e.componentID,
		ComponentType:  e.componentType,
		Timestamp:      time.Now().UTC(),
		Category:       CategoryEdgeDiscovery,
		SourceID:       e.componentID,
		TargetID:       targetID,
		ConnectionType: connectionType,
	})
}

func (e *Emitter) emit(ctx context.Context, ev *Event) {
	if err := ev.Validate(); err != nil {
		e.logger.Error("refusing to publish invalid lifecycle event", zap.Error(err))
		return
	}
	if e.pub == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("failed to marshal lifecycle event", zap.Error(err))
		return
	}
	if err := e.pub.Publish(ctx, Topic, payload); err != nil {
		e.logger.Warn("failed to publish lifecycle event",
			zap.String("category", string(ev.Category)),
			zap.Error(err),
		)
	}
}
