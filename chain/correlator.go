package chain

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Publisher is the slice of the transport bus the correlator needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Kind selects the start/terminal event pair for a hop.
type Kind int

const (
	// KindCall is a remote function invocation hop.
	KindCall Kind = iota
	// KindLLM is a classification or generation oracle hop.
	KindLLM
)

// Correlator mints chain and call identifiers for one component and
// publishes the corresponding chain events. Publication is best-effort and
// never blocks the hop itself on event-trail failures.
type Correlator struct {
	componentID string
	pub         Publisher
	tracer      trace.Tracer
	logger      *zap.Logger
}

// NewCorrelator creates a correlator. A nil publisher disables event
// publication but keeps id minting and span handling intact.
func NewCorrelator(componentID string, pub Publisher, logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{
		componentID: componentID,
		pub:         pub,
		tracer:      otel.Tracer("github.com/capmesh/capmesh/chain"),
		logger:      logger.With(zap.String("component", "chain_correlator")),
	}
}

// Chain groups every hop of one end-to-end request under a single chain id.
type Chain struct {
	id string
	c  *Correlator
}

// NewChain mints a chain id for one inbound top-level request.
func (c *Correlator) NewChain() *Chain {
	return &Chain{id: uuid.NewString(), c: c}
}

// Resume continues an existing chain whose id arrived with an inbound hop.
func (c *Correlator) Resume(chainID string) *Chain {
	return &Chain{id: chainID, c: c}
}

// ID returns the chain id.
func (ch *Chain) ID() string { return ch.id }

// StartCall opens one hop: mints a call id, publishes the start event, and
// opens a tracing span. The returned context carries the span; the returned
// Call emits exactly one terminal event no matter how many times Complete or
// Fail run.
func (ch *Chain) StartCall(ctx context.Context, kind Kind, functionID, targetID string) (context.Context, *Call) {
	call := &Call{
		chainID:    ch.id,
		callID:     uuid.NewString(),
		functionID: functionID,
		targetID:   targetID,
		kind:       kind,
		c:          ch.c,
	}

	spanName := "call"
	startType := EventCallStart
	if kind == KindLLM {
		spanName = "llm_call"
		startType = EventLLMCallStart
	}
	ctx = WithIDs(ctx, call.chainID, call.callID)
	ctx, call.span = ch.c.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("capmesh.chain_id", call.chainID),
		attribute.String("capmesh.call_id", call.callID),
		attribute.String("capmesh.function_id", functionID),
		attribute.String("capmesh.target_id", targetID),
	))

	ch.c.emit(ctx, &Event{
		ChainID:    call.chainID,
		CallID:     call.callID,
		FunctionID: functionID,
		Type:       startType,
		SourceID:   ch.c.componentID,
		TargetID:   targetID,
		Timestamp:  time.Now().UTC(),
	})
	return ctx, call
}

// EmitClassificationResult publishes one informational sample per selected
// capability so downstream observers can see why a function was routed to.
func (ch *Chain) EmitClassificationResult(ctx context.Context, functionID, status string) {
	ch.c.emit(ctx, &Event{
		ChainID:    ch.id,
		CallID:     uuid.NewString(),
		FunctionID: functionID,
		Type:       EventClassificationResult,
		SourceID:   ch.c.componentID,
		Timestamp:  time.Now().UTC(),
		Status:     status,
	})
}

// Call is one hop in flight. Terminal emission is one-shot.
type Call struct {
	chainID    string
	callID     string
	functionID string
	targetID   string
	kind       Kind
	span       trace.Span
	c          *Correlator
	once       sync.Once
}

// ChainID returns the owning chain id.
func (call *Call) ChainID() string { return call.chainID }

// ID returns the call id.
func (call *Call) ID() string { return call.callID }

// Complete publishes the successful terminal event and ends the span.
func (call *Call) Complete(ctx context.Context, status string) {
	call.once.Do(func() {
		terminal := EventCallComplete
		if call.kind == KindLLM {
			terminal = EventLLMCallComplete
		}
		call.c.emit(ctx, &Event{
			ChainID:    call.chainID,
			CallID:     call.callID,
			FunctionID: call.functionID,
			Type:       terminal,
			SourceID:   call.c.componentID,
			TargetID:   call.targetID,
			Timestamp:  time.Now().UTC(),
			Status:     status,
		})
		call.span.End()
	})
}

// Fail publishes the error terminal event, records the error on the span,
// and ends it.
func (call *Call) Fail(ctx context.Context, err error) {
	call.once.Do(func() {
		status := ""
		if err != nil {
			status = err.Error()
			call.span.RecordError(err)
			call.span.SetStatus(codes.Error, status)
		}
		call.c.emit(ctx, &Event{
			ChainID:    call.chainID,
			CallID:     call.callID,
			FunctionID: call.functionID,
			Type:       EventCallError,
			SourceID:   call.c.componentID,
			TargetID:   call.targetID,
			Timestamp:  time.Now().UTC(),
			Status:     status,
		})
		call.span.End()
	})
}

func (c *Correlator) emit(ctx context.Context, ev *Event) {
	if c.pub == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("failed to marshal chain event", zap.Error(err))
		return
	}
	if err := c.pub.Publish(ctx, Topic, payload); err != nil {
		c.logger.Warn("failed to publish chain event",
			zap.String("event_type", string(ev.Type)),
			zap.Error(err),
		)
	}
}
