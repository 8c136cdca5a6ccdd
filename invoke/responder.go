package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/capmesh/capmesh/capability"
	"github.com/capmesh/capmesh/lifecycle"
	"github.com/capmesh/capmesh/transport"
)

// HandlerFunc runs one tagged function. Arguments have already passed
// schema validation.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Responder serves invocation requests for one service: it subscribes the
// service request topic, validates arguments against the advertised schema,
// and dispatches to registered handlers.
type Responder struct {
	bus         transport.Bus
	serviceName string
	machine     *lifecycle.Machine
	logger      *zap.Logger

	mu       sync.RWMutex
	handlers map[string]registration

	sub  transport.Subscription
	done chan struct{}
}

type registration struct {
	schema  capability.Schema
	handler HandlerFunc
}

// NewResponder builds a responder for serviceName. The lifecycle machine is
// optional; when present every dispatch runs under its busy guard.
func NewResponder(bus transport.Bus, serviceName string, machine *lifecycle.Machine, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{
		bus:         bus,
		serviceName: serviceName,
		machine:     machine,
		logger:      logger.With(zap.String("component", "invoke.responder"), zap.String("service", serviceName)),
		handlers:    make(map[string]registration),
		done:        make(chan struct{}),
	}
}

// Register binds a handler and its parameter schema to a function name.
// Registering the same name twice replaces the previous handler.
func (r *Responder) Register(functionName string, schema capability.Schema, handler HandlerFunc) error {
	if functionName == "" {
		return fmt.Errorf("invoke: function name is required")
	}
	if handler == nil {
		return fmt.Errorf("invoke: handler is required for %s", functionName)
	}
	if err := schema.ValidateSelf(); err != nil {
		return fmt.Errorf("invoke: schema for %s: %w", functionName, err)
	}
	r.mu.Lock()
	r.handlers[functionName] = registration{schema: schema, handler: handler}
	r.mu.Unlock()
	return nil
}

// Start subscribes the service request topic and begins serving.
func (r *Responder) Start(ctx context.Context) error {
	sub, err := r.bus.Subscribe(ctx, requestTopic(r.serviceName))
	if err != nil {
		return fmt.Errorf("invoke: subscribe %s: %w", requestTopic(r.serviceName), err)
	}
	r.sub = sub
	go r.serve()
	return nil
}

func (r *Responder) serve() {
	defer close(r.done)
	for msg := range r.sub.C() {
		var req request
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			r.logger.Warn("dropping malformed request", zap.Error(err))
			continue
		}
		// Each request gets its own goroutine so a slow handler does not
		// head-of-line block the service.
		go r.handle(req)
	}
}

func (r *Responder) handle(req request) {
	ctx := context.Background()

	r.mu.RLock()
	reg, ok := r.handlers[req.FunctionName]
	r.mu.RUnlock()
	if !ok {
		r.replyError(ctx, req, kindResolution, fmt.Sprintf("unknown function %q", req.FunctionName))
		return
	}

	if err := reg.schema.Validate(req.Arguments); err != nil {
		r.replyError(ctx, req, kindValidation, err.Error())
		return
	}

	var result any
	run := func(ctx context.Context) error {
		var err error
		result, err = reg.handler(ctx, req.Arguments)
		return err
	}

	var err error
	if r.machine != nil {
		err = r.machine.Guard(ctx, "invoke:"+req.FunctionName, run)
	} else {
		err = runRecovered(ctx, run)
	}
	if err != nil {
		r.replyError(ctx, req, kindExecution, err.Error())
		return
	}

	r.reply(ctx, req, reply{ID: req.ID, Success: true, Result: result})
}

func (r *Responder) replyError(ctx context.Context, req request, kind, message string) {
	r.logger.Debug("invocation failed",
		zap.String("function", req.FunctionName),
		zap.String("kind", kind),
		zap.String("reason", message))
	r.reply(ctx, req, reply{ID: req.ID, Success: false, ErrorKind: kind, ErrorMessage: message})
}

func (r *Responder) reply(ctx context.Context, req request, rep reply) {
	if req.ReplyTopic == "" {
		return
	}
	payload, err := json.Marshal(rep)
	if err != nil {
		r.logger.Error("failed to encode reply", zap.Error(err))
		return
	}
	if err := r.bus.Publish(ctx, req.ReplyTopic, payload); err != nil {
		r.logger.Warn("failed to publish reply",
			zap.String("reply_topic", req.ReplyTopic), zap.Error(err))
	}
}

// runRecovered converts a handler panic into an error when no lifecycle
// guard is wired.
func runRecovered(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return fn(ctx)
}

// Close stops serving and waits for the serve loop to drain.
func (r *Responder) Close() {
	if r.sub != nil {
		r.sub.Unsubscribe()
		<-r.done
	}
}
