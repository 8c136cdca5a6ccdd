// Package invoke implements remote invocation over the bus: a caller-side
// client with a per-destination channel cache and a provider-side responder
// that validates arguments against the advertised schema before dispatch.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capmesh/capmesh/capability"
	"github.com/capmesh/capmesh/chain"
	"github.com/capmesh/capmesh/internal/metrics"
	"github.com/capmesh/capmesh/transport"
)

// Resolver maps a function name to a live capability record.
// The discovery registry satisfies this.
type Resolver interface {
	Resolve(functionName string) (capability.Record, bool)
}

// Client sends invocation requests and correlates replies.
type Client struct {
	bus      transport.Bus
	resolver Resolver
	callerID string
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Collector

	group singleflight.Group

	mu       sync.Mutex
	channels map[string]*channel
	pending  map[string]chan reply
	closed   bool

	// channelCreated fires after a destination channel is established.
	channelCreated func(service string)
}

// channel is the cached per-destination state: one reply subscription and
// the dispatch goroutine draining it.
type channel struct {
	serviceName string
	replyTopic  string
	sub         transport.Subscription
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDefaultTimeout sets the deadline applied when the caller's context
// carries none.
func WithDefaultTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithMetrics wires the metrics collector.
func WithMetrics(m *metrics.Collector) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithChannelCreatedHook registers a callback fired once per destination
// channel establishment.
func WithChannelCreatedHook(fn func(service string)) ClientOption {
	return func(c *Client) { c.channelCreated = fn }
}

// NewClient builds an invocation client.
func NewClient(bus transport.Bus, resolver Resolver, callerID string, logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		bus:      bus,
		resolver: resolver,
		callerID: callerID,
		timeout:  30 * time.Second,
		logger:   logger.With(zap.String("component", "invoke.client")),
		channels: make(map[string]*channel),
		pending:  make(map[string]chan reply),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke resolves functionName, sends one request to the provider, and waits
// for the correlated reply. There are no retries; a request is sent at most
// once. The error is one of ErrResolution, ErrValidation, ErrExecution or
// ErrTimeout.
func (c *Client) Invoke(ctx context.Context, functionName string, args map[string]any) (any, error) {
	start := time.Now()
	result, err := c.invoke(ctx, functionName, args)
	c.metrics.RecordInvocation(functionName, outcomeFor(err), time.Since(start))
	return result, err
}

func (c *Client) invoke(ctx context.Context, functionName string, args map[string]any) (any, error) {
	record, ok := c.resolver.Resolve(functionName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResolution, functionName)
	}

	ch, err := c.channelFor(ctx, record.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("%w: open channel to %s: %v", ErrResolution, record.ServiceName, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := request{
		ID:           uuid.NewString(),
		FunctionName: functionName,
		ReplyTopic:   ch.replyTopic,
		CallerID:     c.callerID,
		ChainID:      chain.ChainIDFrom(ctx),
		CallID:       chain.CallIDFrom(ctx),
		Arguments:    args,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrExecution, err)
	}

	waiter := make(chan reply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	c.pending[req.ID] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.bus.Publish(ctx, requestTopic(record.ServiceName), payload); err != nil {
		return nil, fmt.Errorf("%w: publish request: %v", ErrExecution, err)
	}

	select {
	case rep := <-waiter:
		if !rep.Success {
			return nil, kindToError(rep.ErrorKind, rep.ErrorMessage)
		}
		return rep.Result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, functionName)
		}
		return nil, ctx.Err()
	}
}

// channelFor returns the cached channel for serviceName, creating it once.
// Concurrent first calls collapse into a single establishment.
func (c *Client) channelFor(ctx context.Context, serviceName string) (*channel, error) {
	c.mu.Lock()
	if ch, ok := c.channels[serviceName]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(serviceName, func() (any, error) {
		c.mu.Lock()
		if ch, ok := c.channels[serviceName]; ok {
			c.mu.Unlock()
			return ch, nil
		}
		c.mu.Unlock()

		replyTopic := replyTopicPrefix + uuid.NewString()
		sub, err := c.bus.Subscribe(ctx, replyTopic)
		if err != nil {
			return nil, err
		}
		ch := &channel{serviceName: serviceName, replyTopic: replyTopic, sub: sub}
		go c.dispatch(ch)

		c.mu.Lock()
		c.channels[serviceName] = ch
		c.mu.Unlock()

		c.metrics.RecordChannelCreation()
		if c.channelCreated != nil {
			c.channelCreated(serviceName)
		}
		c.logger.Debug("invocation channel established",
			zap.String("service", serviceName),
			zap.String("reply_topic", replyTopic))
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*channel), nil
}

// dispatch routes replies from one channel's subscription to pending calls.
func (c *Client) dispatch(ch *channel) {
	for msg := range ch.sub.C() {
		var rep reply
		if err := json.Unmarshal(msg.Payload, &rep); err != nil {
			c.logger.Warn("dropping malformed reply",
				zap.String("service", ch.serviceName), zap.Error(err))
			continue
		}
		c.mu.Lock()
		waiter, ok := c.pending[rep.ID]
		c.mu.Unlock()
		if !ok {
			// Late reply after timeout; the call already returned.
			c.logger.Debug("reply for unknown request", zap.String("id", rep.ID))
			continue
		}
		select {
		case waiter <- rep:
		default:
		}
	}
}

// Close unsubscribes all cached channels. In-flight calls fail on their
// deadlines.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[string]*channel)
	c.mu.Unlock()

	for _, ch := range channels {
		ch.sub.Unsubscribe()
	}
}

func outcomeFor(err error) string {
	if err == nil {
		return "success"
	}
	switch {
	case errors.Is(err, ErrResolution):
		return "resolution_error"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "execution_error"
	}
}
