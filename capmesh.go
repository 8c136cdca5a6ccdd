// Package capmesh wires the mesh subsystems into one node: capability
// discovery, classification, remote invocation, lifecycle tracking, and
// chain correlation, all over a shared bus.
package capmesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/capmesh/capmesh/capability"
	"github.com/capmesh/capmesh/chain"
	"github.com/capmesh/capmesh/classify"
	"github.com/capmesh/capmesh/config"
	"github.com/capmesh/capmesh/discovery"
	"github.com/capmesh/capmesh/internal/metrics"
	"github.com/capmesh/capmesh/internal/telemetry"
	"github.com/capmesh/capmesh/invoke"
	"github.com/capmesh/capmesh/lifecycle"
	"github.com/capmesh/capmesh/transport"
)

// Node is one mesh participant. It advertises its own capabilities, tracks
// everyone else's, and routes invocations.
type Node struct {
	id      string
	cfg     *config.Config
	bus     transport.Bus
	ownsBus bool
	logger  *zap.Logger

	collector  *metrics.Collector
	machine    *lifecycle.Machine
	emitter    *lifecycle.Emitter
	advertiser *discovery.Advertiser
	registry   *discovery.Registry
	classifier *classify.Classifier
	client     *invoke.Client
	responder  *invoke.Responder
	correlator *chain.Correlator
	telemetry  *telemetry.Providers
}

// Option configures a Node.
type Option func(*nodeOptions)

type nodeOptions struct {
	bus        transport.Bus
	logger     *zap.Logger
	registerer prometheus.Registerer
	oracle     classify.Oracle
}

// WithBus supplies the bus; without it the node connects to Redis from its
// configuration.
func WithBus(bus transport.Bus) Option {
	return func(o *nodeOptions) { o.bus = bus }
}

// WithLogger supplies the logger; without it one is built from the log
// section of the configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *nodeOptions) { o.logger = logger }
}

// WithRegisterer supplies the Prometheus registerer metrics register on.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *nodeOptions) { o.registerer = reg }
}

// WithOracle supplies the classification oracle, overriding the
// configuration-driven OpenAI wiring.
func WithOracle(o classify.Oracle) Option {
	return func(opts *nodeOptions) { opts.oracle = o }
}

// NewNode builds and starts a node: bus connection, lifecycle machine in
// JOINING, capability registry subscribed, invocation client ready. The node
// transitions to DISCOVERING on return; call Ready after the initial
// discovery wait.
func NewNode(ctx context.Context, cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o nodeOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = config.BuildLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
	}

	id := cfg.Node.ID
	if id == "" {
		id = uuid.NewString()
	}

	n := &Node{
		id:     id,
		cfg:    cfg,
		logger: logger.With(zap.String("node_id", id)),
	}

	n.bus = o.bus
	if n.bus == nil {
		bus, err := transport.NewRedisBus(cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("capmesh: connect bus: %w", err)
		}
		n.bus = bus
		n.ownsBus = true
	}

	providers, err := telemetry.Init(cfg.Telemetry, telemetry.Identity{
		NodeID:        id,
		ComponentType: cfg.Node.Type,
	}, n.logger)
	if err != nil {
		n.closePartial(ctx)
		return nil, fmt.Errorf("capmesh: init telemetry: %w", err)
	}
	n.telemetry = providers

	reg := o.registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	n.collector = metrics.NewCollector("capmesh", reg, n.logger)

	n.emitter = lifecycle.NewEmitter(id, lifecycle.ComponentType(cfg.Node.Type), n.bus, n.logger)
	n.machine = lifecycle.NewMachine(ctx, n.emitter, n.logger,
		lifecycle.WithObserver(func(from, to lifecycle.State) {
			n.collector.RecordStateTransition(string(from), string(to))
		}))
	n.correlator = chain.NewCorrelator(id, n.bus, n.logger)

	registry, err := discovery.NewRegistry(ctx, n.bus, n.logger,
		discovery.WithLeaseTTL(cfg.Discovery.LeaseTTL),
		discovery.WithRegistryMetrics(n.collector),
		discovery.WithDegradedHook(func(cause error) {
			n.logger.Error("registry degraded", zap.Error(cause))
			if terr := n.machine.Transition(context.Background(), lifecycle.StateDegraded, cause.Error()); terr != nil {
				n.logger.Warn("degraded transition refused", zap.Error(terr))
			}
		}),
	)
	if err != nil {
		n.closePartial(ctx)
		return nil, err
	}
	n.registry = registry

	n.advertiser = discovery.NewAdvertiser(n.bus, id, cfg.Discovery.HeartbeatInterval, n.emitter, n.logger)

	oracle := o.oracle
	if oracle == nil && cfg.Classify.OracleEnabled {
		oracle = classify.NewOpenAIOracle(func(oo *classify.OpenAIOptions) {
			oo.Model = cfg.Classify.Model
		})
	}
	classifyOpts := []classify.Option{classify.WithCollector(n.collector)}
	if oracle != nil {
		classifyOpts = append(classifyOpts, classify.WithOracle(oracle))
	}
	n.classifier = classify.New(n.logger, classifyOpts...)

	n.client = invoke.NewClient(n.bus, n.registry, id, n.logger,
		invoke.WithDefaultTimeout(cfg.Invoke.DefaultTimeout),
		invoke.WithMetrics(n.collector),
		invoke.WithChannelCreatedHook(func(service string) {
			if service == id {
				// An edge needs distinct endpoints; self-invocation stays
				// off the graph.
				return
			}
			n.emitter.EmitEdgeDiscovery(context.Background(), service, "invocation")
		}),
	)
	n.responder = invoke.NewResponder(n.bus, serviceNameFor(id, cfg), n.machine, n.logger)
	if err := n.responder.Start(ctx); err != nil {
		n.closePartial(ctx)
		return nil, err
	}

	if err := n.machine.Transition(ctx, lifecycle.StateDiscovering, "bus connected"); err != nil {
		n.closePartial(ctx)
		return nil, err
	}
	return n, nil
}

// serviceNameFor derives the responder's request topic suffix. Nodes without
// an explicit id serve under their generated id.
func serviceNameFor(id string, cfg *config.Config) string {
	if cfg.Node.ID != "" {
		return cfg.Node.ID
	}
	return id
}

// ID returns the node's component id.
func (n *Node) ID() string { return n.id }

// State returns the node's lifecycle state.
func (n *Node) State() lifecycle.State { return n.machine.State() }

// Ready waits for the first capability discovery and transitions to READY.
// It reports false when the wait timed out; the node still becomes READY so
// a lone first node can serve.
func (n *Node) Ready(ctx context.Context) (bool, error) {
	discovered := n.registry.AwaitFirstDiscovery(ctx, n.cfg.Discovery.AwaitTimeout)
	reason := "first capability discovered"
	if !discovered {
		reason = "discovery wait timed out"
	}
	if err := n.machine.Transition(ctx, lifecycle.StateReady, reason); err != nil {
		return discovered, err
	}
	return discovered, nil
}

// RegisterFunction binds a local handler to a capability record and
// advertises it. The record's schema guards the handler's arguments.
func (n *Node) RegisterFunction(ctx context.Context, rec capability.Record, handler invoke.HandlerFunc) error {
	if rec.ServiceName == "" {
		rec.ServiceName = serviceNameFor(n.id, n.cfg)
	}
	if err := n.responder.Register(rec.Name, rec.ParameterSchema, handler); err != nil {
		return err
	}
	return n.advertiser.Advertise(ctx, rec)
}

// Snapshot returns the registry's current view of the mesh.
func (n *Node) Snapshot() []capability.Record {
	return n.registry.Snapshot()
}

// AwaitFirstDiscovery blocks until any capability has been observed or the
// timeout lapses.
func (n *Node) AwaitFirstDiscovery(ctx context.Context, timeout time.Duration) bool {
	return n.registry.AwaitFirstDiscovery(ctx, timeout)
}

// Classify ranks the mesh's live capabilities against text. Oracle hops are
// recorded on ch; pass nil to classify outside any chain.
func (n *Node) Classify(ctx context.Context, ch *chain.Chain, text string) ([]classify.Match, error) {
	candidates := n.registry.Snapshot()

	var call *chain.Call
	if ch != nil {
		ctx, call = ch.StartCall(ctx, chain.KindLLM, "", "")
	}

	matches, err := n.classifier.Classify(ctx, text, candidates)
	if call != nil {
		if err != nil {
			call.Fail(ctx, err)
		} else {
			call.Complete(ctx, string(sourceOf(matches)))
		}
	}
	if err != nil {
		return nil, err
	}
	if ch != nil {
		for _, m := range matches {
			ch.EmitClassificationResult(ctx, m.Record.FunctionID, string(m.Source))
		}
	}
	return matches, nil
}

func sourceOf(matches []classify.Match) classify.Source {
	if len(matches) == 0 {
		return classify.SourceLexical
	}
	return matches[0].Source
}

// Invoke resolves functionName and calls it remotely, recording the hop on
// ch when non-nil. The request is sent at most once.
func (n *Node) Invoke(ctx context.Context, ch *chain.Chain, functionName string, args map[string]any) (any, error) {
	var call *chain.Call
	if ch != nil {
		target := ""
		if rec, ok := n.registry.Resolve(functionName); ok {
			target = rec.ProviderID
		}
		ctx, call = ch.StartCall(ctx, chain.KindCall, functionName, target)
	}

	result, err := n.client.Invoke(ctx, functionName, args)
	if call != nil {
		if err != nil {
			call.Fail(ctx, err)
		} else {
			call.Complete(ctx, "ok")
		}
	}
	return result, err
}

// NewChain mints a chain for one inbound top-level request.
func (n *Node) NewChain() *chain.Chain { return n.correlator.NewChain() }

// ResumeChain continues a chain whose id arrived with an inbound request.
func (n *Node) ResumeChain(chainID string) *chain.Chain { return n.correlator.Resume(chainID) }

// Shutdown retracts advertisements, publishes OFFLINE, and releases the bus.
func (n *Node) Shutdown(ctx context.Context) error {
	n.machine.Shutdown(ctx, "shutdown requested")
	n.closePartial(ctx)
	return nil
}

func (n *Node) closePartial(ctx context.Context) {
	if n.advertiser != nil {
		n.advertiser.Close(ctx)
	}
	if n.responder != nil {
		n.responder.Close()
	}
	if n.client != nil {
		n.client.Close()
	}
	if n.registry != nil {
		n.registry.Close()
	}
	if n.ownsBus && n.bus != nil {
		if err := n.bus.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			n.logger.Warn("bus close failed", zap.Error(err))
		}
	}
	if n.telemetry != nil {
		if err := n.telemetry.Shutdown(ctx); err != nil {
			n.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
}
