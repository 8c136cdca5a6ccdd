package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capmesh/capmesh/capability"
	"github.com/capmesh/capmesh/internal/metrics"
	"github.com/capmesh/capmesh/transport"
)

// Registry caches the capabilities observed on the bus. A single goroutine
// owns the cache: every mutation and query flows through it, so no handler
// ever observes a half-applied update and there is no callback reentrancy.
type Registry struct {
	sub      transport.Subscription
	leaseTTL time.Duration
	logger   *zap.Logger
	metrics  *metrics.Collector

	// onDegraded fires when the subscription channel closes while the
	// registry is still open.
	onDegraded func(error)

	queries chan func(map[string]capability.Record)

	firstOnce sync.Once
	first     chan struct{}

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLeaseTTL sets how stale a record's freshness may grow before the
// sweeper evicts it.
func WithLeaseTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) { r.leaseTTL = ttl }
}

// WithRegistryMetrics wires the metrics collector.
func WithRegistryMetrics(m *metrics.Collector) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithDegradedHook registers a callback fired once if the registry loses
// its subscription.
func WithDegradedHook(fn func(error)) RegistryOption {
	return func(r *Registry) { r.onDegraded = fn }
}

// NewRegistry subscribes the capability topic and starts the update loop.
// Construction fails fast when the subscription cannot be established.
func NewRegistry(ctx context.Context, bus transport.Bus, logger *zap.Logger, opts ...RegistryOption) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sub, err := bus.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("discovery: subscribe %s: %w", Topic, err)
	}
	r := &Registry{
		sub:      sub,
		leaseTTL: 30 * time.Second,
		logger:   logger.With(zap.String("component", "discovery.registry")),
		queries:  make(chan func(map[string]capability.Record)),
		first:    make(chan struct{}),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r, nil
}

// run is the single writer. It owns the cache map outright.
func (r *Registry) run() {
	defer close(r.done)

	cache := make(map[string]capability.Record)
	sweep := time.NewTicker(r.leaseTTL / 2)
	defer sweep.Stop()

	for {
		select {
		case <-r.closing:
			return
		case msg, ok := <-r.sub.C():
			if !ok {
				select {
				case <-r.closing:
				default:
					r.logger.Error("capability subscription lost")
					if r.onDegraded != nil {
						r.onDegraded(ErrDegraded)
					}
				}
				return
			}
			r.apply(cache, msg)
		case <-sweep.C:
			r.sweepExpired(cache)
		case q := <-r.queries:
			q(cache)
		}
	}
}

// apply folds one bus message into the cache.
func (r *Registry) apply(cache map[string]capability.Record, msg transport.Message) {
	if msg.Retracted {
		r.remove(cache, msg.Key, "retracted")
		return
	}

	var rec capability.Record
	if err := json.Unmarshal(msg.Payload, &rec); err != nil {
		r.metrics.RecordAdvertisement("malformed")
		r.logger.Warn("dropping malformed advertisement",
			zap.String("key", msg.Key), zap.Error(err))
		return
	}
	if err := rec.Validate(); err != nil {
		r.metrics.RecordAdvertisement("invalid")
		r.logger.Warn("dropping invalid advertisement",
			zap.String("function_id", rec.FunctionID), zap.Error(err))
		return
	}

	prev, exists := cache[rec.FunctionID]
	if exists && prev.ProviderID == rec.ProviderID && !rec.Freshness.After(prev.Freshness) {
		// Retained replay or duplicate delivery; nothing new to apply.
		r.metrics.RecordAdvertisement("duplicate")
		r.logger.Debug("duplicate advertisement",
			zap.String("function_id", rec.FunctionID))
		return
	}

	if exists && prev.ProviderID != rec.ProviderID {
		// Last writer wins, but a function id changing hands is worth noting.
		r.logger.Warn("capability changed provider",
			zap.String("function_id", rec.FunctionID),
			zap.String("old_provider", prev.ProviderID),
			zap.String("new_provider", rec.ProviderID))
	}

	cache[rec.FunctionID] = rec.Clone()
	r.metrics.RecordAdvertisement("applied")
	r.metrics.SetRegistrySize(len(cache))
	if exists {
		r.logger.Debug("capability updated", zap.String("function_id", rec.FunctionID))
	} else {
		r.logger.Info("capability discovered",
			zap.String("function_id", rec.FunctionID),
			zap.String("provider_id", rec.ProviderID))
	}

	r.firstOnce.Do(func() { close(r.first) })
}

// remove is the one removal path; retraction and lease expiry both land here.
func (r *Registry) remove(cache map[string]capability.Record, functionID, reason string) {
	if _, ok := cache[functionID]; !ok {
		// Removing what is already absent is a no-op.
		r.logger.Debug("removal for unknown capability",
			zap.String("function_id", functionID),
			zap.String("reason", reason))
		return
	}
	delete(cache, functionID)
	r.metrics.SetRegistrySize(len(cache))
	r.logger.Info("capability removed",
		zap.String("function_id", functionID),
		zap.String("reason", reason))
}

func (r *Registry) sweepExpired(cache map[string]capability.Record) {
	cutoff := time.Now().UTC().Add(-r.leaseTTL)
	for id, rec := range cache {
		if rec.Freshness.Before(cutoff) {
			r.remove(cache, id, "lease expired")
		}
	}
}

// Snapshot returns deep copies of every cached record, sorted by function id.
// Mutating the result never touches the cache.
func (r *Registry) Snapshot() []capability.Record {
	var out []capability.Record
	r.query(func(cache map[string]capability.Record) {
		out = make([]capability.Record, 0, len(cache))
		for _, rec := range cache {
			out = append(out, rec.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].FunctionID < out[j].FunctionID })
	return out
}

// Resolve finds a live record by function id, falling back to function name.
// When several providers serve the same name the freshest record wins.
func (r *Registry) Resolve(functionName string) (capability.Record, bool) {
	var (
		found capability.Record
		ok    bool
	)
	r.query(func(cache map[string]capability.Record) {
		if rec, exists := cache[functionName]; exists {
			found, ok = rec.Clone(), true
			return
		}
		for _, rec := range cache {
			if rec.Name != functionName {
				continue
			}
			if !ok || rec.Freshness.After(found.Freshness) {
				found, ok = rec.Clone(), true
			}
		}
	})
	return found, ok
}

// Len returns the number of cached records.
func (r *Registry) Len() int {
	n := 0
	r.query(func(cache map[string]capability.Record) { n = len(cache) })
	return n
}

// query runs fn inside the update loop and waits for it. After Close it
// becomes a no-op, leaving fn's outputs at their zero values.
func (r *Registry) query(fn func(map[string]capability.Record)) {
	donech := make(chan struct{})
	wrapped := func(cache map[string]capability.Record) {
		fn(cache)
		close(donech)
	}
	select {
	case r.queries <- wrapped:
		<-donech
	case <-r.done:
	}
}

// AwaitFirstDiscovery blocks until at least one capability has ever been
// applied, the timeout lapses, or ctx is canceled. It reports whether the
// first discovery happened. Once true it stays true for the registry's
// lifetime, even if the capability is later removed.
func (r *Registry) AwaitFirstDiscovery(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.first:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close stops the update loop and unsubscribes.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
		r.sub.Unsubscribe()
		<-r.done
	})
}
