package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capmesh/capmesh/capability"
	"github.com/capmesh/capmesh/lifecycle"
	"github.com/capmesh/capmesh/transport"
)

// Advertiser publishes this provider's capability records as retained
// samples and keeps them fresh with a heartbeat. Consumers treat a record
// whose freshness falls behind the lease as not alive, so a crashed
// provider converges to removal without an explicit retraction.
type Advertiser struct {
	bus        transport.Bus
	providerID string
	emitter    *lifecycle.Emitter
	interval   time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	records map[string]capability.Record
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// NewAdvertiser creates an advertiser heartbeating at interval. The emitter
// is optional.
func NewAdvertiser(bus transport.Bus, providerID string, interval time.Duration, emitter *lifecycle.Emitter, logger *zap.Logger) *Advertiser {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Advertiser{
		bus:        bus,
		providerID: providerID,
		emitter:    emitter,
		interval:   interval,
		logger:     logger.With(zap.String("component", "discovery.advertiser")),
		records:    make(map[string]capability.Record),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go a.heartbeat()
	return a
}

// Advertise validates rec and publishes it as a retained sample keyed by
// function id. Re-advertising an existing function id replaces the retained
// sample.
func (a *Advertiser) Advertise(ctx context.Context, rec capability.Record) error {
	rec.ProviderID = a.providerID
	rec.Freshness = time.Now().UTC()
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("discovery: advertise: %w", err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.records[rec.FunctionID] = rec.Clone()
	ids := a.functionIDs()
	a.mu.Unlock()

	if err := a.publish(ctx, rec); err != nil {
		return err
	}
	if a.emitter != nil {
		a.emitter.EmitNodeDiscovery(ctx, lifecycle.StateReady, ids)
	}
	a.logger.Info("capability advertised",
		zap.String("function_id", rec.FunctionID),
		zap.String("name", rec.Name))
	return nil
}

// Retract removes the retained sample for functionID so consumers drop the
// capability immediately rather than waiting out the lease.
func (a *Advertiser) Retract(ctx context.Context, functionID string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	_, known := a.records[functionID]
	delete(a.records, functionID)
	ids := a.functionIDs()
	a.mu.Unlock()

	if !known {
		return nil
	}
	if err := a.bus.Retract(ctx, Topic, functionID); err != nil {
		return fmt.Errorf("discovery: retract %s: %w", functionID, err)
	}
	if a.emitter != nil {
		a.emitter.EmitNodeDiscovery(ctx, lifecycle.StateReady, ids)
	}
	a.logger.Info("capability retracted", zap.String("function_id", functionID))
	return nil
}

// Close retracts every advertised record and stops the heartbeat. Retraction
// is best-effort; lease expiry covers whatever the retractions miss.
func (a *Advertiser) Close(ctx context.Context) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	records := a.records
	a.records = make(map[string]capability.Record)
	a.mu.Unlock()

	close(a.stop)
	<-a.done

	for id := range records {
		if err := a.bus.Retract(ctx, Topic, id); err != nil {
			a.logger.Warn("retract on close failed",
				zap.String("function_id", id), zap.Error(err))
		}
	}
}

func (a *Advertiser) heartbeat() {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.refresh()
		}
	}
}

// refresh republishes every record with a new freshness timestamp.
func (a *Advertiser) refresh() {
	a.mu.Lock()
	now := time.Now().UTC()
	records := make([]capability.Record, 0, len(a.records))
	for id, rec := range a.records {
		rec.Freshness = now
		a.records[id] = rec
		records = append(records, rec)
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.interval)
	defer cancel()
	for _, rec := range records {
		if err := a.publish(ctx, rec); err != nil {
			a.logger.Warn("heartbeat republish failed",
				zap.String("function_id", rec.FunctionID), zap.Error(err))
		}
	}
}

func (a *Advertiser) publish(ctx context.Context, rec capability.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("discovery: encode record %s: %w", rec.FunctionID, err)
	}
	if err := a.bus.PublishRetained(ctx, Topic, rec.FunctionID, payload); err != nil {
		return fmt.Errorf("discovery: publish record %s: %w", rec.FunctionID, err)
	}
	return nil
}

// functionIDs returns the advertised ids; callers hold a.mu.
func (a *Advertiser) functionIDs() []string {
	ids := make([]string, 0, len(a.records))
	for id := range a.records {
		ids = append(ids, id)
	}
	return ids
}
