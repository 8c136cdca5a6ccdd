// Package monitor consumes the lifecycle and chain event streams and keeps
// a queryable model of the mesh: component states, the node/edge graph, and
// per-chain call histories. It is a pure observer; it never publishes.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capmesh/capmesh/chain"
	"github.com/capmesh/capmesh/lifecycle"
	"github.com/capmesh/capmesh/transport"
)

// Component is one observed mesh member.
type Component struct {
	ID           string
	Type         lifecycle.ComponentType
	State        lifecycle.State
	LastSeen     time.Time
	Capabilities []string
}

// Edge is one observed connection between two components.
type Edge struct {
	SourceID       string
	TargetID       string
	ConnectionType string
	LastSeen       time.Time
}

// Hop is one call within a chain, paired up from its start and terminal
// events.
type Hop struct {
	CallID     string
	FunctionID string
	Type       chain.EventType
	SourceID   string
	TargetID   string
	StartedAt  time.Time
	EndedAt    time.Time
	Completed  bool
	Failed     bool
	Status     string
}

// ChainView is the reconstructed history of one chain.
type ChainView struct {
	ChainID string
	Hops    []Hop
}

// Monitor subscribes both event topics and folds every sample into its
// model. All mutation happens on the consume goroutines under one lock;
// snapshots are deep copies.
type Monitor struct {
	logger *zap.Logger

	lifecycleSub transport.Subscription
	chainSub     transport.Subscription

	mu         sync.Mutex
	components map[string]*Component
	edges      map[string]*Edge
	chains     map[string]*chainState

	wg sync.WaitGroup
}

type chainState struct {
	order []string
	hops  map[string]*Hop
}

// New subscribes the lifecycle and chain topics and starts consuming.
func New(ctx context.Context, bus transport.Bus, logger *zap.Logger) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lsub, err := bus.Subscribe(ctx, lifecycle.Topic)
	if err != nil {
		return nil, fmt.Errorf("monitor: subscribe %s: %w", lifecycle.Topic, err)
	}
	csub, err := bus.Subscribe(ctx, chain.Topic)
	if err != nil {
		lsub.Unsubscribe()
		return nil, fmt.Errorf("monitor: subscribe %s: %w", chain.Topic, err)
	}
	m := &Monitor{
		logger:       logger.With(zap.String("component", "monitor")),
		lifecycleSub: lsub,
		chainSub:     csub,
		components:   make(map[string]*Component),
		edges:        make(map[string]*Edge),
		chains:       make(map[string]*chainState),
	}
	m.wg.Add(2)
	go m.consumeLifecycle()
	go m.consumeChain()
	return m, nil
}

func (m *Monitor) consumeLifecycle() {
	defer m.wg.Done()
	for msg := range m.lifecycleSub.C() {
		var ev lifecycle.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			m.logger.Warn("dropping malformed lifecycle event", zap.Error(err))
			continue
		}
		m.applyLifecycle(&ev)
	}
}

func (m *Monitor) consumeChain() {
	defer m.wg.Done()
	for msg := range m.chainSub.C() {
		var ev chain.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			m.logger.Warn("dropping malformed chain event", zap.Error(err))
			continue
		}
		m.applyChain(&ev)
	}
}

func (m *Monitor) applyLifecycle(ev *lifecycle.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	comp, ok := m.components[ev.ComponentID]
	if !ok {
		comp = &Component{ID: ev.ComponentID}
		m.components[ev.ComponentID] = comp
	}
	comp.Type = ev.ComponentType
	comp.State = ev.NewState
	comp.LastSeen = ev.Timestamp
	if len(ev.Capabilities) > 0 || ev.Category == lifecycle.CategoryNodeDiscovery {
		comp.Capabilities = append([]string(nil), ev.Capabilities...)
	}

	if ev.Category == lifecycle.CategoryEdgeDiscovery {
		key := ev.SourceID + "->" + ev.TargetID
		m.edges[key] = &Edge{
			SourceID:       ev.SourceID,
			TargetID:       ev.TargetID,
			ConnectionType: ev.ConnectionType,
			LastSeen:       ev.Timestamp,
		}
	}
}

func (m *Monitor) applyChain(ev *chain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.chains[ev.ChainID]
	if !ok {
		cs = &chainState{hops: make(map[string]*Hop)}
		m.chains[ev.ChainID] = cs
	}

	hop, ok := cs.hops[ev.CallID]
	if !ok {
		hop = &Hop{CallID: ev.CallID}
		cs.hops[ev.CallID] = hop
		cs.order = append(cs.order, ev.CallID)
	}

	switch ev.Type {
	case chain.EventCallStart, chain.EventLLMCallStart:
		hop.Type = ev.Type
		hop.FunctionID = ev.FunctionID
		hop.SourceID = ev.SourceID
		hop.TargetID = ev.TargetID
		hop.StartedAt = ev.Timestamp
	case chain.EventClassificationResult:
		hop.Type = ev.Type
		hop.FunctionID = ev.FunctionID
		hop.SourceID = ev.SourceID
		hop.StartedAt = ev.Timestamp
		hop.EndedAt = ev.Timestamp
		hop.Completed = true
		hop.Status = ev.Status
	default:
		if hop.Completed || hop.Failed {
			// Terminal events are one-shot upstream; a second one here
			// means duplicate delivery, which we keep idempotent.
			return
		}
		hop.EndedAt = ev.Timestamp
		hop.Status = ev.Status
		if ev.Type == chain.EventCallError {
			hop.Failed = true
		} else {
			hop.Completed = true
		}
		if hop.FunctionID == "" {
			hop.FunctionID = ev.FunctionID
		}
	}
}

// Components returns a copy of every observed component, sorted by id.
func (m *Monitor) Components() []Component {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Component, 0, len(m.components))
	for _, c := range m.components {
		cc := *c
		cc.Capabilities = append([]string(nil), c.Capabilities...)
		out = append(out, cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Component returns one component by id.
func (m *Monitor) Component(id string) (Component, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[id]
	if !ok {
		return Component{}, false
	}
	cc := *c
	cc.Capabilities = append([]string(nil), c.Capabilities...)
	return cc, true
}

// Edges returns a copy of the observed connection graph.
func (m *Monitor) Edges() []Edge {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Edge, 0, len(m.edges))
	for _, e := range m.edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out
}

// Chain returns the reconstructed view of one chain, hops in arrival order.
func (m *Monitor) Chain(chainID string) (ChainView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.chains[chainID]
	if !ok {
		return ChainView{}, false
	}
	view := ChainView{ChainID: chainID, Hops: make([]Hop, 0, len(cs.order))}
	for _, id := range cs.order {
		view.Hops = append(view.Hops, *cs.hops[id])
	}
	return view, true
}

// Chains returns every known chain id.
func (m *Monitor) Chains() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.chains))
	for id := range m.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close unsubscribes both topics and waits for the consumers to drain.
func (m *Monitor) Close() {
	m.lifecycleSub.Unsubscribe()
	m.chainSub.Unsubscribe()
	m.wg.Wait()
}
