package lifecycle

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Machine tracks one component's lifecycle state and publishes every
// transition. All methods are safe for concurrent use.
type Machine struct {
	emitter  *Emitter
	logger   *zap.Logger
	observer func(from, to State)

	mu     sync.Mutex
	state  State
	prev   State
	active int    // guarded requests currently in flight
	fault  string // first failure seen in the current busy window
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithObserver registers a callback invoked after every applied transition.
func WithObserver(fn func(from, to State)) MachineOption {
	return func(m *Machine) { m.observer = fn }
}

// NewMachine creates a machine in JOINING and publishes the initial
// AGENT_INIT announcement.
func NewMachine(ctx context.Context, emitter *Emitter, logger *zap.Logger, opts ...MachineOption) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		emitter: emitter,
		logger:  logger.With(zap.String("component", "lifecycle")),
		state:   StateJoining,
		prev:    StateJoining,
	}
	for _, opt := range opts {
		opt(m)
	}
	if emitter != nil {
		emitter.emit(ctx, &Event{
			ComponentID:   emitter.componentID,
			ComponentType: emitter.componentType,
			PreviousState: StateJoining,
			NewState:      StateJoining,
			Timestamp:     nowUTC(),
			Category:      CategoryAgentInit,
			SourceID:      emitter.componentID,
			TargetID:      emitter.componentID,
		})
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Previous returns the state before the last transition.
func (m *Machine) Previous() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prev
}

// Transition moves the machine to next and publishes the (previous, new)
// pair. Illegal transitions return ErrInvalidTransition and leave the state
// untouched.
func (m *Machine) Transition(ctx context.Context, next State, reason string) error {
	m.mu.Lock()
	from := m.state
	if from == StateOffline {
		m.mu.Unlock()
		return ErrOffline
	}
	if !CanTransition(from, next) {
		m.mu.Unlock()
		return invalidTransitionError(from, next)
	}
	m.prev = from
	m.state = next
	m.mu.Unlock()

	m.announce(ctx, from, next, reason)
	return nil
}

func (m *Machine) announce(ctx context.Context, from, to State, reason string) {
	m.logger.Debug("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	if m.observer != nil {
		m.observer(from, to)
	}
	if m.emitter != nil {
		m.emitter.EmitTransition(ctx, from, to, reason)
	}
}

// Guard wraps one request under the shared busy window. The machine enters
// BUSY when the first in-flight request starts and leaves it only when the
// last one finishes, so overlapping requests run concurrently inside a
// single BUSY span. An fn error anywhere in the window turns the exit into a
// DEGRADED dip followed by one automatic recovery back to READY. fn's error
// is always returned to the caller untouched.
func (m *Machine) Guard(ctx context.Context, reason string, fn func(context.Context) error) error {
	if err := m.enterBusy(ctx, reason); err != nil {
		return err
	}
	err := runGuarded(ctx, fn)
	m.leaveBusy(ctx, reason, err)
	return err
}

func (m *Machine) enterBusy(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.active > 0 && m.state == StateBusy {
		m.active++
		m.mu.Unlock()
		return nil
	}
	from := m.state
	if from == StateOffline {
		m.mu.Unlock()
		return ErrOffline
	}
	if !CanTransition(from, StateBusy) {
		m.mu.Unlock()
		return invalidTransitionError(from, StateBusy)
	}
	m.prev = from
	m.state = StateBusy
	m.active = 1
	m.fault = ""
	m.mu.Unlock()

	m.announce(ctx, from, StateBusy, reason)
	return nil
}

// leaveBusy releases one request's share of the busy window. The last
// request out performs the exit transitions; an external transition (such as
// shutdown) that already moved the machine off BUSY wins.
func (m *Machine) leaveBusy(ctx context.Context, reason string, cause error) {
	m.mu.Lock()
	if cause != nil && m.fault == "" {
		m.fault = cause.Error()
	}
	m.active--
	if m.active > 0 || m.state != StateBusy {
		m.mu.Unlock()
		return
	}
	fault := m.fault
	m.fault = ""

	type hop struct {
		from, to State
		why      string
	}
	hops := []hop{{StateBusy, StateReady, reason}}
	if fault != "" {
		hops = []hop{
			{StateBusy, StateDegraded, fault},
			{StateDegraded, StateReady, "recovered"},
		}
	}
	last := hops[len(hops)-1]
	m.prev = last.from
	m.state = last.to
	m.mu.Unlock()

	for _, h := range hops {
		m.announce(ctx, h.from, h.to, h.why)
	}
}

// Shutdown publishes the best-effort OFFLINE transition. Safe to call from
// any state; calling it twice is a no-op.
func (m *Machine) Shutdown(ctx context.Context, reason string) {
	if err := m.Transition(ctx, StateOffline, reason); err != nil && !errors.Is(err, ErrOffline) {
		m.logger.Warn("shutdown transition failed", zap.Error(err))
	}
}

func runGuarded(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return fn(ctx)
}
