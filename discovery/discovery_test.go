package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/capmesh/capmesh/capability"
	"github.com/capmesh/capmesh/transport"
)

func testRecord(id, name string) capability.Record {
	return capability.Record{
		FunctionID:  id,
		Name:        name,
		Description: name + " capability",
		ServiceName: "svc",
		ParameterSchema: capability.Schema{
			"x": {Type: capability.TypeNumber, Required: true},
		},
	}
}

func newPair(t *testing.T, bus transport.Bus, opts ...RegistryOption) (*Advertiser, *Registry) {
	t.Helper()
	reg, err := NewRegistry(context.Background(), bus, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	adv := NewAdvertiser(bus, "provider-1", time.Hour, nil, zap.NewNop())
	t.Cleanup(func() { adv.Close(context.Background()) })
	return adv, reg
}

func TestAdvertiseReachesRegistry(t *testing.T) {
	bus := transport.NewInProcBus(zap.NewNop())
	defer bus.Close()
	adv, reg := newPair(t, bus)

	require.NoError(t, adv.Advertise(context.Background(), testRecord("fn-1", "add")))

	assert.True(t, reg.AwaitFirstDiscovery(context.Background(), 2*time.Second))
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "fn-1", snap[0].FunctionID)
	assert.Equal(t, "provider-1", snap[0].ProviderID)
	assert.False(t, snap[0].Freshness.IsZero())
}

func TestRetainedReplayForLateRegistry(t *testing.T) {
	bus := transport.NewInProcBus(zap.NewNop())
	defer bus.Close()

	adv := NewAdvertiser(bus, "provider-1", time.Hour, nil, zap.NewNop())
	defer adv.Close(context.Background())
	require.NoError(t, adv.Advertise(context.Background(), testRecord("fn-1", "add")))

	// The registry subscribes after the advertisement; the retained sample
	// still reaches it.
	reg, err := NewRegistry(context.Background(), bus, zap.NewNop())
	require.NoError(t, err)
	defer reg.Close()

	assert.True(t, reg.AwaitFirstDiscovery(context.Background(), 2*time.Second))
}

func TestDuplicateAdvertisementIsNoOp(t *testing.T) {
	bus := transport.NewInProcBus(zap.NewNop())
	defer bus.Close()
	_, reg := newPair(t, bus)

	rec := testRecord("fn-1", "add")
	rec.ProviderID = "provider-1"
	rec.Freshness = time.Now().UTC()
	payload, err := json.Marshal(rec)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.PublishRetained(ctx, Topic, rec.FunctionID, payload))
	require.NoError(t, bus.PublishRetained(ctx, Topic, rec.FunctionID, payload))
	require.NoError(t, bus.PublishRetained(ctx, Topic, rec.FunctionID, payload))

	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, reg.Snapshot(), 1)
}

func TestRetractionRemoves(t *testing.T) {
	bus := transport.NewInProcBus(zap.NewNop())
	defer bus.Close()
	adv, reg := newPair(t, bus)
	ctx := context.Background()

	require.NoError(t, adv.Advertise(ctx, testRecord("fn-1", "add")))
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, adv.Retract(ctx, "fn-1"))
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Retracting again is a no-op on both sides.
	require.NoError(t, adv.Retract(ctx, "fn-1"))
	assert.Equal(t, 0, reg.Len())
}

func TestLeaseExpiryEvicts(t *testing.T) {
	bus := transport.NewInProcBus(zap.NewNop())
	defer bus.Close()
	adv, reg := newPair(t, bus, WithLeaseTTL(100*time.Millisecond))

	require.NoError(t, adv.Advertise(context.Background(), testRecord("fn-1", "add")))
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The advertiser's heartbeat interval is an hour, so the lease lapses.
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	bus := transport.NewInProcBus(zap.NewNop())
	defer bus.Close()
	adv, reg := newPair(t, bus)

	require.NoError(t, adv.Advertise(context.Background(), testRecord("fn-1", "add")))
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	snap := reg.Snapshot()
	snap[0].Name = "mutated"
	snap[0].ParameterSchema["x"] = capability.Parameter{Type: capability.TypeString}

	again := reg.Snapshot()
	assert.Equal(t, "add", again[0].Name)
	assert.Equal(t, capability.TypeNumber, again[0].ParameterSchema["x"].Type)
}

func TestResolveByIDAndName(t *testing.T) {
	bus := transport.NewInProcBus(zap.NewNop())
	defer bus.Close()
	adv, reg := newPair(t, bus)

	require.NoError(t, adv.Advertise(context.Background(), testRecord("fn-1", "add")))
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	byID, ok := reg.Resolve("fn-1")
	require.True(t, ok)
	assert.Equal(t, "add", byID.Name)

	byName, ok := reg.Resolve("add")
	require.True(t, ok)
	assert.Equal(t, "fn-1", byName.FunctionID)

	_, ok = reg.Resolve("does-not-exist")
	assert.False(t, ok)
}

func TestAwaitFirstDiscoveryTimesOut(t *testing.T) {
	bus := transport.NewInProcBus(zap.NewNop())
	defer bus.Close()
	reg, err := NewRegistry(context.Background(), bus, zap.NewNop())
	require.NoError(t, err)
	defer reg.Close()

	start := time.Now()
	assert.False(t, reg.AwaitFirstDiscovery(context.Background(), 50*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}

func TestAwaitFirstDiscoveryStaysTrue(t *testing.T) {
	bus := transport.NewInProcBus(zap.NewNop())
	defer bus.Close()
	adv, reg := newPair(t, bus)
	ctx := context.Background()

	require.NoError(t, adv.Advertise(ctx, testRecord("fn-1", "add")))
	require.True(t, reg.AwaitFirstDiscovery(ctx, 2*time.Second))

	require.NoError(t, adv.Retract(ctx, "fn-1"))
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	// First discovery already happened; removal does not reset it.
	assert.True(t, reg.AwaitFirstDiscovery(ctx, 10*time.Millisecond))
}

func TestMalformedAdvertisementIgnored(t *testing.T) {
	bus := transport.NewInProcBus(zap.NewNop())
	defer bus.Close()
	_, reg := newPair(t, bus)
	ctx := context.Background()

	require.NoError(t, bus.PublishRetained(ctx, Topic, "junk", []byte("{not json")))
	require.NoError(t, bus.PublishRetained(ctx, Topic, "invalid", []byte(`{"function_id":""}`)))

	assert.False(t, reg.AwaitFirstDiscovery(ctx, 100*time.Millisecond))
	assert.Equal(t, 0, reg.Len())
}

func TestDegradedHookFiresOnSubscriptionLoss(t *testing.T) {
	bus := transport.NewInProcBus(zap.NewNop())

	degraded := make(chan error, 1)
	reg, err := NewRegistry(context.Background(), bus, zap.NewNop(),
		WithDegradedHook(func(cause error) { degraded <- cause }))
	require.NoError(t, err)
	defer reg.Close()

	// Closing the bus kills the subscription out from under the registry.
	require.NoError(t, bus.Close())

	select {
	case cause := <-degraded:
		assert.ErrorIs(t, cause, ErrDegraded)
	case <-time.After(2 * time.Second):
		t.Fatal("degraded hook never fired")
	}
}

// TestRegistryConvergesProperty drives a random advertise/retract sequence
// and checks the registry converges to the same view as a plain map.
func TestRegistryConvergesProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		bus := transport.NewInProcBus(zap.NewNop())
		defer bus.Close()
		reg, err := NewRegistry(context.Background(), bus, zap.NewNop())
		require.NoError(rt, err)
		defer reg.Close()

		ctx := context.Background()
		model := make(map[string]string)
		ids := []string{"fn-a", "fn-b", "fn-c", "fn-d"}

		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(rt, "id")
			if rapid.Bool().Draw(rt, "retract") {
				require.NoError(rt, bus.Retract(ctx, Topic, id))
				delete(model, id)
				continue
			}
			name := fmt.Sprintf("%s-v%d", id, i)
			rec := testRecord(id, name)
			rec.ProviderID = "p"
			rec.Freshness = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
			payload, merr := json.Marshal(rec)
			require.NoError(rt, merr)
			require.NoError(rt, bus.PublishRetained(ctx, Topic, id, payload))
			model[id] = name
		}

		require.Eventually(rt, func() bool {
			snap := reg.Snapshot()
			if len(snap) != len(model) {
				return false
			}
			for _, rec := range snap {
				if model[rec.FunctionID] != rec.Name {
					return false
				}
			}
			return true
		}, 2*time.Second, 5*time.Millisecond)
	})
}
