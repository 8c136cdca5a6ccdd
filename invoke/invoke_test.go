package invoke

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/capmesh/capmesh/capability"
	"github.com/capmesh/capmesh/transport"
)

type staticResolver map[string]capability.Record

func (r staticResolver) Resolve(name string) (capability.Record, bool) {
	rec, ok := r[name]
	return rec, ok
}

func addRecord() capability.Record {
	return capability.Record{
		FunctionID:  "fn-add",
		Name:        "add",
		Description: "Add two numbers",
		ProviderID:  "calc-1",
		ServiceName: "calc",
		ParameterSchema: capability.Schema{
			"x": {Type: capability.TypeNumber, Required: true},
			"y": {Type: capability.TypeNumber, Required: true},
		},
	}
}

func addHandler(ctx context.Context, args map[string]any) (any, error) {
	x := args["x"].(float64)
	y := args["y"].(float64)
	return x + y, nil
}

func newServed(t *testing.T, opts ...ClientOption) (*Client, *Responder) {
	t.Helper()
	bus := transport.NewInProcBus(zap.NewNop())
	t.Cleanup(func() { bus.Close() })

	resp := NewResponder(bus, "calc", nil, zap.NewNop())
	require.NoError(t, resp.Register("add", addRecord().ParameterSchema, addHandler))
	require.NoError(t, resp.Start(context.Background()))
	t.Cleanup(resp.Close)

	client := NewClient(bus, staticResolver{"add": addRecord()}, "caller-1", zap.NewNop(), opts...)
	t.Cleanup(client.Close)
	return client, resp
}

func TestInvokeEndToEnd(t *testing.T) {
	client, _ := newServed(t)

	result, err := client.Invoke(context.Background(), "add", map[string]any{"x": 2.0, "y": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 4.0, result)
}

func TestInvokeResolutionFailureIsImmediate(t *testing.T) {
	client, _ := newServed(t)

	start := time.Now()
	_, err := client.Invoke(context.Background(), "subtract", map[string]any{"x": 1.0})
	assert.ErrorIs(t, err, ErrResolution)
	assert.Less(t, time.Since(start), time.Second, "resolution failure must not wait out a timeout")
}

func TestInvokeValidationError(t *testing.T) {
	client, _ := newServed(t)

	_, err := client.Invoke(context.Background(), "add", map[string]any{"x": 2.0})
	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrExecution)
}

func TestInvokeExecutionError(t *testing.T) {
	bus := transport.NewInProcBus(zap.NewNop())
	defer bus.Close()

	resp := NewResponder(bus, "calc", nil, zap.NewNop())
	require.NoError(t, resp.Register("add", addRecord().ParameterSchema,
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("overflow")
		}))
	require.NoError(t, resp.Start(context.Background()))
	defer resp.Close()

	client := NewClient(bus, staticResolver{"add": addRecord()}, "caller-1", zap.NewNop())
	defer client.Close()

	_, err := client.Invoke(context.Background(), "add", map[string]any{"x": 1.0, "y": 2.0})
	assert.ErrorIs(t, err, ErrExecution)
	assert.Contains(t, err.Error(), "overflow")
}

func TestInvokeHandlerPanicBecomesExecutionError(t *testing.T) {
	bus := transport.NewInProcBus(zap.NewNop())
	defer bus.Close()

	resp := NewResponder(bus, "calc", nil, zap.NewNop())
	require.NoError(t, resp.Register("add", addRecord().ParameterSchema,
		func(ctx context.Context, args map[string]any) (any, error) {
			panic("arithmetic meltdown")
		}))
	require.NoError(t, resp.Start(context.Background()))
	defer resp.Close()

	client := NewClient(bus, staticResolver{"add": addRecord()}, "caller-1", zap.NewNop())
	defer client.Close()

	_, err := client.Invoke(context.Background(), "add", map[string]any{"x": 1.0, "y": 2.0})
	assert.ErrorIs(t, err, ErrExecution)
}

func TestInvokeTimesOutWithoutProvider(t *testing.T) {
	bus := transport.NewInProcBus(zap.NewNop())
	defer bus.Close()

	// The record resolves but nothing serves the topic.
	client := NewClient(bus, staticResolver{"add": addRecord()}, "caller-1", zap.NewNop(),
		WithDefaultTimeout(100*time.Millisecond))
	defer client.Close()

	start := time.Now()
	_, err := client.Invoke(context.Background(), "add", map[string]any{"x": 1.0, "y": 2.0})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second, "the call must not hang")
}

func TestInvokeUnknownFunctionAtProvider(t *testing.T) {
	bus := transport.NewInProcBus(zap.NewNop())
	defer bus.Close()

	resp := NewResponder(bus, "calc", nil, zap.NewNop())
	require.NoError(t, resp.Start(context.Background()))
	defer resp.Close()

	// The caller's view says "add" lives at calc, but calc never registered it.
	client := NewClient(bus, staticResolver{"add": addRecord()}, "caller-1", zap.NewNop())
	defer client.Close()

	_, err := client.Invoke(context.Background(), "add", map[string]any{"x": 1.0, "y": 2.0})
	assert.ErrorIs(t, err, ErrResolution)
}

func TestChannelCreatedOncePerDestination(t *testing.T) {
	var mu sync.Mutex
	created := 0
	client, _ := newServed(t, WithChannelCreatedHook(func(service string) {
		mu.Lock()
		created++
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Invoke(context.Background(), "add", map[string]any{"x": 1.0, "y": 2.0})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, created, "concurrent invokes must share one channel")
}

func TestConcurrentInvocationsOnOneChannel(t *testing.T) {
	client, _ := newServed(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := client.Invoke(context.Background(), "add",
				map[string]any{"x": float64(i), "y": 1.0})
			if assert.NoError(t, err) {
				assert.Equal(t, float64(i)+1.0, result)
			}
		}()
	}
	wg.Wait()
}

func TestErrorKindRoundTrip(t *testing.T) {
	assert.ErrorIs(t, kindToError(kindResolution, "gone"), ErrResolution)
	assert.ErrorIs(t, kindToError(kindValidation, "bad"), ErrValidation)
	assert.ErrorIs(t, kindToError(kindTimeout, ""), ErrTimeout)
	assert.ErrorIs(t, kindToError(kindExecution, "boom"), ErrExecution)
	assert.ErrorIs(t, kindToError("unheard-of", ""), ErrExecution)

	err := kindToError(kindExecution, "boom")
	assert.Contains(t, err.Error(), "boom")
}
