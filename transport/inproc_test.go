package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func recvMessage(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestInProcPublishSubscribe(t *testing.T) {
	bus := NewInProcBus(zap.NewNop())
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, "t", []byte("hello")))
	msg := recvMessage(t, sub)
	assert.Equal(t, "t", msg.Topic)
	assert.Equal(t, []byte("hello"), msg.Payload)
	assert.False(t, msg.Retained)
}

func TestInProcRetainedReplayOnSubscribe(t *testing.T) {
	bus := NewInProcBus(zap.NewNop())
	defer bus.Close()
	ctx := context.Background()

	require.NoError(t, bus.PublishRetained(ctx, "t", "a", []byte("1")))
	require.NoError(t, bus.PublishRetained(ctx, "t", "b", []byte("2")))
	require.NoError(t, bus.PublishRetained(ctx, "t", "a", []byte("3")))

	sub, err := bus.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	first := recvMessage(t, sub)
	second := recvMessage(t, sub)
	assert.Equal(t, "a", first.Key)
	assert.Equal(t, []byte("3"), first.Payload)
	assert.True(t, first.Retained)
	assert.Equal(t, "b", second.Key)
}

func TestInProcSubscribeWithLargeRetainedSet(t *testing.T) {
	bus := NewInProcBus(zap.NewNop())
	defer bus.Close()
	ctx := context.Background()

	const keys = 300 // larger than the live headroom on its own
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("k-%03d", i)
		require.NoError(t, bus.PublishRetained(ctx, "t", key, []byte(key)))
	}

	sub, err := bus.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < keys; i++ {
		msg := recvMessage(t, sub)
		assert.Equal(t, fmt.Sprintf("k-%03d", i), msg.Key)
		assert.True(t, msg.Retained)
	}

	// Live traffic still flows after the full replay.
	require.NoError(t, bus.Publish(ctx, "t", []byte("live")))
	live := recvMessage(t, sub)
	assert.Equal(t, []byte("live"), live.Payload)
	assert.False(t, live.Retained)
}

func TestInProcRetract(t *testing.T) {
	bus := NewInProcBus(zap.NewNop())
	defer bus.Close()
	ctx := context.Background()

	require.NoError(t, bus.PublishRetained(ctx, "t", "a", []byte("1")))

	sub, err := bus.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	recvMessage(t, sub) // retained replay

	require.NoError(t, bus.Retract(ctx, "t", "a"))
	msg := recvMessage(t, sub)
	assert.True(t, msg.Retracted)
	assert.Equal(t, "a", msg.Key)

	// A late subscriber sees nothing: the retained slot is gone.
	late, err := bus.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer late.Unsubscribe()
	select {
	case m := <-late.C():
		t.Fatalf("unexpected message after retract: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInProcValidation(t *testing.T) {
	bus := NewInProcBus(zap.NewNop())
	defer bus.Close()
	ctx := context.Background()

	assert.ErrorIs(t, bus.Publish(ctx, "", nil), ErrTopicRequired)
	assert.ErrorIs(t, bus.PublishRetained(ctx, "t", "", nil), ErrKeyRequired)
	assert.ErrorIs(t, bus.Retract(ctx, "t", ""), ErrKeyRequired)
	_, err := bus.Subscribe(ctx, "")
	assert.ErrorIs(t, err, ErrTopicRequired)
}

func TestInProcCloseThenUnsubscribe(t *testing.T) {
	bus := NewInProcBus(zap.NewNop())
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "t")
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	_, ok := <-sub.C()
	assert.False(t, ok)

	// Unsubscribe after Close must not double-close the channel.
	sub.Unsubscribe()
	sub.Unsubscribe()

	assert.ErrorIs(t, bus.Publish(ctx, "t", nil), ErrClosed)
	_, err = bus.Subscribe(ctx, "t")
	assert.ErrorIs(t, err, ErrClosed)
}
