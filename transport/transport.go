// Package transport defines the pub/sub substrate boundary the mesh runs on.
// The substrate itself (reliable delivery, durability, wire encoding) is an
// external collaborator; this package specifies only the surface the
// discovery, invocation, and event subsystems need, plus an in-process
// implementation for tests and single-process meshes and a Redis-backed
// implementation for distributed deployments.
package transport

import (
	"context"
)

// Message is one sample delivered to a subscriber.
type Message struct {
	// Topic the message was published on.
	Topic string `json:"topic"`

	// Key identifies the retained slot the message belongs to; empty for
	// plain (non-retained) publishes.
	Key string `json:"key,omitempty"`

	// Payload is the opaque serialized sample. Empty when Retracted.
	Payload []byte `json:"payload,omitempty"`

	// Retained marks a sample replayed from the retained store rather than
	// received live.
	Retained bool `json:"retained,omitempty"`

	// Retracted marks a not-alive signal for Key: the retained slot was
	// withdrawn, either explicitly or because its publisher went away.
	Retracted bool `json:"retracted,omitempty"`
}

// Subscription is a live feed of messages for one topic. Retained samples
// are replayed first, then live traffic. The channel is closed on
// Unsubscribe or when the bus shuts down.
type Subscription interface {
	// C returns the message channel.
	C() <-chan Message

	// Unsubscribe stops delivery and closes the channel.
	Unsubscribe()
}

// Bus is the substrate surface. Per-key publish order from a single
// publisher is preserved; there is no cross-publisher ordering guarantee.
type Bus interface {
	// Publish sends a plain, non-retained message.
	Publish(ctx context.Context, topic string, payload []byte) error

	// PublishRetained sends a message and retains it under key so that late
	// subscribers still receive the latest sample (durable/replay
	// semantics). Re-publishing the same key overwrites the retained slot.
	PublishRetained(ctx context.Context, topic, key string, payload []byte) error

	// Retract withdraws the retained slot for key and delivers a retraction
	// to current subscribers.
	Retract(ctx context.Context, topic, key string) error

	// Subscribe opens a feed for topic.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Close shuts the bus down and closes all subscriptions.
	Close() error
}
