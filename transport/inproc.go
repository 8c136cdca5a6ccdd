package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// subBuffer is the per-subscriber channel capacity. A subscriber that falls
// this far behind starts losing live samples; retained replay makes the
// latest state recoverable on resubscribe.
const subBuffer = 256

// InProcBus is a channel-based Bus for tests and single-process meshes.
// Retained samples are replayed in original publish order at subscribe time.
type InProcBus struct {
	mu     sync.Mutex
	topics map[string]*inprocTopic
	logger *zap.Logger
	closed bool
	subSeq int
}

type inprocTopic struct {
	retained map[string][]byte
	order    []string // retained keys in first-publish order
	subs     map[int]*inprocSub
}

type inprocSub struct {
	id    int
	topic string
	bus   *InProcBus
	ch    chan Message
	once  sync.Once
}

// NewInProcBus creates an in-process bus.
func NewInProcBus(logger *zap.Logger) *InProcBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InProcBus{
		topics: make(map[string]*inprocTopic),
		logger: logger.With(zap.String("component", "inproc_bus")),
	}
}

// Publish sends a plain message to current subscribers of topic.
func (b *InProcBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.publish(topic, Message{Topic: topic, Payload: payload}, false)
}

// PublishRetained sends a message and retains the latest payload under key.
func (b *InProcBus) PublishRetained(ctx context.Context, topic, key string, payload []byte) error {
	if key == "" {
		return ErrKeyRequired
	}
	return b.publish(topic, Message{Topic: topic, Key: key, Payload: payload}, true)
}

// Retract withdraws the retained slot for key and signals current
// subscribers that the key is no longer alive.
func (b *InProcBus) Retract(ctx context.Context, topic, key string) error {
	if key == "" {
		return ErrKeyRequired
	}
	if topic == "" {
		return ErrTopicRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	if _, ok := t.retained[key]; ok {
		delete(t.retained, key)
		for i, k := range t.order {
			if k == key {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	b.deliverLocked(t, Message{Topic: topic, Key: key, Retracted: true})
	return nil
}

// Subscribe opens a feed for topic. Retained samples are queued into the
// subscription buffer before any live message can arrive.
func (b *InProcBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if topic == "" {
		return nil, ErrTopicRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	t := b.topicLocked(topic)
	b.subSeq++
	sub := &inprocSub{
		id:    b.subSeq,
		topic: topic,
		bus:   b,
		// The buffer covers every retained sample plus live headroom so the
		// replay below never blocks while b.mu is held.
		ch: make(chan Message, len(t.order)+subBuffer),
	}
	for _, key := range t.order {
		sub.ch <- Message{Topic: topic, Key: key, Payload: t.retained[key], Retained: true}
	}
	t.subs[sub.id] = sub
	return sub, nil
}

// Close shuts the bus down and closes every open subscription.
func (b *InProcBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		for _, sub := range t.subs {
			close(sub.ch)
		}
		t.subs = make(map[int]*inprocSub)
	}
	return nil
}

func (b *InProcBus) publish(topic string, msg Message, retain bool) error {
	if topic == "" {
		return ErrTopicRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	t := b.topicLocked(topic)
	if retain {
		if _, ok := t.retained[msg.Key]; !ok {
			t.order = append(t.order, msg.Key)
		}
		t.retained[msg.Key] = msg.Payload
	}
	b.deliverLocked(t, msg)
	return nil
}

func (b *InProcBus) deliverLocked(t *inprocTopic, msg Message) {
	for _, sub := range t.subs {
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warn("subscriber buffer full, dropping sample",
				zap.String("topic", msg.Topic),
				zap.String("key", msg.Key),
			)
		}
	}
}

func (b *InProcBus) topicLocked(topic string) *inprocTopic {
	t, ok := b.topics[topic]
	if !ok {
		t = &inprocTopic{
			retained: make(map[string][]byte),
			subs:     make(map[int]*inprocSub),
		}
		b.topics[topic] = t
	}
	return t
}

func (s *inprocSub) C() <-chan Message { return s.ch }

func (s *inprocSub) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if t, ok := s.bus.topics[s.topic]; ok {
			if _, present := t.subs[s.id]; present {
				delete(t.subs, s.id)
				close(s.ch)
			}
		}
	})
}

// Ensure InProcBus implements Bus.
var _ Bus = (*InProcBus)(nil)
