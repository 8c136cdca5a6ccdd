package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig holds connection settings for the Redis-backed bus.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `yaml:"addr" json:"addr"`

	// Password is the optional server password.
	Password string `yaml:"password" json:"password"`

	// DB is the Redis database index.
	DB int `yaml:"db" json:"db"`

	// KeyPrefix namespaces every key the bus writes.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// PoolSize is the connection pool size.
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// RedisBus implements Bus on Redis: pub/sub channels for live delivery and a
// hash per topic for retained samples, so late subscribers still receive the
// latest sample per key.
type RedisBus struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool

	// ownsClient is set when the bus created the client itself and is
	// therefore responsible for closing it.
	ownsClient bool
}

// envelope is the wire shape published on the pub/sub channel.
type envelope struct {
	Key       string `json:"key,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
	Retracted bool   `json:"retracted,omitempty"`
}

// NewRedisBus connects to Redis and verifies the connection. Construction
// fails fast when the substrate cannot be initialized.
func NewRedisBus(cfg RedisConfig, logger *zap.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("transport: failed to connect to redis: %w", err)
	}

	bus := NewRedisBusFromClient(client, cfg.KeyPrefix, logger)
	bus.ownsClient = true
	return bus, nil
}

// NewRedisBusFromClient wraps an existing client. The caller keeps ownership
// of the client's lifetime.
func NewRedisBusFromClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "capmesh:"
	}
	return &RedisBus{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "redis_bus")),
		subs:      make(map[*redisSub]struct{}),
	}
}

func (b *RedisBus) retainedKey(topic string) string {
	return b.keyPrefix + "retained:" + topic
}

func (b *RedisBus) channel(topic string) string {
	return b.keyPrefix + "topic:" + topic
}

// Publish sends a plain message.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return ErrTopicRequired
	}
	return b.send(ctx, topic, envelope{Payload: payload})
}

// PublishRetained stores the latest payload under key and publishes it live.
func (b *RedisBus) PublishRetained(ctx context.Context, topic, key string, payload []byte) error {
	if topic == "" {
		return ErrTopicRequired
	}
	if key == "" {
		return ErrKeyRequired
	}
	if err := b.client.HSet(ctx, b.retainedKey(topic), key, payload).Err(); err != nil {
		return fmt.Errorf("transport: retain sample: %w", err)
	}
	return b.send(ctx, topic, envelope{Key: key, Payload: payload})
}

// Retract removes the retained slot for key and publishes a retraction.
func (b *RedisBus) Retract(ctx context.Context, topic, key string) error {
	if topic == "" {
		return ErrTopicRequired
	}
	if key == "" {
		return ErrKeyRequired
	}
	if err := b.client.HDel(ctx, b.retainedKey(topic), key).Err(); err != nil {
		return fmt.Errorf("transport: retract sample: %w", err)
	}
	return b.send(ctx, topic, envelope{Key: key, Retracted: true})
}

func (b *RedisBus) send(ctx context.Context, topic string, env envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("transport: publish: %w", err)
	}
	return nil
}

// Subscribe opens a feed for topic. The live subscription is established
// before the retained hash is read, so a sample published in between is
// delivered twice rather than lost; registry-side handling is idempotent.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if topic == "" {
		return nil, ErrTopicRequired
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("transport: subscribe: %w", err)
	}

	retained, err := b.client.HGetAll(ctx, b.retainedKey(topic)).Result()
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("transport: read retained samples: %w", err)
	}

	sub := &redisSub{
		topic: topic,
		bus:   b,
		ps:    ps,
		ch:    make(chan Message, subBuffer),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(retained)
	return sub, nil
}

// Close shuts down all subscriptions and, when the bus owns the client, the
// underlying connection pool.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*redisSub]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

type redisSub struct {
	topic string
	bus   *RedisBus
	ps    *redis.PubSub
	ch    chan Message
	done  chan struct{}
	once  sync.Once
}

func (s *redisSub) run(retained map[string]string) {
	defer close(s.ch)

	for key, payload := range retained {
		select {
		case s.ch <- Message{Topic: s.topic, Key: key, Payload: []byte(payload), Retained: true}:
		case <-s.done:
			return
		}
	}

	live := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-live:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				s.bus.logger.Warn("dropping malformed envelope",
					zap.String("topic", s.topic),
					zap.Error(err),
				)
				continue
			}
			msg := Message{
				Topic:     s.topic,
				Key:       env.Key,
				Payload:   env.Payload,
				Retracted: env.Retracted,
			}
			select {
			case s.ch <- msg:
			default:
				s.bus.logger.Warn("subscriber buffer full, dropping sample",
					zap.String("topic", s.topic),
					zap.String("key", env.Key),
				)
			}
		}
	}
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
}

func (s *redisSub) stop() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ps.Close()
	})
}

// Ensure RedisBus implements Bus.
var _ Bus = (*RedisBus)(nil)
