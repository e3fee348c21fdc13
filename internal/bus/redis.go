package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/atlasvault/chainflow/pkg/wire"
)

// RedisConfig holds connection settings for the Redis transport.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	TLS      bool
}

func (c RedisConfig) options() *redis.Options {
	opts := &redis.Options{
		Addr:     c.Addr,
		Username: c.Username,
		Password: c.Password,
		DB:       c.DB,
	}
	if c.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// RedisPublisher publishes messages on a Redis channel. Batches go through
// a pipeline so the channel sees them in the sorted order.
type RedisPublisher struct {
	cfg    RedisConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *redis.Client
}

// NewRedisPublisher creates a disconnected publisher.
func NewRedisPublisher(cfg RedisConfig, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{cfg: cfg, logger: logger.With("component", "redis-publisher")}
}

func (p *RedisPublisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}
	client := redis.NewClient(p.cfg.options())

	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	p.client = client
	return nil
}

func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

func (p *RedisPublisher) Connected() bool {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
	defer cancel()
	return client.Ping(ctx).Err() == nil
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, msg *wire.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// PublishBatch sorts by timestamp ascending and sends the whole batch on one
// pipeline, preserving order on the channel.
func (p *RedisPublisher) PublishBatch(ctx context.Context, channel string, msgs []*wire.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	sorted := sortByTimestamp(msgs)

	pipe := p.client.Pipeline()
	for _, msg := range sorted {
		data, err := msg.Encode()
		if err != nil {
			return err
		}
		pipe.Publish(ctx, channel, data)
	}

	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis batch publish: %w", err)
	}
	return nil
}

// RedisSubscriber consumes a single Redis channel and hands decoded
// messages to the handler one at a time, in arrival order.
type RedisSubscriber struct {
	cfg    RedisConfig
	logger *slog.Logger

	mu      sync.Mutex
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	handler Handler
	cancel  context.CancelFunc
	paused  bool
}

// NewRedisSubscriber creates a disconnected subscriber.
func NewRedisSubscriber(cfg RedisConfig, logger *slog.Logger) *RedisSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSubscriber{cfg: cfg, logger: logger.With("component", "redis-subscriber")}
}

func (s *RedisSubscriber) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}
	client := redis.NewClient(s.cfg.options())

	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	s.client = client
	return nil
}

func (s *RedisSubscriber) Close() error {
	_ = s.Unsubscribe()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *RedisSubscriber) Connected() bool {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
	defer cancel()
	return client.Ping(ctx).Err() == nil
}

// Subscribe starts delivery on the channel. Only one channel per subscriber.
func (s *RedisSubscriber) Subscribe(ctx context.Context, channel string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return fmt.Errorf("redis subscriber not connected")
	}
	if s.pubsub != nil {
		return fmt.Errorf("already subscribed to %s", s.channel)
	}

	s.channel = channel
	s.handler = h
	return s.startLocked(ctx)
}

// startLocked opens the pubsub and begins the delivery loop. Caller holds mu.
func (s *RedisSubscriber) startLocked(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis subscribe %s: %w", s.channel, err)
	}
	s.pubsub = pubsub
	s.paused = false

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.deliver(loopCtx, pubsub.Channel())

	s.logger.Info("subscribed", "channel", s.channel)
	return nil
}

func (s *RedisSubscriber) deliver(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg, err := wire.Decode([]byte(m.Payload))
			if err != nil {
				s.logger.Warn("dropping undecodable message", "error", err)
				continue
			}
			s.handler(ctx, msg)
		}
	}
}

// Unsubscribe stops delivery and forgets the channel.
func (s *RedisSubscriber) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.channel = ""
	s.handler = nil
	return nil
}

// stopLocked tears down the pubsub without dropping the channel/handler.
// Caller holds mu.
func (s *RedisSubscriber) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.pubsub != nil {
		_ = s.pubsub.Close()
		s.pubsub = nil
	}
}

// Pause unsubscribes while holding the connection open.
func (s *RedisSubscriber) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub == nil {
		return nil
	}
	s.stopLocked()
	s.paused = true
	s.logger.Info("paused", "channel", s.channel)
	return nil
}

// Resume re-subscribes with the handler from before the pause.
func (s *RedisSubscriber) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused || s.channel == "" || s.handler == nil {
		return nil
	}
	if err := s.startLocked(ctx); err != nil {
		return err
	}
	s.logger.Info("resumed", "channel", s.channel)
	return nil
}
