package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/atlasvault/chainflow/pkg/wire"
)

// NATSConfig holds connection settings for the NATS transport.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultNATSConfig returns sensible defaults for local development.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chainflow",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

func dialNATS(cfg NATSConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg = DefaultNATSConfig()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(ConnectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// NATSPublisher is the alternate transport for deployments already running
// NATS. Subject = channel name; per-connection publish order is preserved,
// so a sorted batch arrives sorted.
type NATSPublisher struct {
	cfg    NATSConfig
	logger *slog.Logger

	mu sync.Mutex
	nc *nats.Conn
}

// NewNATSPublisher creates a disconnected publisher.
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{cfg: cfg, logger: logger.With("component", "nats-publisher")}
}

func (p *NATSPublisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc != nil {
		return nil
	}
	nc, err := dialNATS(p.cfg)
	if err != nil {
		return err
	}
	p.nc = nc
	return nil
}

func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc != nil {
		p.nc.Close()
		p.nc = nil
	}
	return nil
}

func (p *NATSPublisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nc != nil && p.nc.IsConnected()
}

func (p *NATSPublisher) Publish(ctx context.Context, channel string, msg *wire.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := p.nc.Publish(channel, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (p *NATSPublisher) PublishBatch(ctx context.Context, channel string, msgs []*wire.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for _, msg := range sortByTimestamp(msgs) {
		if err := p.Publish(ctx, channel, msg); err != nil {
			return err
		}
	}
	if err := p.nc.FlushTimeout(CommandTimeout); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// NATSSubscriber consumes one subject with the same pause/resume contract
// as the Redis subscriber.
type NATSSubscriber struct {
	cfg    NATSConfig
	logger *slog.Logger

	mu      sync.Mutex
	nc      *nats.Conn
	sub     *nats.Subscription
	channel string
	handler Handler
	paused  bool
}

// NewNATSSubscriber creates a disconnected subscriber.
func NewNATSSubscriber(cfg NATSConfig, logger *slog.Logger) *NATSSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSubscriber{cfg: cfg, logger: logger.With("component", "nats-subscriber")}
}

func (s *NATSSubscriber) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc != nil {
		return nil
	}
	nc, err := dialNATS(s.cfg)
	if err != nil {
		return err
	}
	s.nc = nc
	return nil
}

func (s *NATSSubscriber) Close() error {
	_ = s.Unsubscribe()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
	}
	return nil
}

func (s *NATSSubscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nc != nil && s.nc.IsConnected()
}

func (s *NATSSubscriber) Subscribe(ctx context.Context, channel string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc == nil {
		return fmt.Errorf("nats subscriber not connected")
	}
	if s.sub != nil {
		return fmt.Errorf("already subscribed to %s", s.channel)
	}
	s.channel = channel
	s.handler = h
	return s.startLocked()
}

func (s *NATSSubscriber) startLocked() error {
	handler := s.handler
	sub, err := s.nc.Subscribe(s.channel, func(m *nats.Msg) {
		msg, err := wire.Decode(m.Data)
		if err != nil {
			s.logger.Warn("dropping undecodable message", "error", err)
			return
		}
		handler(context.Background(), msg)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", s.channel, err)
	}
	s.sub = sub
	s.paused = false
	s.logger.Info("subscribed", "channel", s.channel)
	return nil
}

func (s *NATSSubscriber) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.channel = ""
	s.handler = nil
	return nil
}

func (s *NATSSubscriber) stopLocked() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
		s.sub = nil
	}
}

func (s *NATSSubscriber) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	s.stopLocked()
	s.paused = true
	return nil
}

func (s *NATSSubscriber) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused || s.channel == "" || s.handler == nil {
		return nil
	}
	return s.startLocked()
}
