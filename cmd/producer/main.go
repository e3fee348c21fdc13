// Command producer tails an EVM chain, filters transactions against the
// active topic set, and publishes matches to the message bus.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/atlasvault/chainflow/internal/bus"
	"github.com/atlasvault/chainflow/internal/chain"
	"github.com/atlasvault/chainflow/internal/config"
	"github.com/atlasvault/chainflow/internal/events"
	"github.com/atlasvault/chainflow/internal/indexer"
	"github.com/atlasvault/chainflow/internal/metrics"
	"github.com/atlasvault/chainflow/internal/storage"
)

func main() {
	logLevel := flag.String("log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	db, err := storage.New(ctx, storage.Config{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.Username,
		Password: cfg.DB.Password,
		Database: cfg.DB.Name,
		SSLMode:  sslMode(cfg.DB.SSL),
	})
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	client, err := chain.Dial(ctx, chain.Config{
		URL:     cfg.Chain.RPCURL,
		WSURL:   cfg.Chain.WSURL,
		ChainID: cfg.Chain.ChainID,
	}, logger)
	if err != nil {
		logger.Error("RPC connection failed", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	publisher := newPublisher(cfg, logger)
	if err := publisher.Connect(ctx); err != nil {
		logger.Error("bus connection failed", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	go func() {
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	var filters []indexer.TopicFilter
	for _, topic := range events.IndexedTopics() {
		filters = append(filters, indexer.TopicFilter{
			Hash:        topic,
			Description: events.Describe(topic),
		})
	}
	matcher := indexer.NewTopicMatcher(filters)

	processor := indexer.NewBlockProcessor(indexer.ProcessorConfig{
		ChainName:          cfg.Chain.Name,
		ConcurrentLimit:    cfg.Chain.ConcurrentTxLimit,
		MinConcurrentLimit: cfg.Chain.MinConcurrentLimit,
		MaxConcurrentLimit: cfg.Chain.MaxConcurrentLimit,
	}, client, matcher, logger)

	ix := indexer.New(indexer.Config{
		ChainID:             cfg.Chain.ChainID,
		ChainName:           cfg.Chain.Name,
		Channel:             cfg.Redis.Channel,
		BlockConfirmations:  cfg.Chain.BlockConfirmations,
		BatchSize:           cfg.Chain.BatchSize,
		LatestBlockInterval: cfg.Chain.LatestBlockInterval,
		ContinuousInterval:  cfg.Chain.ContinuousInterval,
		HealthCheckInterval: cfg.Chain.HealthCheckInterval,
	}, client, publisher, storage.NewBlockRepo(db), processor, matcher, logger)

	if err := ix.Start(ctx); err != nil {
		logger.Error("indexer start failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	ix.Stop()
}

func newPublisher(cfg *config.Config, logger *slog.Logger) bus.Publisher {
	if cfg.BusDriver == "nats" {
		natsCfg := bus.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = "chainflow-producer"
		return bus.NewNATSPublisher(natsCfg, logger)
	}
	return bus.NewRedisPublisher(bus.RedisConfig{
		Addr:     cfg.Redis.Addr(),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.Database,
		TLS:      cfg.Redis.TLS,
	}, logger)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func sslMode(ssl bool) string {
	if ssl {
		return "require"
	}
	return "disable"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
