// Command consumer subscribes to the event channel, maintains the NFT
// ownership Merkle commitment, and runs the collateral ledger.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/atlasvault/chainflow/internal/bus"
	"github.com/atlasvault/chainflow/internal/config"
	"github.com/atlasvault/chainflow/internal/consumer"
	"github.com/atlasvault/chainflow/internal/ledger"
	"github.com/atlasvault/chainflow/internal/lending"
	"github.com/atlasvault/chainflow/internal/merkle"
	"github.com/atlasvault/chainflow/internal/metrics"
	"github.com/atlasvault/chainflow/internal/oracle"
	"github.com/atlasvault/chainflow/internal/relayer"
	"github.com/atlasvault/chainflow/internal/storage"
)

func main() {
	logLevel := flag.String("log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	allowDepositFallback := flag.Bool("allow-deposit-fallback", false, "Allow ownership checks to fall back to deposit history before the first Merkle root")
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

	transfers := storage.NewTransferRepo(db)
	ledgerRepo := storage.NewLedgerRepo(db)

	relayerClient, err := relayer.New(ctx, cfg.PrivateKey, []relayer.ChainTarget{{
		ChainID: cfg.Chain.ChainID,
		RPCURL:  cfg.Chain.RPCURL,
		Relayer: cfg.Chain.RelayerAddress,
		Vault:   cfg.Chain.VaultAddress,
	}}, logger)
	if err != nil {
		logger.Error("relayer client failed", "error", err)
		os.Exit(1)
	}
	defer relayerClient.Close()

	engine := merkle.NewEngine(transfers, relayerClient, ledgerRepo, relayerClient.Chains(), logger)
	if err := engine.Bootstrap(ctx); err != nil {
		logger.Error("merkle bootstrap failed", "error", err)
		os.Exit(1)
	}

	ethClient, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		logger.Error("RPC connection failed", "error", err)
		os.Exit(1)
	}
	defer ethClient.Close()

	pools, err := lending.New(
		map[uint64]*ethclient.Client{cfg.Chain.ChainID: ethClient},
		protocolChains(cfg),
	)
	if err != nil {
		logger.Error("lending pool client failed", "error", err)
		os.Exit(1)
	}

	led := ledger.New(ledger.Config{
		Assets:               cfg.Assets,
		Handlers:             map[uint64]string{cfg.Chain.ChainID: cfg.Chain.VaultAddress},
		AllowDepositFallback: *allowDepositFallback,
	}, ledgerRepo, engine, relayerClient,
		oracle.NewAlchemyOracle(cfg.AlchemyAPIKey, logger), pools, logger)

	// sweep verdicts that never reached the chain before the last shutdown
	if err := led.ProcessPendingRequests(ctx); err != nil {
		logger.Error("pending request sweep failed", "error", err)
	}

	go func() {
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	cons := consumer.New(consumer.Config{
		Channel:    cfg.Redis.Channel,
		RetryDelay: cfg.Chain.RetryDelay,
	}, newSubscriber(cfg, logger), transfers, engine, led, ledgerRepo, logger)

	if err := cons.Start(ctx); err != nil {
		logger.Error("consumer start failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	cons.Stop()
}

// protocolChains maps each address in the comma-separated LENDING_PROTOCOLS
// variable to a chain that has an asset table. With more than one such
// chain, which chain an address ends up mapped to is not defined.
func protocolChains(cfg *config.Config) map[string]uint64 {
	out := make(map[string]uint64)
	for chainID := range cfg.Assets {
		if v := os.Getenv("LENDING_PROTOCOLS"); v != "" {
			for _, addr := range strings.Split(v, ",") {
				out[strings.ToLower(strings.TrimSpace(addr))] = chainID
			}
		}
	}
	return out
}

func newSubscriber(cfg *config.Config, logger *slog.Logger) bus.Subscriber {
	if cfg.BusDriver == "nats" {
		natsCfg := bus.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = "chainflow-consumer"
		return bus.NewNATSSubscriber(natsCfg, logger)
	}
	return bus.NewRedisSubscriber(bus.RedisConfig{
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
