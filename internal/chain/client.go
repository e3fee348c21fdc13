// Package chain abstracts EVM RPC access for the indexing pipeline.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrNotFound is returned when the node has no record of the requested
// transaction or receipt.
var ErrNotFound = errors.New("chain: not found")

// DefaultRPCTimeout bounds individual RPC calls.
const DefaultRPCTimeout = 10 * time.Second

// Client is the EVM RPC capability used by the indexer.
type Client interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, n uint64) (*Header, error)
	BlockWithTransactions(ctx context.Context, n uint64) (*Block, error)
	TransactionByHash(ctx context.Context, hash string) (*Transaction, error)
	Receipt(ctx context.Context, hash string) (*Receipt, error)
	ChainID(ctx context.Context) (uint64, error)
	Healthy(ctx context.Context) bool

	// SubscribeNewHeads delivers new chain heads on the channel until ctx is
	// cancelled or Unsubscribe is called. Uses push when a WS endpoint is
	// configured, otherwise falls back to polling.
	SubscribeNewHeads(ctx context.Context, heads chan<- Header) error
	Unsubscribe()
}

// Config holds RPC connection settings.
type Config struct {
	URL          string
	WSURL        string
	ChainID      uint64
	Timeout      time.Duration
	PollInterval time.Duration
}

// RPCClient implements Client over go-ethereum's ethclient.
type RPCClient struct {
	cfg    Config
	logger *slog.Logger

	client   *ethclient.Client
	wsClient *ethclient.Client

	mu    sync.Mutex
	sub   ethereum.Subscription
	unsub context.CancelFunc
}

// Dial connects the HTTP endpoint (and WS when configured) and verifies the
// chain ID matches the configuration.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*RPCClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRPCTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &RPCClient{
		cfg:    cfg,
		logger: logger.With("component", "chain-client", "chain_id", cfg.ChainID),
	}

	var err error
	c.client, err = ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial HTTP RPC: %w", err)
	}

	chainID, err := c.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain ID: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Uint64() != cfg.ChainID {
		return nil, fmt.Errorf("chain ID mismatch: expected %d, got %d", cfg.ChainID, chainID.Uint64())
	}

	if cfg.WSURL != "" {
		c.wsClient, err = ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			// WS is optional; polling covers for it.
			c.logger.Warn("dial WS RPC failed, falling back to polling", "error", err)
			c.wsClient = nil
		}
	}

	return c, nil
}

// Close tears down both connections.
func (c *RPCClient) Close() {
	c.Unsubscribe()
	if c.client != nil {
		c.client.Close()
	}
	if c.wsClient != nil {
		c.wsClient.Close()
	}
}

func (c *RPCClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

func (c *RPCClient) LatestBlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest block number: %w", err)
	}
	return n, nil
}

func (c *RPCClient) BlockByNumber(ctx context.Context, n uint64) (*Header, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	h, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("header by number %d: %w", n, err)
	}
	return headerFrom(h), nil
}

func (c *RPCClient) BlockWithTransactions(ctx context.Context, n uint64) (*Block, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	blk, err := c.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("block by number %d: %w", n, err)
	}

	out := &Block{
		ChainID:    c.cfg.ChainID,
		Number:     blk.NumberU64(),
		Hash:       blk.Hash().Hex(),
		ParentHash: blk.ParentHash().Hex(),
		Timestamp:  blk.Time(),
	}

	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(c.cfg.ChainID))
	for i, tx := range blk.Transactions() {
		from, err := types.Sender(signer, tx)
		if err != nil {
			// unsignable (e.g. system) txs still flow through with empty from
			c.logger.Debug("sender recovery failed", "tx", tx.Hash().Hex(), "error", err)
		}
		t := Transaction{
			Hash:        tx.Hash().Hex(),
			Index:       uint32(i),
			From:        strings.ToLower(from.Hex()),
			Value:       tx.Value(),
			Gas:         tx.Gas(),
			GasPrice:    tx.GasPrice(),
			Input:       tx.Data(),
			BlockNumber: out.Number,
			BlockHash:   out.Hash,
		}
		if to := tx.To(); to != nil {
			t.To = strings.ToLower(to.Hex())
		}
		out.Transactions = append(out.Transactions, t)
	}
	return out, nil
}

func (c *RPCClient) TransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	tx, _, err := c.client.TransactionByHash(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("transaction %s: %w", hash, err)
	}

	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(c.cfg.ChainID))
	from, _ := types.Sender(signer, tx)

	t := &Transaction{
		Hash:     tx.Hash().Hex(),
		From:     strings.ToLower(from.Hex()),
		Value:    tx.Value(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Input:    tx.Data(),
	}
	if to := tx.To(); to != nil {
		t.To = strings.ToLower(to.Hex())
	}
	return t, nil
}

func (c *RPCClient) Receipt(ctx context.Context, hash string) (*Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	r, err := c.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("receipt %s: %w", hash, err)
	}

	out := &Receipt{
		TxHash:  r.TxHash.Hex(),
		Status:  r.Status,
		GasUsed: r.GasUsed,
	}
	for _, l := range r.Logs {
		topics := make([]string, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = t.Hex()
		}
		out.Logs = append(out.Logs, Log{
			Address:     strings.ToLower(l.Address.Hex()),
			Topics:      topics,
			Data:        l.Data,
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash.Hex(),
			LogIndex:    uint32(l.Index),
		})
	}
	return out, nil
}

func (c *RPCClient) ChainID(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	id, err := c.client.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain id: %w", err)
	}
	return id.Uint64(), nil
}

// Healthy requires a successful identity call and, when push is configured,
// a live subscription.
func (c *RPCClient) Healthy(ctx context.Context) bool {
	if _, err := c.ChainID(ctx); err != nil {
		return false
	}
	if c.wsClient != nil {
		c.mu.Lock()
		sub := c.sub
		c.mu.Unlock()
		if sub == nil {
			return false
		}
		select {
		case <-sub.Err():
			return false
		default:
		}
	}
	return true
}

func (c *RPCClient) SubscribeNewHeads(ctx context.Context, heads chan<- Header) error {
	subCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.unsub = cancel
	c.mu.Unlock()

	if c.wsClient != nil {
		headerCh := make(chan *types.Header, 64)
		sub, err := c.wsClient.SubscribeNewHead(subCtx, headerCh)
		if err != nil {
			c.logger.Warn("WS head subscription failed, polling instead", "error", err)
		} else {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
			go c.pumpHeads(subCtx, sub, headerCh, heads)
			return nil
		}
	}

	go c.pollHeads(subCtx, heads)
	return nil
}

func (c *RPCClient) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
}

func (c *RPCClient) pumpHeads(ctx context.Context, sub ethereum.Subscription, in <-chan *types.Header, out chan<- Header) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				c.logger.Error("head subscription error, switching to polling", "error", err)
			}
			c.pollHeads(ctx, out)
			return
		case h := <-in:
			if h == nil {
				continue
			}
			select {
			case out <- *headerFrom(h):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *RPCClient) pollHeads(ctx context.Context, out chan<- Header) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.LatestBlockNumber(ctx)
			if err != nil {
				c.logger.Debug("poll latest block failed", "error", err)
				continue
			}
			if n <= last {
				continue
			}
			h, err := c.BlockByNumber(ctx, n)
			if err != nil {
				continue
			}
			last = n
			select {
			case out <- *h:
			case <-ctx.Done():
				return
			}
		}
	}
}

func headerFrom(h *types.Header) *Header {
	return &Header{
		Number:     h.Number.Uint64(),
		Hash:       h.Hash().Hex(),
		ParentHash: h.ParentHash.Hex(),
		Timestamp:  h.Time,
	}
}
