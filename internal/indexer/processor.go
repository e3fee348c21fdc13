package indexer

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/atlasvault/chainflow/internal/chain"
	"github.com/atlasvault/chainflow/pkg/wire"
)

// ProcessorConfig tunes the per-block transaction pipeline.
type ProcessorConfig struct {
	ChainName string

	ConcurrentLimit    int
	MinConcurrentLimit int
	MaxConcurrentLimit int

	// AdjustmentInterval is how often the concurrency limit is reconsidered
	// over the trailing SampleWindow blocks.
	AdjustmentInterval time.Duration
	SampleWindow       int

	CacheSize int
}

// DefaultProcessorConfig returns the tuning used in production.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		ConcurrentLimit:    20,
		MinConcurrentLimit: 5,
		MaxConcurrentLimit: 50,
		AdjustmentInterval: time.Minute,
		SampleWindow:       20,
		CacheSize:          2048,
	}
}

type blockSample struct {
	duration time.Duration
	total    int
	matched  int
}

// BlockProcessor filters a block's transactions down to those with at least
// one log matching the active topic set. Receipt fetches run on a worker
// pool whose size adapts to observed block latency and match rate.
type BlockProcessor struct {
	cfg     ProcessorConfig
	client  chain.Client
	matcher *TopicMatcher
	cache   *TxCache
	logger  *slog.Logger

	mu         sync.Mutex
	limit      int
	samples    []blockSample
	lastAdjust time.Time
}

// NewBlockProcessor wires a processor to its chain client and matcher.
func NewBlockProcessor(cfg ProcessorConfig, client chain.Client, matcher *TopicMatcher, logger *slog.Logger) *BlockProcessor {
	if cfg.ConcurrentLimit <= 0 {
		cfg.ConcurrentLimit = DefaultProcessorConfig().ConcurrentLimit
	}
	if cfg.MinConcurrentLimit <= 0 {
		cfg.MinConcurrentLimit = 1
	}
	if cfg.MaxConcurrentLimit < cfg.ConcurrentLimit {
		cfg.MaxConcurrentLimit = cfg.ConcurrentLimit
	}
	if cfg.AdjustmentInterval <= 0 {
		cfg.AdjustmentInterval = time.Minute
	}
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BlockProcessor{
		cfg:     cfg,
		client:  client,
		matcher: matcher,
		cache:   NewTxCache(cfg.CacheSize),
		logger:  logger.With("component", "block-processor"),
		limit:   cfg.ConcurrentLimit,
	}
}

// ConcurrentLimit reports the current adaptive limit.
func (p *BlockProcessor) ConcurrentLimit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// Process returns the block's matched transactions in block order. A single
// failed transaction fetch is logged and omitted; the block still completes.
func (p *BlockProcessor) Process(ctx context.Context, block *chain.Block) ([]wire.Transaction, error) {
	start := time.Now()

	if p.matcher.Empty() || len(block.Transactions) == 0 {
		return nil, nil
	}

	candidates := p.prefilter(block.Transactions)

	results := make([]*wire.Transaction, len(candidates))
	limit := p.ConcurrentLimit()

	pool := pond.NewPool(limit, pond.WithContext(ctx))
	for i, tx := range candidates {
		i, tx := i, tx
		pool.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			ft, err := p.processTx(ctx, block, tx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.logger.Warn("transaction skipped",
						"tx", tx.Hash,
						"block", block.Number,
						"error", err,
					)
				}
				return
			}
			results[i] = ft
		})
	}
	pool.StopAndWait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var matched []wire.Transaction
	for _, ft := range results {
		if ft != nil {
			matched = append(matched, *ft)
		}
	}

	p.recordSample(blockSample{
		duration: time.Since(start),
		total:    len(block.Transactions),
		matched:  len(matched),
	})

	return matched, nil
}

// prefilter cheaply narrows the candidate set before any receipt fetch.
func (p *BlockProcessor) prefilter(txs []chain.Transaction) []chain.Transaction {
	contracts := p.matcher.ConstrainedContracts()

	if len(contracts) > 0 {
		// Keep txs sent to a constrained contract, plus any contract call:
		// the emitting contract may differ from the tx target.
		var out []chain.Transaction
		for _, tx := range txs {
			if _, ok := contracts[tx.To]; ok || tx.HasCalldata() {
				out = append(out, tx)
			}
		}
		return out
	}

	// No contract constraint: sample five txs and only bother filtering when
	// contract calls are rare enough for the filter to pay for itself.
	sample := txs
	if len(sample) > 5 {
		sample = sample[:5]
	}
	calls := 0
	for _, tx := range sample {
		if tx.HasCalldata() {
			calls++
		}
	}
	if len(sample) > 0 && calls*5 < len(sample) {
		var out []chain.Transaction
		for _, tx := range txs {
			if tx.HasCalldata() {
				out = append(out, tx)
			}
		}
		return out
	}
	return txs
}

// processTx resolves the receipt (cache first) and returns the filtered
// transaction when at least one log matches, nil otherwise.
func (p *BlockProcessor) processTx(ctx context.Context, block *chain.Block, tx chain.Transaction) (*wire.Transaction, error) {
	_, receipt, cached := p.cache.Get(tx.Hash)
	if !cached {
		var err error
		receipt, err = p.client.Receipt(ctx, tx.Hash)
		switch {
		case errors.Is(err, chain.ErrNotFound):
			receipt = nil
		case err != nil:
			return nil, err
		}
		if ctx.Err() != nil {
			// cancelled mid-block: do not cache a result we cannot trust
			return nil, ctx.Err()
		}
		p.cache.Put(tx.Hash, &tx, receipt)
	}

	if receipt == nil {
		return nil, nil
	}

	var logs []wire.Log
	var matchedTopics []string
	seen := make(map[string]struct{})
	for _, l := range receipt.Logs {
		if len(l.Topics) == 0 || !p.matcher.MayMatch(l.Topics[0]) {
			continue
		}
		topic0, ok := p.matcher.Match(&l)
		if !ok {
			continue
		}
		logs = append(logs, wire.Log{
			Address:     l.Address,
			Topics:      l.Topics,
			Data:        "0x" + hex.EncodeToString(l.Data),
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			LogIndex:    l.LogIndex,
		})
		if _, dup := seen[topic0]; !dup {
			seen[topic0] = struct{}{}
			matchedTopics = append(matchedTopics, topic0)
		}
	}
	if len(logs) == 0 {
		return nil, nil
	}

	status := receipt.Status
	ft := &wire.Transaction{
		Hash:        tx.Hash,
		BlockNumber: block.Number,
		BlockHash:   block.Hash,
		ChainID:     block.ChainID,
		ChainName:   p.cfg.ChainName,
		From:        tx.From,
		To:          tx.To,
		Value:       wire.NewBigInt(tx.Value),
		GasUsed:     wire.NewBigInt(new(big.Int).SetUint64(receipt.GasUsed)),
		GasPrice:    wire.NewBigInt(tx.GasPrice),
		Status:      &status,
		Timestamp:   int64(block.Timestamp),
		Topics:      matchedTopics,
		Logs:        logs,
	}
	if tx.HasCalldata() {
		ft.Data = "0x" + hex.EncodeToString(tx.Input)
	}
	return ft, nil
}

// recordSample appends a block observation and adjusts the limit when the
// adjustment window has elapsed.
func (p *BlockProcessor) recordSample(s blockSample) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.samples = append(p.samples, s)
	if len(p.samples) > p.cfg.SampleWindow {
		p.samples = p.samples[len(p.samples)-p.cfg.SampleWindow:]
	}

	now := time.Now()
	if p.lastAdjust.IsZero() {
		p.lastAdjust = now
		return
	}
	if now.Sub(p.lastAdjust) < p.cfg.AdjustmentInterval {
		return
	}
	p.lastAdjust = now
	p.adjustLocked()
}

// adjustLocked applies the adaptive policy over the trailing window. Caller
// holds mu.
func (p *BlockProcessor) adjustLocked() {
	if len(p.samples) == 0 {
		return
	}
	var dur time.Duration
	var total, matched int
	for _, s := range p.samples {
		dur += s.duration
		total += s.total
		matched += s.matched
	}
	mean := dur / time.Duration(len(p.samples))
	matchRate := 0.0
	if total > 0 {
		matchRate = float64(matched) / float64(total)
	}

	prev := p.limit
	switch {
	case mean > 5*time.Second:
		p.limit -= 3
	case mean > 2*time.Second:
		p.limit--
	case mean < time.Second && matchRate < 0.1:
		p.limit += 5
	}
	if p.limit < p.cfg.MinConcurrentLimit {
		p.limit = p.cfg.MinConcurrentLimit
	}
	if p.limit > p.cfg.MaxConcurrentLimit {
		p.limit = p.cfg.MaxConcurrentLimit
	}
	if p.limit != prev {
		p.logger.Info("adjusted concurrency limit",
			"from", prev,
			"to", p.limit,
			"mean_block_ms", mean.Milliseconds(),
			"match_rate", matchRate,
		)
	}
}
