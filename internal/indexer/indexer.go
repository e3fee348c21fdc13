// Package indexer tails an EVM chain, filters transactions by log topic,
// and publishes matches to the message bus in block order.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atlasvault/chainflow/internal/bus"
	"github.com/atlasvault/chainflow/internal/chain"
	"github.com/atlasvault/chainflow/internal/events"
	"github.com/atlasvault/chainflow/internal/metrics"
	"github.com/atlasvault/chainflow/internal/storage"
	"github.com/atlasvault/chainflow/pkg/wire"
)

// ReorgDepth bounds how far back a hash divergence is chased before the
// indexer pauses for external intervention.
const ReorgDepth = 10

// ErrReorgTooDeep signals a divergence deeper than ReorgDepth.
var ErrReorgTooDeep = errors.New("indexer: reorg deeper than scan window")

// BlockLedger is the durable per-chain block bookkeeping the indexer
// resumes from.
type BlockLedger interface {
	AddUnprocessed(ctx context.Context, chainID, number uint64, hash, parentHash string, blockData []byte) (*storage.UnprocessedBlock, error)
	MarkProcessing(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	MarkReorged(ctx context.Context, chainID uint64, numbers []uint64) error
	AddProcessed(ctx context.Context, chainID, number uint64, hash, parentHash string, blockData []byte) error
	LatestProcessed(ctx context.Context, chainID uint64) (*storage.ProcessedBlock, error)
	GetProcessed(ctx context.Context, chainID, number uint64) (*storage.ProcessedBlock, error)
}

// Config tunes one chain's indexer.
type Config struct {
	ChainID   uint64
	ChainName string
	Channel   string

	BlockConfirmations uint64
	BatchSize          int

	LatestBlockInterval time.Duration
	ContinuousInterval  time.Duration
	HealthCheckInterval time.Duration
}

// Indexer orchestrates one chain: head tracking, backlog processing, reorg
// checks, and ordered publication. Block processing is sequential so
// latestProcessed stays monotone and messages leave in block order.
type Indexer struct {
	cfg       Config
	client    chain.Client
	publisher bus.Publisher
	ledger    BlockLedger
	processor *BlockProcessor
	matcher   *TopicMatcher
	logger    *slog.Logger

	mu              sync.Mutex
	latestSeen      uint64
	latestProcessed uint64
	running         bool
	paused          bool
	inFlight        bool
	abortBlock      context.CancelFunc

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New assembles an indexer for one chain.
func New(cfg Config, client chain.Client, publisher bus.Publisher, ledger BlockLedger, processor *BlockProcessor, matcher *TopicMatcher, logger *slog.Logger) *Indexer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.LatestBlockInterval <= 0 {
		cfg.LatestBlockInterval = 2 * time.Second
	}
	if cfg.ContinuousInterval <= 0 {
		cfg.ContinuousInterval = time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		cfg:       cfg,
		client:    client,
		publisher: publisher,
		ledger:    ledger,
		processor: processor,
		matcher:   matcher,
		logger:    logger.With("component", "indexer", "chain", cfg.ChainName),
	}
}

// Start resumes from the last processed block (or head minus confirmations
// on a fresh chain) and runs until Stop or ctx cancellation.
func (ix *Indexer) Start(ctx context.Context) error {
	ix.mu.Lock()
	if ix.running {
		ix.mu.Unlock()
		return fmt.Errorf("indexer already running")
	}
	ix.running = true
	ix.paused = false
	ix.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	ix.stop = cancel

	latest, err := ix.client.LatestBlockNumber(runCtx)
	if err != nil {
		ix.setRunning(false)
		return fmt.Errorf("latest block: %w", err)
	}

	last, err := ix.ledger.LatestProcessed(runCtx, ix.cfg.ChainID)
	if err != nil {
		ix.setRunning(false)
		return fmt.Errorf("latest processed: %w", err)
	}

	ix.mu.Lock()
	ix.latestSeen = latest
	if last != nil {
		ix.latestProcessed = last.Number
	} else if latest > ix.cfg.BlockConfirmations {
		ix.latestProcessed = latest - ix.cfg.BlockConfirmations - 1
	}
	start := ix.latestProcessed + 1
	ix.mu.Unlock()

	ix.logger.Info("indexer starting",
		"start_block", start,
		"latest_block", latest,
		"confirmations", ix.cfg.BlockConfirmations,
	)

	heads := make(chan chain.Header, 64)
	if err := ix.client.SubscribeNewHeads(runCtx, heads); err != nil {
		ix.setRunning(false)
		return fmt.Errorf("subscribe heads: %w", err)
	}

	ix.wg.Add(4)
	go ix.consumeHeads(runCtx, heads)
	go ix.refreshLatestLoop(runCtx)
	go ix.indexLoop(runCtx)
	go ix.healthLoop(runCtx)
	return nil
}

// Stop cancels in-flight work and waits for the loops to drain.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	abort := ix.abortBlock
	stop := ix.stop
	ix.mu.Unlock()
	if abort != nil {
		abort()
	}
	if stop != nil {
		stop()
	}
	ix.client.Unsubscribe()
	ix.wg.Wait()
	ix.setRunning(false)
}

// Pause halts block processing without tearing the loops down; the current
// block either completes or fails cleanly.
func (ix *Indexer) Pause() {
	ix.mu.Lock()
	ix.paused = true
	abort := ix.abortBlock
	ix.mu.Unlock()
	if abort != nil {
		abort()
	}
	ix.logger.Info("indexer paused")
}

// Resume lifts a pause.
func (ix *Indexer) Resume() {
	ix.mu.Lock()
	ix.paused = false
	ix.mu.Unlock()
	ix.logger.Info("indexer resumed")
}

// LatestProcessed reports the in-memory progress marker.
func (ix *Indexer) LatestProcessed() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.latestProcessed
}

func (ix *Indexer) setRunning(v bool) {
	ix.mu.Lock()
	ix.running = v
	ix.mu.Unlock()
}

func (ix *Indexer) consumeHeads(ctx context.Context, heads <-chan chain.Header) {
	defer ix.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-heads:
			ix.mu.Lock()
			if h.Number > ix.latestSeen {
				ix.latestSeen = h.Number
			}
			ix.mu.Unlock()
		}
	}
}

// refreshLatestLoop polls the head as a backstop for a lagging push feed.
func (ix *Indexer) refreshLatestLoop(ctx context.Context) {
	defer ix.wg.Done()
	ticker := time.NewTicker(ix.cfg.LatestBlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ix.client.LatestBlockNumber(ctx)
			if err != nil {
				continue
			}
			ix.mu.Lock()
			if n > ix.latestSeen {
				ix.latestSeen = n
			}
			ix.mu.Unlock()
		}
	}
}

// indexLoop drives backlog processing on the continuous tick. At most one
// batch runs at a time.
func (ix *Indexer) indexLoop(ctx context.Context) {
	defer ix.wg.Done()
	ticker := time.NewTicker(ix.cfg.ContinuousInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ix.mu.Lock()
			if ix.inFlight || ix.paused {
				ix.mu.Unlock()
				continue
			}
			ix.inFlight = true
			from := ix.latestProcessed + 1
			to := uint64(0)
			if ix.latestSeen > ix.cfg.BlockConfirmations {
				to = ix.latestSeen - ix.cfg.BlockConfirmations
			}
			ix.mu.Unlock()

			ix.processRange(ctx, from, to)

			ix.mu.Lock()
			ix.inFlight = false
			ix.mu.Unlock()
		}
	}
}

// processRange indexes [from, to] sequentially, capped at one batch.
func (ix *Indexer) processRange(ctx context.Context, from, to uint64) {
	if to < from {
		return
	}
	end := to
	if max := from + uint64(ix.cfg.BatchSize) - 1; end > max {
		end = max
	}
	for n := from; n <= end; n++ {
		if ctx.Err() != nil {
			return
		}
		ix.mu.Lock()
		paused := ix.paused
		ix.mu.Unlock()
		if paused {
			return
		}
		if err := ix.processBlock(ctx, n); err != nil {
			if errors.Is(err, ErrReorgTooDeep) {
				ix.logger.Error("pausing: reorg beyond scan window", "block", n)
				ix.Pause()
				return
			}
			if !errors.Is(err, context.Canceled) {
				ix.logger.Error("block failed", "block", n, "error", err)
			}
			// do not advance past a failed block; retry next tick
			return
		}
		ix.mu.Lock()
		if n > ix.latestProcessed {
			ix.latestProcessed = n
		}
		ix.mu.Unlock()
	}
}

// processBlock runs the per-block pipeline:
// addUnprocessed → markProcessing → process → publish → markCompleted+addProcessed.
func (ix *Indexer) processBlock(ctx context.Context, number uint64) error {
	block, err := ix.client.BlockWithTransactions(ctx, number)
	if err != nil {
		return fmt.Errorf("fetch block %d: %w", number, err)
	}

	// Reorg check: the parent recorded for number-1 must match.
	prior, err := ix.ledger.GetProcessed(ctx, ix.cfg.ChainID, number-1)
	if err != nil {
		return fmt.Errorf("load prior block: %w", err)
	}
	if prior != nil && prior.Hash != block.ParentHash {
		if err := ix.handleReorg(ctx, number-1); err != nil {
			return err
		}
		// the fork point rewound latestProcessed; this height re-enters
		// the range on the next tick
		return nil
	}

	blockData, _ := json.Marshal(map[string]any{
		"number":    block.Number,
		"hash":      block.Hash,
		"timestamp": block.Timestamp,
		"txCount":   len(block.Transactions),
	})

	row, err := ix.ledger.AddUnprocessed(ctx, ix.cfg.ChainID, block.Number, block.Hash, block.ParentHash, blockData)
	if err != nil {
		return fmt.Errorf("add unprocessed: %w", err)
	}
	if row.Status == storage.BlockCompleted {
		// replay of an already-processed block publishes nothing
		return nil
	}
	if row.Status == storage.BlockFailed && row.RetryCount >= storage.MaxBlockRetries {
		return fmt.Errorf("block %d exhausted retries", number)
	}

	if err := ix.ledger.MarkProcessing(ctx, row.ID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	blockCtx, abort := context.WithCancel(ctx)
	ix.mu.Lock()
	ix.abortBlock = abort
	ix.mu.Unlock()
	defer func() {
		abort()
		ix.mu.Lock()
		ix.abortBlock = nil
		ix.mu.Unlock()
	}()

	txs, err := ix.processor.Process(blockCtx, block)
	if err != nil {
		_ = ix.ledger.MarkFailed(ctx, row.ID, err.Error())
		return fmt.Errorf("process block %d: %w", number, err)
	}

	if len(txs) > 0 {
		msgs := buildMessages(txs)
		if err := ix.publisher.PublishBatch(ctx, ix.cfg.Channel, msgs); err != nil {
			_ = ix.ledger.MarkFailed(ctx, row.ID, err.Error())
			return fmt.Errorf("publish block %d: %w", number, err)
		}
		metrics.MessagesPublished.WithLabelValues(ix.cfg.ChainName).Add(float64(len(msgs)))
		ix.logger.Info("published block",
			"block", number,
			"matched_txs", len(msgs),
		)
	}

	if err := ix.ledger.MarkCompleted(ctx, row.ID); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	// After publish+complete the block must never re-publish: a failure
	// here leaves the COMPLETED row in place and downstream dedup on
	// (chainId, txHash) absorbs any recovery overlap.
	if err := ix.ledger.AddProcessed(ctx, ix.cfg.ChainID, block.Number, block.Hash, block.ParentHash, blockData); err != nil {
		ix.logger.Error("add processed failed after publish; block stays completed",
			"block", number,
			"error", err,
		)
	}
	metrics.BlocksProcessed.WithLabelValues(ix.cfg.ChainName).Inc()
	metrics.ConcurrencyLimit.WithLabelValues(ix.cfg.ChainName).Set(float64(ix.processor.ConcurrentLimit()))
	return nil
}

// handleReorg walks back up to ReorgDepth blocks comparing ledger hashes
// against the chain, marks divergent rows REORGED, and rewinds the progress
// marker to the fork point.
func (ix *Indexer) handleReorg(ctx context.Context, from uint64) error {
	ix.logger.Warn("hash divergence detected", "block", from)

	var divergent []uint64
	forkPoint := uint64(0)
	found := false

	for depth := 0; depth < ReorgDepth && from >= uint64(depth); depth++ {
		n := from - uint64(depth)
		recorded, err := ix.ledger.GetProcessed(ctx, ix.cfg.ChainID, n)
		if err != nil {
			return fmt.Errorf("load block %d: %w", n, err)
		}
		if recorded == nil {
			// nothing recorded this deep: treat as fork point
			found = true
			forkPoint = n - 1
			break
		}
		onChain, err := ix.client.BlockByNumber(ctx, n)
		if err != nil {
			return fmt.Errorf("refetch block %d: %w", n, err)
		}
		if recorded.Hash == onChain.Hash {
			found = true
			forkPoint = n
			break
		}
		divergent = append(divergent, n)
	}
	if !found {
		return ErrReorgTooDeep
	}

	if err := ix.ledger.MarkReorged(ctx, ix.cfg.ChainID, divergent); err != nil {
		return fmt.Errorf("mark reorged: %w", err)
	}

	ix.mu.Lock()
	ix.latestProcessed = forkPoint
	ix.mu.Unlock()

	metrics.ReorgsDetected.WithLabelValues(ix.cfg.ChainName).Inc()
	ix.logger.Warn("reorg handled",
		"fork_point", forkPoint,
		"reorged_blocks", len(divergent),
	)
	return nil
}

// healthLoop checks RPC and bus health on each tick and, when either fails
// and the indexer is not paused, calls the publisher's Connect again. It
// does not stop or restart the indexer loops.
func (ix *Indexer) healthLoop(ctx context.Context) {
	defer ix.wg.Done()
	ticker := time.NewTicker(ix.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ix.mu.Lock()
			paused := ix.paused
			ix.mu.Unlock()
			if paused {
				continue
			}
			if ix.client.Healthy(ctx) && ix.publisher.Connected() {
				continue
			}
			ix.logger.Warn("health check failed, reconnecting bus")
			if err := ix.publisher.Connect(ctx); err != nil {
				ix.logger.Error("bus reconnect failed", "error", err)
			}
		}
	}
}

// buildMessages wraps filtered transactions as bus messages, enriching each
// matched log with its decoded event. Input is already in block order with
// logs in log-index order.
func buildMessages(txs []wire.Transaction) []*wire.Message {
	msgs := make([]*wire.Message, 0, len(txs))
	for i := range txs {
		tx := txs[i]
		var evs []wire.Event
		for j := range tx.Logs {
			l := tx.Logs[j]
			name, args := events.DecodeToArgs(&l)
			if name == "" {
				continue
			}
			evs = append(evs, wire.Event{
				Name:     name,
				Contract: l.Address,
				Args:     args,
				Address:  l.Address,
			})
		}
		msgs = append(msgs, &wire.Message{
			Transaction: tx,
			Events:      evs,
			Timestamp:   tx.Timestamp,
			Metadata: wire.Metadata{
				ChainID:         tx.ChainID,
				ChainName:       tx.ChainName,
				BlockNumber:     tx.BlockNumber,
				TransactionHash: tx.Hash,
				Timestamp:       tx.Timestamp,
			},
		})
	}
	return msgs
}
