// Package consumer subscribes to the event channel and drives the
// ownership-Merkle engine and the collateral ledger.
package consumer

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atlasvault/chainflow/internal/bus"
	"github.com/atlasvault/chainflow/internal/events"
	"github.com/atlasvault/chainflow/internal/ledger"
	"github.com/atlasvault/chainflow/internal/merkle"
	"github.com/atlasvault/chainflow/internal/metrics"
	"github.com/atlasvault/chainflow/internal/storage"
	"github.com/atlasvault/chainflow/pkg/wire"
)

// TransferStore persists observed NFT transfers.
type TransferStore interface {
	Insert(ctx context.Context, t *storage.NftTransfer) (bool, error)
}

// TxDedup suppresses replayed transactions by (chainId, txHash).
type TxDedup interface {
	MarkTransactionProcessed(ctx context.Context, chainID uint64, txHash string, blockNumber uint64) (bool, error)
}

// Config tunes the consumer.
type Config struct {
	Channel string
	// RetryDelay is how long the consumer stays paused after a fatal
	// error before reconnecting.
	RetryDelay time.Duration
}

// Consumer owns the subscriber and processes messages one at a time, in
// arrival order. Per-event errors are absorbed; fatal errors pause the
// subscription and trigger an auto-resume.
type Consumer struct {
	cfg       Config
	sub       bus.Subscriber
	transfers TransferStore
	engine    *merkle.Engine
	ledger    *ledger.Ledger
	dedup     TxDedup
	logger    *slog.Logger
}

// New assembles the consumer.
func New(cfg Config, sub bus.Subscriber, transfers TransferStore, engine *merkle.Engine, led *ledger.Ledger, dedup TxDedup, logger *slog.Logger) *Consumer {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:       cfg,
		sub:       sub,
		transfers: transfers,
		engine:    engine,
		ledger:    led,
		dedup:     dedup,
		logger:    logger.With("component", "consumer", "instance", uuid.NewString()[:8]),
	}
}

// Start connects and subscribes. Returns once the subscription is live.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.sub.Connect(ctx); err != nil {
		return err
	}
	return c.sub.Subscribe(ctx, c.cfg.Channel, c.handle)
}

// Stop tears the subscription down.
func (c *Consumer) Stop() {
	_ = c.sub.Close()
}

// handle processes one message. The producer may re-publish during its own
// recovery, so the (chainId, txHash) dedup runs before any state change.
func (c *Consumer) handle(ctx context.Context, msg *wire.Message) {
	chainID := msg.Metadata.ChainID
	txHash := msg.Metadata.TransactionHash

	fresh, err := c.dedup.MarkTransactionProcessed(ctx, chainID, txHash, msg.Metadata.BlockNumber)
	if err != nil {
		c.fatal(ctx, "tx dedup failed", err)
		return
	}
	if !fresh {
		c.logger.Debug("replayed transaction dropped", "tx", txHash)
		return
	}

	ts := time.Unix(msg.Timestamp, 0)

	// REPAY resolves its asset from the ERC20 Transfer in the same tx.
	var erc20 *events.ERC20Transfer
	for i := range msg.Transaction.Logs {
		l := msg.Transaction.Logs[i]
		if events.IsERC20Transfer(&l) {
			if t, err := events.DecodeERC20Transfer(&l); err == nil {
				erc20 = t
				break
			}
		}
	}

	for i := range msg.Transaction.Logs {
		l := msg.Transaction.Logs[i]
		if len(l.Topics) == 0 {
			continue
		}
		if err := c.routeLog(ctx, chainID, txHash, msg, &l, erc20, ts); err != nil {
			c.fatal(ctx, "event processing failed", err)
			return
		}
	}
}

// routeLog dispatches one log to its handler. Decode failures are per-log
// skips; only storage/bus failures propagate as fatal.
func (c *Consumer) routeLog(ctx context.Context, chainID uint64, txHash string, msg *wire.Message, l *wire.Log, erc20 *events.ERC20Transfer, ts time.Time) error {
	if name := events.Describe(l.Topics[0]); name != "" {
		metrics.EventsConsumed.WithLabelValues(name).Inc()
	}
	switch strings.ToLower(l.Topics[0]) {
	case events.TopicTransfer:
		if !events.IsERC721Transfer(l) {
			return nil
		}
		t, err := events.DecodeTransfer(l)
		if err != nil {
			c.logger.Warn("undecodable Transfer skipped", "tx", txHash, "error", err)
			return nil
		}
		inserted, err := c.transfers.Insert(ctx, &storage.NftTransfer{
			ChainID:      chainID,
			TxHash:       txHash,
			BlockNumber:  msg.Metadata.BlockNumber,
			BlockHash:    msg.Transaction.BlockHash,
			LogIndex:     l.LogIndex,
			TokenAddress: strings.ToLower(l.Address),
			TokenID:      t.TokenID.String(),
			FromAddress:  t.From,
			ToAddress:    t.To,
			Timestamp:    ts,
		})
		if err != nil {
			return err
		}
		if inserted {
			if err := c.engine.Update(ctx); err != nil {
				c.logger.Error("merkle update failed", "tx", txHash, "error", err)
			}
		}
		return nil

	case events.TopicDeposit:
		d, err := events.DecodeDeposit(l)
		if err != nil {
			c.logger.Warn("undecodable Deposit skipped", "tx", txHash, "error", err)
			return nil
		}
		return c.ledger.HandleDeposit(ctx, chainID, txHash, l.LogIndex, d, ts)

	case events.TopicWithdrawRequest:
		w, err := events.DecodeWithdrawRequest(l)
		if err != nil {
			c.logger.Warn("undecodable WithdrawRequest skipped", "tx", txHash, "error", err)
			return nil
		}
		return c.ledger.HandleWithdrawRequest(ctx, chainID, txHash, l.LogIndex, w, ts)

	case events.TopicWithdraw:
		w, err := events.DecodeWithdraw(l)
		if err != nil {
			c.logger.Warn("undecodable Withdraw skipped", "tx", txHash, "error", err)
			return nil
		}
		return c.ledger.HandleWithdraw(ctx, chainID, txHash, l.LogIndex, w, ts)

	case events.TopicCollateralRequest:
		r, err := events.DecodeCollateralRequest(l)
		if err != nil {
			c.logger.Warn("undecodable CollateralRequest skipped", "tx", txHash, "error", err)
			return nil
		}
		return c.ledger.HandleCollateralRequest(ctx, chainID, r, ts)

	case events.TopicCollateralProcess:
		p, err := events.DecodeCollateralProcess(l)
		if err != nil {
			c.logger.Warn("undecodable CollateralProcess skipped", "tx", txHash, "error", err)
			return nil
		}
		return c.ledger.HandleCollateralProcess(ctx, chainID, p, txHash)

	case events.TopicRepay:
		r, err := events.DecodeRepay(l)
		if err != nil {
			c.logger.Warn("undecodable Repay skipped", "tx", txHash, "error", err)
			return nil
		}
		return c.ledger.HandleRepay(ctx, chainID, r, erc20, txHash, ts)
	}
	return nil
}

// fatal pauses the subscription, waits out the retry delay, and resumes.
// Messages published while paused are not re-delivered; recovery relies on
// the producer's own re-publication plus the entity dedup keys.
func (c *Consumer) fatal(ctx context.Context, msg string, err error) {
	c.logger.Error(msg+", pausing consumer", "error", err)
	if err := c.sub.Pause(); err != nil {
		c.logger.Error("pause failed", "error", err)
	}
	go func() {
		timer := time.NewTimer(c.cfg.RetryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := c.sub.Resume(ctx); err != nil {
			c.logger.Error("resume failed", "error", err)
		}
	}()
}
