// Package ledger is the event-driven state machine for the cross-chain
// collateralized-borrow bookkeeping: deposits, withdrawals, borrows, and
// repayments, validated against NFT ownership and LTV limits.
package ledger

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atlasvault/chainflow/internal/config"
	"github.com/atlasvault/chainflow/internal/events"
	"github.com/atlasvault/chainflow/internal/lending"
	"github.com/atlasvault/chainflow/internal/merkle"
	"github.com/atlasvault/chainflow/internal/money"
	"github.com/atlasvault/chainflow/internal/oracle"
	"github.com/atlasvault/chainflow/internal/relayer"
	"github.com/atlasvault/chainflow/internal/storage"
)

// reasonExceedsLTV is reported to the relayer when a borrow would pass the
// weighted collateral limit.
const reasonExceedsLTV = "Exceeds LTV limits"

// Store is the persistence surface the ledger drives.
type Store interface {
	GetUser(ctx context.Context, wallet string) (*storage.User, error)
	UpsertUser(ctx context.Context, wallet string) (*storage.User, error)
	AdjustBalances(ctx context.Context, userID int64, dTotal, dFloating, dBorrowed decimal.Decimal) error

	InsertDeposit(ctx context.Context, d *storage.Deposit) error
	SumDepositsUSD(ctx context.Context, userID int64) (decimal.Decimal, error)
	DepositsForToken(ctx context.Context, tokenID string) ([]storage.AssetValue, error)

	InsertWithdrawal(ctx context.Context, w *storage.Withdrawal) error
	PendingWithdrawalByRequest(ctx context.Context, requestID string) (*storage.Withdrawal, error)
	CompleteWithdrawal(ctx context.Context, id int64) error
	SumWithdrawalsUSD(ctx context.Context, userID int64, status storage.WithdrawalStatus) (decimal.Decimal, error)

	InsertBorrow(ctx context.Context, b *storage.Borrow) error
	ActiveBorrows(ctx context.Context, userID int64) ([]*storage.Borrow, error)
	ApprovedBorrowProtocols(ctx context.Context, tokenID string) ([]string, error)
	SumActiveBorrowsUSD(ctx context.Context, userID int64) (decimal.Decimal, error)
	ReduceBorrow(ctx context.Context, id int64, newUsdValue decimal.Decimal) error
	RepayBorrow(ctx context.Context, id int64, endDate time.Time) error

	InsertVaultEvent(ctx context.Context, e *storage.VaultEvent) (bool, error)
	InsertRelayerEvent(ctx context.Context, e *storage.RelayerEvent) (bool, error)
	GetRelayerEvent(ctx context.Context, requestID string, chainID uint64, typ storage.RelayerEventType) (*storage.RelayerEvent, error)
	ListPendingRelayerEvents(ctx context.Context, typ storage.RelayerEventType) ([]*storage.RelayerEvent, error)
	UpdateRelayerEventStatus(ctx context.Context, id int64, status storage.RelayerEventStatus, errorData, processTxHash *string) error
}

// OwnershipVerifier answers Merkle ownership queries.
type OwnershipVerifier interface {
	VerifyOwnership(ctx context.Context, owner, tokenID string, allowDepositFallback bool) (bool, error)
	GetProof(ctx context.Context, owner, tokenID string) (*merkle.ProofResult, error)
	Root() string
}

// RelayerWriter drives the on-chain acknowledgements.
type RelayerWriter interface {
	ProcessRequest(ctx context.Context, chainID uint64, requestID [32]byte, approved bool) error
	CompleteWithdraw(ctx context.Context, chainID uint64, handler common.Address, requestID [32]byte, proof [][32]byte, additionalData []byte) error
}

// Config tunes the ledger's validation rules.
type Config struct {
	// Assets is the per-chain asset table carrying decimals and LTV.
	Assets map[uint64][]config.Asset
	// Handlers maps chainID to the vault handler address used by
	// completeWithdraw.
	Handlers map[uint64]string
	// AllowDepositFallback lets ownership checks fall back to deposit
	// history when no Merkle root exists yet.
	AllowDepositFallback bool
}

// Ledger applies decoded chain events to the durable bookkeeping. One
// consumer goroutine owns all state transitions; handlers absorb per-event
// errors and only return fatal ones.
type Ledger struct {
	cfg      Config
	store    Store
	verifier OwnershipVerifier
	relayer  RelayerWriter
	oracle   oracle.PriceOracle
	pools    lending.PoolReader
	logger   *slog.Logger
}

// New assembles the ledger.
func New(cfg Config, store Store, verifier OwnershipVerifier, relayer RelayerWriter, priceOracle oracle.PriceOracle, pools lending.PoolReader, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		cfg:      cfg,
		store:    store,
		verifier: verifier,
		relayer:  relayer,
		oracle:   priceOracle,
		pools:    pools,
		logger:   logger.With("component", "ledger"),
	}
}

// assetDecimals resolves token decimals from the asset table, defaulting to 18.
func (l *Ledger) assetDecimals(chainID uint64, asset string) int {
	asset = strings.ToLower(asset)
	for _, a := range l.cfg.Assets[chainID] {
		if a.Address == asset {
			return a.Decimals
		}
	}
	return 18
}

// ltvRatio returns the asset's LTV as a fraction, or false when no LTV is
// configured. Missing LTV is strictly zero, never defaulted.
func (l *Ledger) ltvRatio(chainID uint64, asset string) (decimal.Decimal, bool) {
	asset = strings.ToLower(asset)
	for _, a := range l.cfg.Assets[chainID] {
		if a.Address == asset && a.LTVPercent > 0 {
			return decimal.New(int64(a.LTVPercent), -2), true
		}
	}
	return decimal.Zero, false
}

func (l *Ledger) usdValue(ctx context.Context, chainID uint64, asset string, amount *big.Int) (decimal.Decimal, error) {
	v, err := l.oracle.Value(ctx, chainID, asset, amount, l.assetDecimals(chainID, asset))
	if err != nil {
		return decimal.Zero, err
	}
	return money.Format(v), nil
}

// HandleDeposit credits the depositor and appends the deposit record.
func (l *Ledger) HandleDeposit(ctx context.Context, chainID uint64, txHash string, logIndex uint32, d *events.Deposit, ts time.Time) error {
	usd, err := l.usdValue(ctx, chainID, d.Asset, d.Amount)
	if err != nil {
		l.logger.Error("deposit dropped: price lookup failed", "tx", txHash, "error", err)
		return nil
	}

	inserted, err := l.store.InsertVaultEvent(ctx, &storage.VaultEvent{
		Type:      storage.VaultDeposit,
		ChainID:   chainID,
		TxHash:    txHash,
		LogIndex:  logIndex,
		Sender:    d.Sender,
		Asset:     d.Asset,
		Vault:     d.Vault,
		Amount:    decimal.NewFromBigInt(d.Amount, 0),
		TokenID:   d.TokenID.String(),
		UsdValue:  usd,
		Timestamp: ts,
	})
	if err != nil {
		return err
	}
	if !inserted {
		l.logger.Warn("duplicate deposit event dropped", "tx", txHash, "token_id", d.TokenID)
		return nil
	}

	user, err := l.store.UpsertUser(ctx, d.Sender)
	if err != nil {
		return err
	}
	if err := l.store.InsertDeposit(ctx, &storage.Deposit{
		UserID:    user.ID,
		ChainID:   chainID,
		TxHash:    txHash,
		Asset:     d.Asset,
		Vault:     d.Vault,
		Amount:    decimal.NewFromBigInt(d.Amount, 0),
		TokenID:   d.TokenID.String(),
		UsdValue:  usd,
		Timestamp: ts,
	}); err != nil {
		return err
	}
	if err := l.store.AdjustBalances(ctx, user.ID, usd, usd, decimal.Zero); err != nil {
		return err
	}

	l.logger.Info("deposit recorded",
		"user", d.Sender,
		"usd", usd.String(),
		"token_id", d.TokenID,
	)
	return nil
}

// HandleWithdrawRequest validates the request against the available balance
// and either opens a PENDING withdrawal (debiting the floating balance and
// submitting completeWithdraw) or records a rejection.
func (l *Ledger) HandleWithdrawRequest(ctx context.Context, chainID uint64, txHash string, logIndex uint32, w *events.WithdrawRequest, ts time.Time) error {
	usd, err := l.usdValue(ctx, chainID, w.Asset, w.Amount)
	if err != nil {
		l.logger.Error("withdraw request dropped: price lookup failed", "tx", txHash, "error", err)
		return nil
	}

	inserted, err := l.store.InsertVaultEvent(ctx, &storage.VaultEvent{
		Type:      storage.VaultWithdrawRequest,
		ChainID:   chainID,
		TxHash:    txHash,
		LogIndex:  logIndex,
		Sender:    w.Sender,
		Asset:     w.Asset,
		Amount:    decimal.NewFromBigInt(w.Amount, 0),
		TokenID:   w.TokenID.String(),
		RequestID: &w.RequestID,
		UsdValue:  usd,
		Timestamp: ts,
	})
	if err != nil {
		return err
	}
	if !inserted {
		l.logger.Warn("duplicate withdraw request dropped", "tx", txHash, "request_id", w.RequestID)
		return nil
	}

	user, err := l.store.UpsertUser(ctx, w.Sender)
	if err != nil {
		return err
	}

	available, err := l.availableBalance(ctx, user.ID)
	if err != nil {
		return err
	}

	withdrawal := &storage.Withdrawal{
		UserID:    user.ID,
		ChainID:   chainID,
		RequestID: w.RequestID,
		Asset:     w.Asset,
		Amount:    decimal.NewFromBigInt(w.Amount, 0),
		TokenID:   w.TokenID.String(),
		UsdValue:  usd,
	}

	if available.LessThan(usd) {
		withdrawal.Status = storage.WithdrawalRejected
		if err := l.store.InsertWithdrawal(ctx, withdrawal); err != nil {
			return err
		}
		l.logger.Warn("withdraw request rejected: insufficient balance",
			"user", w.Sender,
			"available", available.String(),
			"requested", usd.String(),
		)
		return nil
	}

	withdrawal.Status = storage.WithdrawalPending
	if err := l.store.InsertWithdrawal(ctx, withdrawal); err != nil {
		return err
	}
	if err := l.store.AdjustBalances(ctx, user.ID, decimal.Zero, usd.Neg(), decimal.Zero); err != nil {
		return err
	}

	l.submitCompleteWithdraw(ctx, chainID, w)
	return nil
}

// submitCompleteWithdraw pushes the on-chain completion with the current
// ownership proof. Proof preference: full proof, then [root], then empty.
// Submission failure is logged and leaves the withdrawal PENDING; the startup
// sweep covers collateral requests only, so nothing re-submits it.
func (l *Ledger) submitCompleteWithdraw(ctx context.Context, chainID uint64, w *events.WithdrawRequest) {
	var proof [][32]byte
	pr, err := l.verifier.GetProof(ctx, w.Sender, w.TokenID.String())
	switch {
	case err != nil:
		l.logger.Warn("proof lookup failed", "request_id", w.RequestID, "error", err)
	case pr != nil && len(pr.Proof) > 0:
		proof = hexToHashes(pr.Proof)
	}
	if len(proof) == 0 {
		if root := l.verifier.Root(); root != "" {
			proof = hexToHashes([]string{root})
		}
	}

	additional, err := relayer.EncodeAsset(w.Asset)
	if err != nil {
		l.logger.Error("encode asset failed", "asset", w.Asset, "error", err)
		return
	}
	handler := common.HexToAddress(l.cfg.Handlers[chainID])
	if err := l.relayer.CompleteWithdraw(ctx, chainID, handler, hashFromHex(w.RequestID), proof, additional); err != nil {
		l.logger.Error("completeWithdraw submission failed",
			"request_id", w.RequestID,
			"chain_id", chainID,
			"error", err,
		)
	}
}

// HandleWithdraw finalizes a pending withdrawal: total balance drops, the
// floating balance is untouched (it was debited at request time). Lookup is
// by request id only; a completion without a matching pending row is dropped.
func (l *Ledger) HandleWithdraw(ctx context.Context, chainID uint64, txHash string, logIndex uint32, w *events.Withdraw, ts time.Time) error {
	usd, err := l.usdValue(ctx, chainID, w.Asset, w.Amount)
	if err != nil {
		l.logger.Error("withdraw dropped: price lookup failed", "tx", txHash, "error", err)
		return nil
	}

	inserted, err := l.store.InsertVaultEvent(ctx, &storage.VaultEvent{
		Type:      storage.VaultWithdraw,
		ChainID:   chainID,
		TxHash:    txHash,
		LogIndex:  logIndex,
		Sender:    w.Sender,
		Asset:     w.Asset,
		Amount:    decimal.NewFromBigInt(w.Amount, 0),
		TokenID:   "0",
		RequestID: &w.RequestID,
		UsdValue:  usd,
		Timestamp: ts,
	})
	if err != nil {
		return err
	}
	if !inserted {
		l.logger.Warn("duplicate withdraw event dropped", "tx", txHash, "request_id", w.RequestID)
		return nil
	}

	pending, err := l.store.PendingWithdrawalByRequest(ctx, w.RequestID)
	if err != nil {
		return err
	}
	if pending == nil {
		l.logger.Warn("withdraw without pending request dropped", "request_id", w.RequestID)
		return nil
	}

	if err := l.store.CompleteWithdrawal(ctx, pending.ID); err != nil {
		return err
	}
	if err := l.store.AdjustBalances(ctx, pending.UserID, pending.UsdValue.Neg(), decimal.Zero, decimal.Zero); err != nil {
		return err
	}

	l.logger.Info("withdrawal completed",
		"request_id", w.RequestID,
		"usd", pending.UsdValue.String(),
	)
	return nil
}

// availableBalance = deposits − completed withdrawals − pending
// withdrawals − active borrows, all in USD.
func (l *Ledger) availableBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	deposits, err := l.store.SumDepositsUSD(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	completed, err := l.store.SumWithdrawalsUSD(ctx, userID, storage.WithdrawalCompleted)
	if err != nil {
		return decimal.Zero, err
	}
	pending, err := l.store.SumWithdrawalsUSD(ctx, userID, storage.WithdrawalPending)
	if err != nil {
		return decimal.Zero, err
	}
	borrows, err := l.store.SumActiveBorrowsUSD(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return money.Format(deposits.Sub(completed).Sub(pending).Sub(borrows)), nil
}

func tokenIDBig(tokenID string) (*big.Int, bool) {
	return new(big.Int).SetString(tokenID, 10)
}

func mustTokenBig(tokenID string) *big.Int {
	n, ok := tokenIDBig(tokenID)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

func bigFromTime(t time.Time) *big.Int {
	return big.NewInt(t.Unix())
}

func hexToHashes(hs []string) [][32]byte {
	out := make([][32]byte, len(hs))
	for i, h := range hs {
		out[i] = hashFromHex(h)
	}
	return out
}

func hashFromHex(s string) [32]byte {
	var out [32]byte
	copy(out[:], common.HexToHash(s).Bytes())
	return out
}
