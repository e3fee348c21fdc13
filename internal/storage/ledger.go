package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// LedgerRepo persists users, deposits, withdrawals, borrows, and the raw
// vault/relayer event records the collateral ledger is driven by.
type LedgerRepo struct {
	db *DB
}

// NewLedgerRepo creates the repository.
func NewLedgerRepo(db *DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

const userCols = `id, wallet_address, total_usd_balance, floating_usd_balance, borrowed_usd_amount, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.WalletAddress, &u.TotalUsdBalance,
		&u.FloatingUsdBalance, &u.BorrowedUsdAmount, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser returns the user by lowercased wallet address, or nil.
func (r *LedgerRepo) GetUser(ctx context.Context, wallet string) (*User, error) {
	u, err := scanUser(r.db.pool.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE wallet_address = $1`, wallet))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// UpsertUser returns the existing user or creates a zero-balance row.
func (r *LedgerRepo) UpsertUser(ctx context.Context, wallet string) (*User, error) {
	u, err := scanUser(r.db.pool.QueryRow(ctx,
		`INSERT INTO users (wallet_address) VALUES ($1)
		 ON CONFLICT (wallet_address) DO UPDATE SET updated_at = now()
		 RETURNING `+userCols, wallet))
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

// AdjustBalances applies deltas to a user's USD balances in one atomic
// update, serializing concurrent events on the same row.
func (r *LedgerRepo) AdjustBalances(ctx context.Context, userID int64, dTotal, dFloating, dBorrowed decimal.Decimal) error {
	_, err := r.db.pool.Exec(ctx,
		`UPDATE users SET
			total_usd_balance = total_usd_balance + $2,
			floating_usd_balance = floating_usd_balance + $3,
			borrowed_usd_amount = borrowed_usd_amount + $4,
			updated_at = now()
		 WHERE id = $1`,
		userID, dTotal, dFloating, dBorrowed)
	if err != nil {
		return fmt.Errorf("adjust balances: %w", err)
	}
	return nil
}

// InsertDeposit appends a deposit record.
func (r *LedgerRepo) InsertDeposit(ctx context.Context, d *Deposit) error {
	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO deposits (user_id, chain_id, tx_hash, asset, vault, amount, token_id, usd_value, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.UserID, d.ChainID, d.TxHash, d.Asset, d.Vault, d.Amount, d.TokenID, d.UsdValue, d.Timestamp)
	if err != nil {
		return fmt.Errorf("insert deposit: %w", err)
	}
	return nil
}

// SumDepositsUSD totals a user's deposit value.
func (r *LedgerRepo) SumDepositsUSD(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return r.sumDecimal(ctx,
		`SELECT COALESCE(SUM(usd_value), 0) FROM deposits WHERE user_id = $1`, userID)
}

// DepositsForToken returns per-asset USD sums across all chains for deposits
// made against one tokenId. Used for collateral valuation.
type AssetValue struct {
	ChainID  uint64
	Asset    string
	UsdValue decimal.Decimal
}

// DepositsForToken aggregates deposit value per (chain, asset) for a token.
func (r *LedgerRepo) DepositsForToken(ctx context.Context, tokenID string) ([]AssetValue, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT chain_id, asset, COALESCE(SUM(usd_value), 0)
		 FROM deposits WHERE token_id = $1
		 GROUP BY chain_id, asset`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AssetValue
	for rows.Next() {
		var v AssetValue
		if err := rows.Scan(&v.ChainID, &v.Asset, &v.UsdValue); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// HasDepositFor reports whether the wallet ever deposited against the token.
// Escape hatch for ownership checks when no Merkle root exists yet.
func (r *LedgerRepo) HasDepositFor(ctx context.Context, wallet string, tokenID string) (bool, error) {
	var exists bool
	err := r.db.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM deposits d JOIN users u ON u.id = d.user_id
			WHERE u.wallet_address = $1 AND d.token_id = $2)`,
		wallet, tokenID).Scan(&exists)
	return exists, err
}

const withdrawalCols = `id, user_id, chain_id, request_id, asset, amount, token_id, usd_value, status, created_at, updated_at`

func scanWithdrawal(row pgx.Row) (*Withdrawal, error) {
	var w Withdrawal
	err := row.Scan(&w.ID, &w.UserID, &w.ChainID, &w.RequestID, &w.Asset,
		&w.Amount, &w.TokenID, &w.UsdValue, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// InsertWithdrawal appends a withdrawal record.
func (r *LedgerRepo) InsertWithdrawal(ctx context.Context, w *Withdrawal) error {
	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO withdrawals (user_id, chain_id, request_id, asset, amount, token_id, usd_value, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.UserID, w.ChainID, w.RequestID, w.Asset, w.Amount, w.TokenID, w.UsdValue, w.Status)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

// PendingWithdrawalByRequest finds the PENDING withdrawal for a request id.
func (r *LedgerRepo) PendingWithdrawalByRequest(ctx context.Context, requestID string) (*Withdrawal, error) {
	w, err := scanWithdrawal(r.db.pool.QueryRow(ctx,
		`SELECT `+withdrawalCols+` FROM withdrawals
		 WHERE request_id = $1 AND status = 'PENDING'
		 ORDER BY created_at ASC LIMIT 1`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

// CompleteWithdrawal marks the withdrawal COMPLETED.
func (r *LedgerRepo) CompleteWithdrawal(ctx context.Context, id int64) error {
	_, err := r.db.pool.Exec(ctx,
		`UPDATE withdrawals SET status = 'COMPLETED', updated_at = now() WHERE id = $1`, id)
	return err
}

// SumWithdrawalsUSD totals a user's withdrawals in the given status.
func (r *LedgerRepo) SumWithdrawalsUSD(ctx context.Context, userID int64, status WithdrawalStatus) (decimal.Decimal, error) {
	return r.sumDecimal(ctx,
		`SELECT COALESCE(SUM(usd_value), 0) FROM withdrawals WHERE user_id = $1 AND status = $2`,
		userID, status)
}

const borrowCols = `id, user_id, chain_id, request_id, token_id, protocol, asset, amount, usd_value, status, loan_start_date, loan_end_date`

func scanBorrow(row pgx.Row) (*Borrow, error) {
	var b Borrow
	err := row.Scan(&b.ID, &b.UserID, &b.ChainID, &b.RequestID, &b.TokenID,
		&b.Protocol, &b.Asset, &b.Amount, &b.UsdValue, &b.Status,
		&b.LoanStartDate, &b.LoanEndDate)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// InsertBorrow appends an ACTIVE borrow.
func (r *LedgerRepo) InsertBorrow(ctx context.Context, b *Borrow) error {
	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO borrows (user_id, chain_id, request_id, token_id, protocol, asset, amount, usd_value, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.UserID, b.ChainID, b.RequestID, b.TokenID, b.Protocol, b.Asset, b.Amount, b.UsdValue, b.Status)
	if err != nil {
		return fmt.Errorf("insert borrow: %w", err)
	}
	return nil
}

// ActiveBorrows returns a user's ACTIVE borrows oldest first.
func (r *LedgerRepo) ActiveBorrows(ctx context.Context, userID int64) ([]*Borrow, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT `+borrowCols+` FROM borrows
		 WHERE user_id = $1 AND status = 'ACTIVE'
		 ORDER BY loan_start_date ASC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Borrow
	for rows.Next() {
		b, err := scanBorrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ApprovedBorrowProtocols returns the distinct protocols with ACTIVE borrows
// against the token. Utilization is summed per protocol, not per borrow.
func (r *LedgerRepo) ApprovedBorrowProtocols(ctx context.Context, tokenID string) ([]string, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT DISTINCT protocol FROM borrows WHERE token_id = $1 AND status = 'ACTIVE'`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SumActiveBorrowsUSD totals a user's outstanding borrow value.
func (r *LedgerRepo) SumActiveBorrowsUSD(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return r.sumDecimal(ctx,
		`SELECT COALESCE(SUM(usd_value), 0) FROM borrows WHERE user_id = $1 AND status = 'ACTIVE'`,
		userID)
}

// ReduceBorrow shrinks an active borrow's outstanding value.
func (r *LedgerRepo) ReduceBorrow(ctx context.Context, id int64, newUsdValue decimal.Decimal) error {
	_, err := r.db.pool.Exec(ctx,
		`UPDATE borrows SET usd_value = $2 WHERE id = $1`, id, newUsdValue)
	return err
}

// RepayBorrow closes a borrow and stamps the loan end date.
func (r *LedgerRepo) RepayBorrow(ctx context.Context, id int64, endDate time.Time) error {
	_, err := r.db.pool.Exec(ctx,
		`UPDATE borrows SET status = 'REPAID', usd_value = 0, loan_end_date = $2 WHERE id = $1`,
		id, endDate)
	return err
}

// InsertVaultEvent records the raw event; replays on the dedup key
// (tx_hash, type, token_id, asset) are ignored.
func (r *LedgerRepo) InsertVaultEvent(ctx context.Context, e *VaultEvent) (bool, error) {
	tag, err := r.db.pool.Exec(ctx,
		`INSERT INTO vault_events (type, chain_id, tx_hash, log_index, sender, asset, vault, amount, token_id, request_id, usd_value, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (tx_hash, type, token_id, asset) DO NOTHING`,
		e.Type, e.ChainID, e.TxHash, e.LogIndex, e.Sender, e.Asset, e.Vault,
		e.Amount, e.TokenID, e.RequestID, e.UsdValue, e.Timestamp)
	if err != nil {
		return false, fmt.Errorf("insert vault event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const relayerEventCols = `id, type, request_id, chain_id, token_id, protocol, asset, sender, amount, usd_value, deadline, data, signature, status, error_data, process_tx_hash, created_at, updated_at`

func scanRelayerEvent(row pgx.Row) (*RelayerEvent, error) {
	var e RelayerEvent
	err := row.Scan(&e.ID, &e.Type, &e.RequestID, &e.ChainID, &e.TokenID,
		&e.Protocol, &e.Asset, &e.Sender, &e.Amount, &e.UsdValue, &e.Deadline,
		&e.Data, &e.Signature, &e.Status, &e.ErrorData, &e.ProcessTxHash,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertRelayerEvent records the raw event; replays on the dedup key
// (request_id, chain_id, type) are ignored.
func (r *LedgerRepo) InsertRelayerEvent(ctx context.Context, e *RelayerEvent) (bool, error) {
	tag, err := r.db.pool.Exec(ctx,
		`INSERT INTO relayer_events (type, request_id, chain_id, token_id, protocol, asset, sender, amount, usd_value, deadline, data, signature, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (request_id, chain_id, type) DO NOTHING`,
		e.Type, e.RequestID, e.ChainID, e.TokenID, e.Protocol, e.Asset,
		e.Sender, e.Amount, e.UsdValue, e.Deadline, e.Data, e.Signature, e.Status)
	if err != nil {
		return false, fmt.Errorf("insert relayer event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetRelayerEvent looks up one event by its dedup key.
func (r *LedgerRepo) GetRelayerEvent(ctx context.Context, requestID string, chainID uint64, typ RelayerEventType) (*RelayerEvent, error) {
	e, err := scanRelayerEvent(r.db.pool.QueryRow(ctx,
		`SELECT `+relayerEventCols+` FROM relayer_events
		 WHERE request_id = $1 AND chain_id = $2 AND type = $3`,
		requestID, chainID, typ))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListPendingRelayerEvents returns PENDING events of one type, oldest
// first. Used by the startup sweep over unresolved collateral requests.
func (r *LedgerRepo) ListPendingRelayerEvents(ctx context.Context, typ RelayerEventType) ([]*RelayerEvent, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT `+relayerEventCols+` FROM relayer_events
		 WHERE type = $1 AND status = 'PENDING'
		 ORDER BY created_at ASC`, typ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RelayerEvent
	for rows.Next() {
		e, err := scanRelayerEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateRelayerEventStatus resolves a PENDING event.
func (r *LedgerRepo) UpdateRelayerEventStatus(ctx context.Context, id int64, status RelayerEventStatus, errorData, processTxHash *string) error {
	_, err := r.db.pool.Exec(ctx,
		`UPDATE relayer_events
		 SET status = $2, error_data = $3, process_tx_hash = $4, updated_at = now()
		 WHERE id = $1`, id, status, errorData, processTxHash)
	return err
}

// MarkTransactionProcessed records consumer-side handling of a tx. Returns
// false when the (chain_id, tx_hash) pair was already seen.
func (r *LedgerRepo) MarkTransactionProcessed(ctx context.Context, chainID uint64, txHash string, blockNumber uint64) (bool, error) {
	tag, err := r.db.pool.Exec(ctx,
		`INSERT INTO processed_transactions (chain_id, tx_hash, block_number)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (chain_id, tx_hash) DO NOTHING`,
		chainID, txHash, blockNumber)
	if err != nil {
		return false, fmt.Errorf("mark tx processed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *LedgerRepo) sumDecimal(ctx context.Context, sql string, args ...any) (decimal.Decimal, error) {
	var d decimal.Decimal
	if err := r.db.pool.QueryRow(ctx, sql, args...).Scan(&d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}
