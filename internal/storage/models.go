package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// BlockStatus is the processing state of an unprocessed block row.
type BlockStatus string

const (
	BlockPending    BlockStatus = "PENDING"
	BlockProcessing BlockStatus = "PROCESSING"
	BlockCompleted  BlockStatus = "COMPLETED"
	BlockFailed     BlockStatus = "FAILED"
	BlockReorged    BlockStatus = "REORGED"
)

// WithdrawalStatus tracks a withdrawal through the vault round-trip.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "PENDING"
	WithdrawalCompleted WithdrawalStatus = "COMPLETED"
	WithdrawalRejected  WithdrawalStatus = "REJECTED"
)

// BorrowStatus tracks a borrow position.
type BorrowStatus string

const (
	BorrowActive BorrowStatus = "ACTIVE"
	BorrowRepaid BorrowStatus = "REPAID"
)

// VaultEventType enumerates vault contract events.
type VaultEventType string

const (
	VaultDeposit         VaultEventType = "DEPOSIT"
	VaultWithdrawRequest VaultEventType = "WITHDRAW_REQUEST"
	VaultWithdraw        VaultEventType = "WITHDRAW"
)

// RelayerEventType enumerates relayer contract events.
type RelayerEventType string

const (
	RelayerCollateralRequest RelayerEventType = "COLLATERAL_REQUEST"
	RelayerCollateralProcess RelayerEventType = "COLLATERAL_PROCESS"
	RelayerRepay             RelayerEventType = "REPAY"
)

// RelayerEventStatus is the request lifecycle state.
type RelayerEventStatus string

const (
	RequestPending  RelayerEventStatus = "PENDING"
	RequestApproved RelayerEventStatus = "APPROVED"
	RequestRejected RelayerEventStatus = "REJECTED"
)

// UnprocessedBlock is the work-queue row for one observed block. At most one
// row per (chain_id, number) is not REORGED at any time.
type UnprocessedBlock struct {
	ID           int64       `db:"id"`
	ChainID      uint64      `db:"chain_id"`
	Number       uint64      `db:"number"`
	Hash         string      `db:"hash"`
	ParentHash   string      `db:"parent_hash"`
	Status       BlockStatus `db:"status"`
	RetryCount   int         `db:"retry_count"`
	ErrorMessage *string     `db:"error_message"`
	BlockData    []byte      `db:"block_data"`
	CreatedAt    time.Time   `db:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"`
}

// ProcessedBlock is the resume marker for a fully indexed block.
type ProcessedBlock struct {
	ID         int64     `db:"id"`
	ChainID    uint64    `db:"chain_id"`
	Number     uint64    `db:"number"`
	Hash       string    `db:"hash"`
	ParentHash string    `db:"parent_hash"`
	BlockData  []byte    `db:"block_data"`
	IsReorged  bool      `db:"is_reorged"`
	CreatedAt  time.Time `db:"created_at"`
}

// ProcessedTransaction dedups consumer-side handling by (chain_id, tx_hash).
type ProcessedTransaction struct {
	ID          int64     `db:"id"`
	ChainID     uint64    `db:"chain_id"`
	TxHash      string    `db:"tx_hash"`
	BlockNumber uint64    `db:"block_number"`
	CreatedAt   time.Time `db:"created_at"`
}

// NftTransfer is one observed ERC721 Transfer. MerkleRoot is immutable once
// IncludedInMerkle is set.
type NftTransfer struct {
	ID               int64     `db:"id"`
	ChainID          uint64    `db:"chain_id"`
	TxHash           string    `db:"tx_hash"`
	BlockNumber      uint64    `db:"block_number"`
	BlockHash        string    `db:"block_hash"`
	LogIndex         uint32    `db:"log_index"`
	TokenAddress     string    `db:"token_address"`
	TokenID          string    `db:"token_id"`
	FromAddress      string    `db:"from_address"`
	ToAddress        string    `db:"to_address"`
	Timestamp        time.Time `db:"timestamp"`
	IncludedInMerkle bool      `db:"included_in_merkle"`
	MerkleRoot       *string   `db:"merkle_root"`
}

// User aggregates a wallet's USD position. floating = total − borrowed −
// Σ pending withdrawals at every quiescent instant.
type User struct {
	ID                 int64           `db:"id"`
	WalletAddress      string          `db:"wallet_address"`
	TotalUsdBalance    decimal.Decimal `db:"total_usd_balance"`
	FloatingUsdBalance decimal.Decimal `db:"floating_usd_balance"`
	BorrowedUsdAmount  decimal.Decimal `db:"borrowed_usd_amount"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

// Deposit is one vault deposit record.
type Deposit struct {
	ID           int64           `db:"id"`
	UserID       int64           `db:"user_id"`
	ChainID      uint64          `db:"chain_id"`
	TxHash       string          `db:"tx_hash"`
	Asset        string          `db:"asset"`
	Vault        string          `db:"vault"`
	Amount       decimal.Decimal `db:"amount"`
	TokenID      string          `db:"token_id"`
	UsdValue     decimal.Decimal `db:"usd_value"`
	Timestamp    time.Time       `db:"timestamp"`
}

// Withdrawal is one vault withdrawal, pending until the on-chain Withdraw
// event confirms it.
type Withdrawal struct {
	ID        int64            `db:"id"`
	UserID    int64            `db:"user_id"`
	ChainID   uint64           `db:"chain_id"`
	RequestID string           `db:"request_id"`
	Asset     string           `db:"asset"`
	Amount    decimal.Decimal  `db:"amount"`
	TokenID   string           `db:"token_id"`
	UsdValue  decimal.Decimal  `db:"usd_value"`
	Status    WithdrawalStatus `db:"status"`
	CreatedAt time.Time        `db:"created_at"`
	UpdatedAt time.Time        `db:"updated_at"`
}

// Borrow is one collateralized borrow position.
type Borrow struct {
	ID            int64           `db:"id"`
	UserID        int64           `db:"user_id"`
	ChainID       uint64          `db:"chain_id"`
	RequestID     string          `db:"request_id"`
	TokenID       string          `db:"token_id"`
	Protocol      string          `db:"protocol"`
	Asset         string          `db:"asset"`
	Amount        decimal.Decimal `db:"amount"`
	UsdValue      decimal.Decimal `db:"usd_value"`
	Status        BorrowStatus    `db:"status"`
	LoanStartDate time.Time       `db:"loan_start_date"`
	LoanEndDate   *time.Time      `db:"loan_end_date"`
}

// VaultEvent is the raw decoded vault log, deduped by
// (tx_hash, type, token_id, asset).
type VaultEvent struct {
	ID        int64           `db:"id"`
	Type      VaultEventType  `db:"type"`
	ChainID   uint64          `db:"chain_id"`
	TxHash    string          `db:"tx_hash"`
	LogIndex  uint32          `db:"log_index"`
	Sender    string          `db:"sender"`
	Asset     string          `db:"asset"`
	Vault     string          `db:"vault"`
	Amount    decimal.Decimal `db:"amount"`
	TokenID   string          `db:"token_id"`
	RequestID *string         `db:"request_id"`
	UsdValue  decimal.Decimal `db:"usd_value"`
	Timestamp time.Time       `db:"timestamp"`
}

// RelayerEvent is the raw decoded relayer log, deduped by
// (request_id, chain_id, type).
type RelayerEvent struct {
	ID            int64              `db:"id"`
	Type          RelayerEventType   `db:"type"`
	RequestID     string             `db:"request_id"`
	ChainID       uint64             `db:"chain_id"`
	TokenID       string             `db:"token_id"`
	Protocol      string             `db:"protocol"`
	Asset         string             `db:"asset"`
	Sender        string             `db:"sender"`
	Amount        decimal.Decimal    `db:"amount"`
	UsdValue      decimal.Decimal    `db:"usd_value"`
	Deadline      time.Time          `db:"deadline"`
	Data          []byte             `db:"data"`
	Signature     []byte             `db:"signature"`
	Status        RelayerEventStatus `db:"status"`
	ErrorData     *string            `db:"error_data"`
	ProcessTxHash *string            `db:"process_tx_hash"`
	CreatedAt     time.Time          `db:"created_at"`
	UpdatedAt     time.Time          `db:"updated_at"`
}
