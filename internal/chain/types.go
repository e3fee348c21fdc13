package chain

import (
	"math/big"
)

// Header is the minimal view of a block used for chain-following and
// reorg detection.
type Header struct {
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  uint64
}

// Block is a confirmed block with its transaction list.
type Block struct {
	ChainID      uint64
	Number       uint64
	Hash         string
	ParentHash   string
	Timestamp    uint64
	Transactions []Transaction
}

// Transaction is the subset of transaction metadata the pipeline needs.
type Transaction struct {
	Hash        string
	Index       uint32
	From        string
	To          string
	Value       *big.Int
	Gas         uint64
	GasPrice    *big.Int
	Input       []byte
	BlockNumber uint64
	BlockHash   string
}

// HasCalldata reports whether the transaction carries input data, i.e. is
// a contract call rather than a plain value transfer.
func (t *Transaction) HasCalldata() bool {
	return len(t.Input) > 0
}

// Log is one receipt log.
type Log struct {
	Address     string
	Topics      []string
	Data        []byte
	BlockNumber uint64
	TxHash      string
	LogIndex    uint32
}

// Receipt is a transaction receipt. A nil *Receipt from the cache means
// "previously looked up, the node had none" (plain transfer on some chains).
type Receipt struct {
	TxHash  string
	Status  uint64
	GasUsed uint64
	Logs    []Log
}
