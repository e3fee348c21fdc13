package indexer

import (
	"sync"

	"github.com/atlasvault/chainflow/internal/chain"
)

// txEntry pairs a transaction with its receipt. A present entry with a nil
// Receipt means the tx was looked up before and has no receipt (plain
// transfer); re-fetching it would be wasted RPC.
type txEntry struct {
	Tx      *chain.Transaction
	Receipt *chain.Receipt
	seq     uint64
}

// TxCache is a bounded map of tx hash to {transaction, receipt}. When the
// cap is exceeded the oldest quarter of entries is dropped, keeping the most
// recently inserted 75%.
type TxCache struct {
	mu      sync.Mutex
	entries map[string]*txEntry
	cap     int
	seq     uint64
}

// NewTxCache creates a cache holding at most capacity entries.
func NewTxCache(capacity int) *TxCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &TxCache{
		entries: make(map[string]*txEntry, capacity),
		cap:     capacity,
	}
}

// Get returns the cached entry and whether the hash is present.
func (c *TxCache) Get(hash string) (*chain.Transaction, *chain.Receipt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok {
		return nil, nil, false
	}
	return e.Tx, e.Receipt, true
}

// Put stores a resolved pair. Callers must only insert once both halves are
// known (receipt may be an explicit nil); partial results from cancelled
// fetches never land here.
func (c *TxCache) Put(hash string, tx *chain.Transaction, receipt *chain.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.entries[hash] = &txEntry{Tx: tx, Receipt: receipt, seq: c.seq}
	if len(c.entries) > c.cap {
		c.prune()
	}
}

// Len reports the current entry count.
func (c *TxCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// prune drops the oldest entries until 75% of capacity remain. Caller holds mu.
func (c *TxCache) prune() {
	keep := c.cap * 3 / 4
	drop := len(c.entries) - keep
	if drop <= 0 {
		return
	}
	// seq is monotonically increasing: everything below the cutoff goes.
	cutoff := c.seq - uint64(keep)
	for h, e := range c.entries {
		if e.seq <= cutoff {
			delete(c.entries, h)
			drop--
			if drop == 0 {
				break
			}
		}
	}
}
