package indexer

import (
	"fmt"
	"testing"

	"github.com/atlasvault/chainflow/internal/chain"
)

func TestTxCache_PutGet(t *testing.T) {
	cache := NewTxCache(10)

	tx := &chain.Transaction{Hash: "0xabc"}
	receipt := &chain.Receipt{TxHash: "0xabc", Status: 1}
	cache.Put("0xabc", tx, receipt)

	gotTx, gotReceipt, ok := cache.Get("0xabc")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if gotTx != tx || gotReceipt != receipt {
		t.Error("cache returned different values")
	}

	if _, _, ok := cache.Get("0xmissing"); ok {
		t.Error("expected miss for unknown hash")
	}
}

func TestTxCache_NullReceiptIsAHit(t *testing.T) {
	cache := NewTxCache(10)
	cache.Put("0xplain", &chain.Transaction{Hash: "0xplain"}, nil)

	_, receipt, ok := cache.Get("0xplain")
	if !ok {
		t.Fatal("explicit nil receipt should still be a cache hit")
	}
	if receipt != nil {
		t.Error("receipt should be nil")
	}
}

func TestTxCache_PruneKeepsNewestThreeQuarters(t *testing.T) {
	cache := NewTxCache(100)
	for i := 0; i < 101; i++ {
		h := fmt.Sprintf("0x%03d", i)
		cache.Put(h, &chain.Transaction{Hash: h}, nil)
	}

	if got := cache.Len(); got != 75 {
		t.Fatalf("after prune Len() = %d, want 75", got)
	}
	// the oldest quarter is gone, the newest survives
	if _, _, ok := cache.Get("0x000"); ok {
		t.Error("oldest entry should have been pruned")
	}
	if _, _, ok := cache.Get("0x100"); !ok {
		t.Error("newest entry should survive pruning")
	}
}
