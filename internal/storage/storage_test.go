package storage

import (
	"context"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	db, err := New(ctx, DefaultConfig())
	if err != nil {
		t.Skipf("Cannot connect to database: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return db
}

func TestBlockRepo_ReorgReplacesLiveRow(t *testing.T) {
	db := testDB(t)
	repo := NewBlockRepo(db)
	ctx := context.Background()

	chainID := uint64(time.Now().UnixNano()) // isolate runs

	first, err := repo.AddUnprocessed(ctx, chainID, 205, "0xh1", "0xp", nil)
	if err != nil {
		t.Fatalf("AddUnprocessed failed: %v", err)
	}
	if first.Status != BlockPending {
		t.Fatalf("fresh row status = %s", first.Status)
	}

	// same hash: the existing row comes back
	again, err := repo.AddUnprocessed(ctx, chainID, 205, "0xh1", "0xp", nil)
	if err != nil {
		t.Fatalf("AddUnprocessed failed: %v", err)
	}
	if again.ID != first.ID {
		t.Error("same hash should return the existing row")
	}

	// different hash: old row reorged, fresh PENDING row inserted
	replaced, err := repo.AddUnprocessed(ctx, chainID, 205, "0xh2", "0xp", nil)
	if err != nil {
		t.Fatalf("AddUnprocessed failed: %v", err)
	}
	if replaced.ID == first.ID || replaced.Hash != "0xh2" || replaced.Status != BlockPending {
		t.Errorf("replacement row = %+v", replaced)
	}

	stats, err := repo.Stats(ctx, chainID)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Reorged != 1 || stats.Pending != 1 {
		t.Errorf("stats = %+v, want 1 reorged / 1 pending", stats)
	}
}

func TestBlockRepo_LatestProcessedSkipsReorged(t *testing.T) {
	db := testDB(t)
	repo := NewBlockRepo(db)
	ctx := context.Background()
	chainID := uint64(time.Now().UnixNano())

	for n := uint64(100); n <= 102; n++ {
		if err := repo.AddProcessed(ctx, chainID, n, "0xh", "0xp", nil); err != nil {
			t.Fatalf("AddProcessed failed: %v", err)
		}
	}
	if err := repo.MarkReorged(ctx, chainID, []uint64{102}); err != nil {
		t.Fatalf("MarkReorged failed: %v", err)
	}

	latest, err := repo.LatestProcessed(ctx, chainID)
	if err != nil {
		t.Fatalf("LatestProcessed failed: %v", err)
	}
	if latest == nil || latest.Number != 101 {
		t.Errorf("latest = %+v, want 101", latest)
	}

	ok, err := repo.IsProcessed(ctx, chainID, 102)
	if err != nil {
		t.Fatalf("IsProcessed failed: %v", err)
	}
	if ok {
		t.Error("reorged block must not count as processed")
	}
}

func TestTransferRepo_ReplayAndRootImmutability(t *testing.T) {
	db := testDB(t)
	repo := NewTransferRepo(db)
	ctx := context.Background()

	tx := "0xtx" + time.Now().String()
	transfer := &NftTransfer{
		ChainID:      1,
		TxHash:       tx,
		BlockNumber:  100,
		BlockHash:    "0xb",
		TokenAddress: "0xnft",
		TokenID:      "1",
		FromAddress:  "0x0000000000000000000000000000000000000000",
		ToAddress:    "0xaaaa000000000000000000000000000000000001",
		Timestamp:    time.Now(),
	}

	inserted, err := repo.Insert(ctx, transfer)
	if err != nil || !inserted {
		t.Fatalf("Insert = %v, %v", inserted, err)
	}
	// replay: one row
	inserted, err = repo.Insert(ctx, transfer)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if inserted {
		t.Error("replayed transfer must not insert a second row")
	}

	pending, err := repo.NotIncluded(ctx)
	if err != nil {
		t.Fatalf("NotIncluded failed: %v", err)
	}
	var id int64
	for _, p := range pending {
		if p.TxHash == tx {
			id = p.ID
		}
	}
	if id == 0 {
		t.Fatal("inserted transfer should be pending inclusion")
	}

	if err := repo.MarkIncluded(ctx, []int64{id}, "0xroot1"); err != nil {
		t.Fatalf("MarkIncluded failed: %v", err)
	}
	// a second mark must not overwrite the original root
	if err := repo.MarkIncluded(ctx, []int64{id}, "0xroot2"); err != nil {
		t.Fatalf("MarkIncluded failed: %v", err)
	}

	latest, err := repo.LatestRooted(ctx)
	if err != nil {
		t.Fatalf("LatestRooted failed: %v", err)
	}
	if latest == nil {
		t.Fatal("expected a rooted transfer")
	}
	if latest.TxHash == tx && *latest.MerkleRoot != "0xroot1" {
		t.Errorf("root mutated to %s", *latest.MerkleRoot)
	}
}
