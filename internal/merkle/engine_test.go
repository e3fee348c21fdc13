package merkle

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/atlasvault/chainflow/internal/storage"
)

type memTransferStore struct {
	transfers []*storage.NftTransfer
	nextID    int64
}

func (m *memTransferStore) add(blockNumber uint64, logIndex uint32, tokenID, from, to string) *storage.NftTransfer {
	m.nextID++
	t := &storage.NftTransfer{
		ID:          m.nextID,
		ChainID:     1,
		TxHash:      "0xtx" + time.Now().String() + tokenID + to,
		BlockNumber: blockNumber,
		LogIndex:    logIndex,
		TokenID:     tokenID,
		FromAddress: from,
		ToAddress:   to,
		Timestamp:   time.Now(),
	}
	m.transfers = append(m.transfers, t)
	return t
}

func (m *memTransferStore) ordered() []*storage.NftTransfer {
	out := append([]*storage.NftTransfer(nil), m.transfers...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		if out[i].LogIndex != out[j].LogIndex {
			return out[i].LogIndex < out[j].LogIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memTransferStore) AllOrdered(ctx context.Context) ([]*storage.NftTransfer, error) {
	return m.ordered(), nil
}

func (m *memTransferStore) OrderedUpTo(ctx context.Context, blockNumber uint64) ([]*storage.NftTransfer, error) {
	var out []*storage.NftTransfer
	for _, t := range m.ordered() {
		if t.BlockNumber <= blockNumber {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTransferStore) NotIncluded(ctx context.Context) ([]*storage.NftTransfer, error) {
	var out []*storage.NftTransfer
	for _, t := range m.ordered() {
		if !t.IncludedInMerkle {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTransferStore) MarkIncluded(ctx context.Context, ids []int64, root string) error {
	idSet := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	for _, t := range m.transfers {
		if _, ok := idSet[t.ID]; ok && !t.IncludedInMerkle {
			t.IncludedInMerkle = true
			r := root
			t.MerkleRoot = &r
		}
	}
	return nil
}

func (m *memTransferStore) LatestRooted(ctx context.Context) (*storage.NftTransfer, error) {
	ordered := m.ordered()
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].MerkleRoot != nil {
			return ordered[i], nil
		}
	}
	return nil, nil
}

type recordingSubmitter struct {
	calls []uint64
	err   error
}

func (r *recordingSubmitter) SubmitRoot(ctx context.Context, chainID uint64, root Hash) error {
	r.calls = append(r.calls, chainID)
	return r.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const (
	ownerA = "0xaaaa000000000000000000000000000000000001"
	ownerB = "0xbbbb000000000000000000000000000000000002"
)

func TestSnapshot_LatestTransferWins(t *testing.T) {
	store := &memTransferStore{}
	store.add(100, 0, "1", zeroAddress, ownerA)
	store.add(101, 0, "1", ownerA, ownerB)
	store.add(101, 1, "2", zeroAddress, ownerA)

	snap := Snapshot(store.ordered())
	if snap["1"] != ownerB {
		t.Errorf("token 1 owner = %s, want %s", snap["1"], ownerB)
	}
	if snap["2"] != ownerA {
		t.Errorf("token 2 owner = %s, want %s", snap["2"], ownerA)
	}
}

func TestSnapshot_TieBreakByLogIndex(t *testing.T) {
	store := &memTransferStore{}
	store.add(100, 0, "1", zeroAddress, ownerA)
	store.add(100, 1, "1", ownerA, ownerB)

	snap := Snapshot(store.ordered())
	if snap["1"] != ownerB {
		t.Errorf("token 1 owner = %s, want later-log owner %s", snap["1"], ownerB)
	}
}

func TestSnapshot_BurnRemovesToken(t *testing.T) {
	store := &memTransferStore{}
	store.add(100, 0, "1", zeroAddress, ownerA)
	store.add(101, 0, "1", ownerA, zeroAddress)

	snap := Snapshot(store.ordered())
	if _, ok := snap["1"]; ok {
		t.Error("burned token should not appear in the snapshot")
	}
}

func TestEngine_UpdateMarksAndSubmits(t *testing.T) {
	store := &memTransferStore{}
	sub := &recordingSubmitter{}
	engine := NewEngine(store, sub, nil, []uint64{1, 137}, testLogger())

	store.add(100, 0, "1", zeroAddress, ownerA)

	if err := engine.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if engine.Root() == "" {
		t.Fatal("root should be set after update")
	}
	for _, tr := range store.transfers {
		if !tr.IncludedInMerkle || tr.MerkleRoot == nil {
			t.Error("transfer should be marked included with the root")
		}
	}
	if len(sub.calls) != 2 {
		t.Errorf("expected 2 root submissions, got %d", len(sub.calls))
	}
}

func TestEngine_UpdateNoPendingIsNoop(t *testing.T) {
	store := &memTransferStore{}
	sub := &recordingSubmitter{}
	engine := NewEngine(store, sub, nil, []uint64{1}, testLogger())

	if err := engine.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(sub.calls) != 0 {
		t.Error("no submissions expected without pending transfers")
	}
}

func TestEngine_AllBurnedPreservesPriorRoot(t *testing.T) {
	store := &memTransferStore{}
	engine := NewEngine(store, &recordingSubmitter{}, nil, nil, testLogger())

	store.add(100, 0, "1", zeroAddress, ownerA)
	if err := engine.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	prior := engine.Root()

	store.add(101, 0, "1", ownerA, zeroAddress)
	if err := engine.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if engine.Root() != prior {
		t.Error("empty tree build must not clobber the prior root")
	}
}

func TestEngine_GetProof(t *testing.T) {
	store := &memTransferStore{}
	engine := NewEngine(store, &recordingSubmitter{}, nil, nil, testLogger())

	store.add(100, 0, "1", zeroAddress, ownerA)
	store.add(100, 1, "2", zeroAddress, ownerB)
	if err := engine.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	proof, err := engine.GetProof(context.Background(), ownerA, "1")
	if err != nil {
		t.Fatalf("GetProof failed: %v", err)
	}
	if proof == nil || !proof.Verified {
		t.Fatal("expected a verified proof for the owner")
	}
	if proof.Root != engine.Root() {
		t.Errorf("proof root %s != committed root %s", proof.Root, engine.Root())
	}
	if len(proof.Proof) == 0 {
		t.Error("two-leaf tree proof should be non-empty")
	}

	// a non-owner gets nothing
	wrong, err := engine.GetProof(context.Background(), ownerB, "1")
	if err != nil {
		t.Fatalf("GetProof failed: %v", err)
	}
	if wrong != nil {
		t.Error("non-owner should get a nil proof")
	}
}

func TestEngine_GetProof_NoRoot(t *testing.T) {
	engine := NewEngine(&memTransferStore{}, nil, nil, nil, testLogger())
	proof, err := engine.GetProof(context.Background(), ownerA, "1")
	if err != nil {
		t.Fatalf("GetProof failed: %v", err)
	}
	if proof != nil {
		t.Error("no committed root means no proof")
	}
}

type fakeDeposits struct{ has bool }

func (f *fakeDeposits) HasDepositFor(ctx context.Context, wallet, tokenID string) (bool, error) {
	return f.has, nil
}

func TestEngine_VerifyOwnership(t *testing.T) {
	store := &memTransferStore{}
	deposits := &fakeDeposits{has: true}
	engine := NewEngine(store, nil, deposits, nil, testLogger())

	// no root yet: fallback disabled
	ok, err := engine.VerifyOwnership(context.Background(), ownerA, "1", false)
	if err != nil || ok {
		t.Errorf("expected false without root and fallback, got %v %v", ok, err)
	}

	// no root yet: fallback allowed consults deposits
	ok, err = engine.VerifyOwnership(context.Background(), ownerA, "1", true)
	if err != nil || !ok {
		t.Errorf("expected fallback verification, got %v %v", ok, err)
	}

	// with a root the Merkle path decides, fallback or not
	store.add(100, 0, "1", zeroAddress, ownerA)
	if err := engine.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	ok, err = engine.VerifyOwnership(context.Background(), ownerA, "1", true)
	if err != nil || !ok {
		t.Errorf("owner should verify, got %v %v", ok, err)
	}
	ok, err = engine.VerifyOwnership(context.Background(), ownerB, "1", true)
	if err != nil || ok {
		t.Errorf("non-owner must not verify once a root exists, got %v %v", ok, err)
	}
}

func TestEngine_SubmitFailureDoesNotBlock(t *testing.T) {
	store := &memTransferStore{}
	sub := &recordingSubmitter{err: context.DeadlineExceeded}
	engine := NewEngine(store, sub, nil, []uint64{1, 137, 8453}, testLogger())

	store.add(100, 0, "1", zeroAddress, ownerA)
	if err := engine.Update(context.Background()); err != nil {
		t.Fatalf("Update must absorb submission failures: %v", err)
	}
	if len(sub.calls) != 3 {
		t.Errorf("all chains should be attempted, got %d", len(sub.calls))
	}
}
