package indexer

import (
	"context"
	"sync"
	"testing"

	"github.com/atlasvault/chainflow/internal/chain"
	"github.com/atlasvault/chainflow/internal/storage"
	"github.com/atlasvault/chainflow/pkg/wire"
)

// memBlockLedger implements BlockLedger in memory.
type memBlockLedger struct {
	mu          sync.Mutex
	nextID      int64
	unprocessed []*storage.UnprocessedBlock
	processed   []*storage.ProcessedBlock
}

func (m *memBlockLedger) liveRow(chainID, number uint64) *storage.UnprocessedBlock {
	for _, b := range m.unprocessed {
		if b.ChainID == chainID && b.Number == number && b.Status != storage.BlockReorged {
			return b
		}
	}
	return nil
}

func (m *memBlockLedger) AddUnprocessed(ctx context.Context, chainID, number uint64, hash, parentHash string, blockData []byte) (*storage.UnprocessedBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.liveRow(chainID, number); existing != nil {
		if existing.Hash == hash {
			return existing, nil
		}
		existing.Status = storage.BlockReorged
	}
	m.nextID++
	row := &storage.UnprocessedBlock{
		ID: m.nextID, ChainID: chainID, Number: number,
		Hash: hash, ParentHash: parentHash,
		Status: storage.BlockPending, BlockData: blockData,
	}
	m.unprocessed = append(m.unprocessed, row)
	return row, nil
}

func (m *memBlockLedger) setStatus(id int64, s storage.BlockStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.unprocessed {
		if b.ID == id {
			b.Status = s
			if s == storage.BlockFailed {
				b.RetryCount++
			}
		}
	}
}

func (m *memBlockLedger) MarkProcessing(ctx context.Context, id int64) error {
	m.setStatus(id, storage.BlockProcessing)
	return nil
}

func (m *memBlockLedger) MarkCompleted(ctx context.Context, id int64) error {
	m.setStatus(id, storage.BlockCompleted)
	return nil
}

func (m *memBlockLedger) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	m.setStatus(id, storage.BlockFailed)
	return nil
}

func (m *memBlockLedger) MarkReorged(ctx context.Context, chainID uint64, numbers []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[uint64]struct{}, len(numbers))
	for _, n := range numbers {
		set[n] = struct{}{}
	}
	for _, b := range m.unprocessed {
		if _, ok := set[b.Number]; ok && b.ChainID == chainID {
			b.Status = storage.BlockReorged
		}
	}
	for _, b := range m.processed {
		if _, ok := set[b.Number]; ok && b.ChainID == chainID {
			b.IsReorged = true
		}
	}
	return nil
}

func (m *memBlockLedger) AddProcessed(ctx context.Context, chainID, number uint64, hash, parentHash string, blockData []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.processed {
		if b.ChainID == chainID && b.Number == number && !b.IsReorged {
			return nil
		}
	}
	m.nextID++
	m.processed = append(m.processed, &storage.ProcessedBlock{
		ID: m.nextID, ChainID: chainID, Number: number,
		Hash: hash, ParentHash: parentHash, BlockData: blockData,
	})
	return nil
}

func (m *memBlockLedger) LatestProcessed(ctx context.Context, chainID uint64) (*storage.ProcessedBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *storage.ProcessedBlock
	for _, b := range m.processed {
		if b.ChainID == chainID && !b.IsReorged && (best == nil || b.Number > best.Number) {
			best = b
		}
	}
	return best, nil
}

func (m *memBlockLedger) GetProcessed(ctx context.Context, chainID, number uint64) (*storage.ProcessedBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.processed {
		if b.ChainID == chainID && b.Number == number && !b.IsReorged {
			return b, nil
		}
	}
	return nil, nil
}

// memPublisher collects published messages.
type memPublisher struct {
	mu   sync.Mutex
	msgs []*wire.Message
}

func (p *memPublisher) Connect(ctx context.Context) error { return nil }
func (p *memPublisher) Close() error                      { return nil }
func (p *memPublisher) Connected() bool                   { return true }

func (p *memPublisher) Publish(ctx context.Context, channel string, msg *wire.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *memPublisher) PublishBatch(ctx context.Context, channel string, msgs []*wire.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *memPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func newTestIndexer(client chain.Client, ledger BlockLedger, pub *memPublisher) *Indexer {
	matcher := NewTopicMatcher([]TopicFilter{{Hash: topicA}})
	processor := newTestProcessor(client, matcher)
	return New(Config{
		ChainID:            1,
		ChainName:          "testnet",
		Channel:            "events",
		BlockConfirmations: 2,
		BatchSize:          10,
	}, client, pub, ledger, processor, matcher, procLogger())
}

func seedBlock(client *fakeClient, n uint64) {
	tx := callTx("0xtx" + string(rune('a'+n%26)))
	client.blocks[n] = makeBlock(n, tx)
	client.receipts[tx.Hash] = &chain.Receipt{
		TxHash: tx.Hash, Status: 1,
		Logs: []chain.Log{{Address: "0xc1", Topics: []string{topicA}, TxHash: tx.Hash, LogIndex: 0, BlockNumber: n}},
	}
}

func TestIndexer_BlockPipeline(t *testing.T) {
	client := newFakeClient()
	ledger := &memBlockLedger{}
	pub := &memPublisher{}
	ix := newTestIndexer(client, ledger, pub)

	seedBlock(client, 100)

	if err := ix.processBlock(context.Background(), 100); err != nil {
		t.Fatalf("processBlock failed: %v", err)
	}
	if pub.count() != 1 {
		t.Fatalf("expected 1 published message, got %d", pub.count())
	}

	row := ledger.liveRow(1, 100)
	if row == nil || row.Status != storage.BlockCompleted {
		t.Fatalf("unprocessed row should be COMPLETED, got %+v", row)
	}
	got, _ := ledger.LatestProcessed(context.Background(), 1)
	if got == nil || got.Number != 100 {
		t.Fatalf("latestProcessed = %+v, want block 100", got)
	}
}

func TestIndexer_ReplayPublishesNothing(t *testing.T) {
	client := newFakeClient()
	ledger := &memBlockLedger{}
	pub := &memPublisher{}
	ix := newTestIndexer(client, ledger, pub)

	seedBlock(client, 100)

	if err := ix.processBlock(context.Background(), 100); err != nil {
		t.Fatalf("processBlock failed: %v", err)
	}
	if err := ix.processBlock(context.Background(), 100); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if pub.count() != 1 {
		t.Errorf("replay must not re-publish, got %d messages", pub.count())
	}
	// still exactly one live processed row
	live := 0
	for _, b := range ledger.processed {
		if !b.IsReorged {
			live++
		}
	}
	if live != 1 {
		t.Errorf("expected one processed row, got %d", live)
	}
}

func TestIndexer_LatestProcessedMonotone(t *testing.T) {
	client := newFakeClient()
	ledger := &memBlockLedger{}
	pub := &memPublisher{}
	ix := newTestIndexer(client, ledger, pub)

	for n := uint64(100); n <= 105; n++ {
		seedBlock(client, n)
		if err := ix.processBlock(context.Background(), n); err != nil {
			t.Fatalf("processBlock(%d) failed: %v", n, err)
		}
		got, _ := ledger.LatestProcessed(context.Background(), 1)
		if got == nil || got.Number < n {
			t.Fatalf("latestProcessed regressed at %d: %+v", n, got)
		}
	}
}

func TestIndexer_ReorgMarksAndRewinds(t *testing.T) {
	client := newFakeClient()
	ledger := &memBlockLedger{}
	pub := &memPublisher{}
	ix := newTestIndexer(client, ledger, pub)

	for n := uint64(200); n <= 205; n++ {
		seedBlock(client, n)
		if err := ix.processBlock(context.Background(), n); err != nil {
			t.Fatalf("processBlock(%d) failed: %v", n, err)
		}
		ix.mu.Lock()
		ix.latestProcessed = n
		ix.mu.Unlock()
	}

	// new fork: 205 gets a different hash, 206 builds on it
	fork205 := makeBlock(205, callTx("0xforktx"))
	fork205.Hash = "0xfork205"
	client.mu.Lock()
	client.blocks[205] = fork205
	client.blocks[206] = &chain.Block{
		ChainID: 1, Number: 206, Hash: "0xfork206", ParentHash: "0xfork205",
		Timestamp: 1700000206,
	}
	client.receipts["0xforktx"] = &chain.Receipt{
		TxHash: "0xforktx", Status: 1,
		Logs: []chain.Log{{Address: "0xc1", Topics: []string{topicA}, TxHash: "0xforktx", LogIndex: 0}},
	}
	client.mu.Unlock()

	// 206's parent mismatches the recorded 205 hash
	if err := ix.processBlock(context.Background(), 206); err != nil {
		t.Fatalf("reorg handling failed: %v", err)
	}

	if got, _ := ledger.GetProcessed(context.Background(), 1, 205); got != nil {
		t.Error("old 205 should be marked reorged")
	}
	if ix.LatestProcessed() != 204 {
		t.Errorf("latestProcessed should rewind to fork point 204, got %d", ix.LatestProcessed())
	}

	// re-index the new fork
	if err := ix.processBlock(context.Background(), 205); err != nil {
		t.Fatalf("processing new fork failed: %v", err)
	}
	got, _ := ledger.GetProcessed(context.Background(), 1, 205)
	if got == nil || got.Hash != "0xfork205" {
		t.Fatalf("new fork 205 not recorded: %+v", got)
	}

	// one REORGED and one live row at height 205 in the work queue
	var reorged, liveRows int
	for _, b := range ledger.unprocessed {
		if b.Number != 205 {
			continue
		}
		if b.Status == storage.BlockReorged {
			reorged++
		} else {
			liveRows++
		}
	}
	if reorged != 1 || liveRows != 1 {
		t.Errorf("height 205 rows: reorged=%d live=%d, want 1/1", reorged, liveRows)
	}
}

func TestIndexer_ReorgTooDeep(t *testing.T) {
	client := newFakeClient()
	ledger := &memBlockLedger{}
	ix := newTestIndexer(client, ledger, &memPublisher{})

	// record a long divergent history: every ledger hash differs from chain
	for n := uint64(100); n <= 120; n++ {
		_ = ledger.AddProcessed(context.Background(), 1, n, "0xold", "0xold", nil)
		client.blocks[n] = &chain.Block{ChainID: 1, Number: n, Hash: "0xnew", ParentHash: "0xnew"}
	}

	err := ix.handleReorg(context.Background(), 120)
	if err != ErrReorgTooDeep {
		t.Errorf("expected ErrReorgTooDeep, got %v", err)
	}
}
