package bus

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/atlasvault/chainflow/pkg/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func msgWith(hash string, ts int64) *wire.Message {
	return &wire.Message{
		Transaction: wire.Transaction{
			Hash:      hash,
			Value:     wire.NewBigInt(big.NewInt(1)),
			Timestamp: ts,
		},
		Timestamp: ts,
		Metadata:  wire.Metadata{TransactionHash: hash, Timestamp: ts},
	}
}

type collector struct {
	mu   sync.Mutex
	msgs []*wire.Message
}

func (c *collector) handler(ctx context.Context, msg *wire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) wait(t *testing.T, n int) []*wire.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]*wire.Message(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("timed out waiting for %d messages, have %d", n, len(c.msgs))
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func setup(t *testing.T) (*RedisPublisher, *RedisSubscriber) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := RedisConfig{Addr: mr.Addr()}

	pub := NewRedisPublisher(cfg, testLogger())
	sub := NewRedisSubscriber(cfg, testLogger())

	ctx := context.Background()
	if err := pub.Connect(ctx); err != nil {
		t.Fatalf("publisher connect: %v", err)
	}
	if err := sub.Connect(ctx); err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	t.Cleanup(func() {
		_ = pub.Close()
		_ = sub.Close()
	})
	return pub, sub
}

func TestRedis_PublishSubscribe(t *testing.T) {
	pub, sub := setup(t)
	ctx := context.Background()

	c := &collector{}
	if err := sub.Subscribe(ctx, "events", c.handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := pub.Publish(ctx, "events", msgWith("0xaaa", 100)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := c.wait(t, 1)
	if got[0].Transaction.Hash != "0xaaa" {
		t.Errorf("hash = %s", got[0].Transaction.Hash)
	}
}

func TestRedis_BatchSortedByTimestamp(t *testing.T) {
	pub, sub := setup(t)
	ctx := context.Background()

	c := &collector{}
	if err := sub.Subscribe(ctx, "events", c.handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	batch := []*wire.Message{
		msgWith("0xlate", 300),
		msgWith("0xearly", 100),
		msgWith("0xmid", 200),
	}
	if err := pub.PublishBatch(ctx, "events", batch); err != nil {
		t.Fatalf("publish batch: %v", err)
	}

	got := c.wait(t, 3)
	want := []string{"0xearly", "0xmid", "0xlate"}
	for i, w := range want {
		if got[i].Transaction.Hash != w {
			t.Errorf("position %d: got %s, want %s", i, got[i].Transaction.Hash, w)
		}
	}
}

func TestRedis_BatchStableForEqualTimestamps(t *testing.T) {
	msgs := []*wire.Message{
		msgWith("0xfirst", 100),
		msgWith("0xsecond", 100),
		msgWith("0xthird", 100),
	}
	sorted := sortByTimestamp(msgs)
	for i, want := range []string{"0xfirst", "0xsecond", "0xthird"} {
		if sorted[i].Transaction.Hash != want {
			t.Errorf("equal timestamps must keep publish order: %d = %s", i, sorted[i].Transaction.Hash)
		}
	}
}

func TestRedis_PauseResume(t *testing.T) {
	pub, sub := setup(t)
	ctx := context.Background()

	c := &collector{}
	if err := sub.Subscribe(ctx, "events", c.handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := pub.Publish(ctx, "events", msgWith("0xbefore", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	c.wait(t, 1)

	if err := sub.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !sub.Connected() {
		t.Error("pause must hold the connection")
	}

	// published while paused: pub/sub drops it, no redelivery on resume
	if err := pub.Publish(ctx, "events", msgWith("0xmissed", 2)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if c.count() != 1 {
		t.Errorf("paused subscriber received %d messages", c.count())
	}

	if err := sub.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := pub.Publish(ctx, "events", msgWith("0xafter", 3)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := c.wait(t, 2)
	if got[1].Transaction.Hash != "0xafter" {
		t.Errorf("expected only the post-resume message, got %s", got[1].Transaction.Hash)
	}
}

func TestRedis_UndecodableDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := RedisConfig{Addr: mr.Addr()}
	sub := NewRedisSubscriber(cfg, testLogger())
	ctx := context.Background()
	if err := sub.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sub.Close()

	c := &collector{}
	if err := sub.Subscribe(ctx, "events", c.handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	mr.Publish("events", "not-json")
	time.Sleep(50 * time.Millisecond)
	if c.count() != 0 {
		t.Errorf("undecodable payload must be dropped, handler saw %d", c.count())
	}
}
