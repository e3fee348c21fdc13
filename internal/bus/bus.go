// Package bus provides the pub/sub transport between producer and consumer.
package bus

import (
	"context"
	"time"

	"github.com/atlasvault/chainflow/pkg/wire"
)

const (
	// ConnectTimeout bounds the initial connection handshake.
	ConnectTimeout = 10 * time.Second
	// CommandTimeout bounds individual publish commands.
	CommandTimeout = 5 * time.Second
)

// Publisher sends messages onto a channel. Batch publication preserves
// ascending timestamp order and reports a single success or failure.
type Publisher interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Publish(ctx context.Context, channel string, msg *wire.Message) error
	PublishBatch(ctx context.Context, channel string, msgs []*wire.Message) error
}

// Handler consumes one delivered message. Errors are the handler's own
// problem; the subscriber never retries a delivery.
type Handler func(ctx context.Context, msg *wire.Message)

// Subscriber receives messages from a single channel. Pause unsubscribes
// while holding the connection; Resume re-subscribes with the same handler.
type Subscriber interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Subscribe(ctx context.Context, channel string, h Handler) error
	Unsubscribe() error
	Pause() error
	Resume(ctx context.Context) error
}

// sortByTimestamp orders a batch ascending by message timestamp, stable so
// same-second messages keep their (blockNumber, logIndex) publish order.
func sortByTimestamp(msgs []*wire.Message) []*wire.Message {
	out := make([]*wire.Message, len(msgs))
	copy(out, msgs)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Timestamp > out[j].Timestamp; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
