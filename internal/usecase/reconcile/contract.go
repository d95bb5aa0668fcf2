package reconcile

import (
	"context"

	"github.com/kailas-cloud/leasegate/internal/repository/buffer"
)

// Sink receives events. It must be idempotent by event key.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// Store is the durable spill buffer.
type Store interface {
	Append(ctx context.Context, kind buffer.Kind, key string, payload []byte) error
	Pending(ctx context.Context, limit int) ([]buffer.Entry, error)
	Ack(ctx context.Context, seq int64) error
	Count(ctx context.Context) (int, error)
}
