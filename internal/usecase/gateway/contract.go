package gateway

import (
	"context"

	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/usecase/lease"
	"github.com/kailas-cloud/leasegate/internal/usecase/reconcile"
)

// Safety validates content and tool calls.
type Safety interface {
	CheckInput(ctx context.Context, text string) error
	CheckOutput(ctx context.Context, text string) error
	AuthorizeTool(ctx context.Context, call domain.ToolCall) error
}

// Leases resolves a credential to its lease, handshaking on first use.
type Leases interface {
	Acquire(ctx context.Context, credential string) (*lease.Manager, error)
}

// Translator lends the provider key of a credential's lease.
type Translator interface {
	Do(ctx context.Context, credential string, fn func(ctx context.Context, providerKey string) error) error
	Halted() bool
}

// Queue accepts usage and audit events for asynchronous delivery.
type Queue interface {
	Enqueue(ev reconcile.Event)
}

// modelDefaulter is implemented by providers that fill in a model when the request names none.
type modelDefaulter interface {
	DefaultModel() string
}
