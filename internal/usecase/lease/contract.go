package lease

import (
	"context"

	"github.com/kailas-cloud/leasegate/internal/domain/protocol"
)

// Authority is the runtime's view of the budget authority.
type Authority interface {
	Handshake(ctx context.Context, req protocol.InitBudgetRequest) (protocol.InitBudgetResponse, error)
	Refresh(ctx context.Context, credential string, req protocol.RefreshRequest) (protocol.RefreshResponse, error)
}
