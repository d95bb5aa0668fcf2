package ledger

import (
	"context"

	"github.com/kailas-cloud/leasegate/internal/domain"
)

// Repository is the persistence interface for budgets and leases.
type Repository interface {
	Budget(ctx context.Context, budgetID string) (domain.Budget, error)
	ListBudgets(ctx context.Context) ([]string, error)
	Allocate(ctx context.Context, budgetID, agentID string, amount domain.Micros) error
	Lease(ctx context.Context, leaseID string) (domain.Lease, error)
	SaveGrant(ctx context.Context, l domain.Lease) error
	ReleaseLease(ctx context.Context, l domain.Lease) (domain.Micros, error)
	ApplyUsage(ctx context.Context, l domain.Lease, u domain.UsageReport) (bool, error)
}
