package chi

import (
	"context"

	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/usecase/gateway"
	"github.com/kailas-cloud/leasegate/internal/usecase/health"
	"github.com/kailas-cloud/leasegate/internal/usecase/lease"
	"github.com/kailas-cloud/leasegate/internal/usecase/ledger"
	"github.com/kailas-cloud/leasegate/internal/usecase/vault"
)

// Vault grants and refreshes leases for verified credentials.
type Vault interface {
	GrantLease(ctx context.Context, credential string, requested *domain.Micros) (vault.Grant, error)
	Refresh(ctx context.Context, credential string, req ledger.RefreshRequest) (ledger.RefreshResult, error)
	Status(ctx context.Context, credential, budgetID string) (domain.Budget, error)
}

// UsageLedger applies usage reports idempotently.
type UsageLedger interface {
	Report(ctx context.Context, u domain.UsageReport) (bool, error)
}

// AuditLog stores audit events idempotently.
type AuditLog interface {
	Append(ctx context.Context, e domain.AuditEvent) (bool, error)
}

// HealthChecker aggregates dependency checks.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// Gateway runs agent requests through the orchestration pipeline.
type Gateway interface {
	Complete(ctx context.Context, req gateway.CompletionRequest) (gateway.CompletionResponse, error)
	ExecuteTool(ctx context.Context, req gateway.ToolRequest) (gateway.ToolResponse, error)
}

// LeaseLookup finds the lease manager already bound to a credential.
type LeaseLookup interface {
	Lookup(credential string) (*lease.Manager, bool)
}
