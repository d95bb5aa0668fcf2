package vault

import (
	"context"
	"time"

	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/usecase/ledger"
)

// Signer issues and verifies agent credentials.
type Signer interface {
	Issue(agentID, budgetID string, permissions []string, ttl time.Duration) (string, error)
	Verify(raw string) (domain.Claims, error)
}

// Ledger reserves budget and rotates leases.
type Ledger interface {
	Grant(ctx context.Context, claims domain.Claims, requested domain.Micros) (domain.Lease, domain.Budget, error)
	Refresh(ctx context.Context, claims domain.Claims, req ledger.RefreshRequest) (ledger.RefreshResult, error)
	Status(ctx context.Context, budgetID string) (domain.Budget, error)
}

// EpochStore keeps each agent's minimum acceptable credential issue time.
type EpochStore interface {
	CredentialEpoch(ctx context.Context, agentID string) (time.Time, error)
	SetCredentialEpoch(ctx context.Context, agentID string, iat time.Time) error
}

// KeyStore holds provider keys sealed at rest.
type KeyStore interface {
	Get(ctx context.Context, provider string) ([]byte, error)
	Put(ctx context.Context, provider string, sealed []byte) error
}

// Sealer encrypts provider keys at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(blob []byte) ([]byte, error)
}
