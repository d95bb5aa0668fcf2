package health

import "context"

// StorePinger checks local store availability (ledger store or durable buffer).
type StorePinger interface {
	Ping(ctx context.Context) error
}

// UpstreamChecker checks a remote dependency (the authority, from the runtime).
type UpstreamChecker interface {
	HealthCheck(ctx context.Context) error
}
