package health

import "context"

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
	// Unhealthy indicates total failure.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Check names.
const (
	CheckStore     = "store"
	CheckAuthority = "authority"
)

// Report aggregates health check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
}

// Service coordinates health checks.
type Service struct {
	store    StorePinger
	upstream UpstreamChecker
}

// New creates a Service. upstream can be nil.
func New(store StorePinger, upstream UpstreamChecker) *Service {
	return &Service{store: store, upstream: upstream}
}

// Check runs health checks against all components.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult)

	if err := s.store.Ping(ctx); err != nil {
		checks[CheckStore] = CheckError
	} else {
		checks[CheckStore] = CheckOK
	}

	if s.upstream != nil {
		if err := s.upstream.HealthCheck(ctx); err != nil {
			checks[CheckAuthority] = CheckError
		} else {
			checks[CheckAuthority] = CheckOK
		}
	}

	status := Healthy
	for _, v := range checks {
		if v == CheckError {
			status = Degraded
			break
		}
	}

	return Report{Status: status, Checks: checks}
}
