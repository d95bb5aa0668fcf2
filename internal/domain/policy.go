package domain

// Dependency identifies a pipeline stage's external collaborator.
type Dependency string

const (
	DepSafety            Dependency = "safety"
	DepToolAuthorization Dependency = "tool_authorization"
	DepToolExecutor      Dependency = "tool_executor"
	DepBudget            Dependency = "budget"
	DepTranslator        Dependency = "translator"
	DepProvider          Dependency = "provider"
	DepUsageReport       Dependency = "usage_report"
	DepAudit             Dependency = "audit"
)

// Policy is the fixed reaction to a dependency failure.
type Policy string

const (
	// PolicyFailSafe blocks the affected request.
	PolicyFailSafe Policy = "fail_safe"
	// PolicyFailSafeWithFallback tries the next candidate, then blocks.
	PolicyFailSafeWithFallback Policy = "fail_safe_with_fallback"
	// PolicyFailClosed stops the process from accepting new work.
	PolicyFailClosed Policy = "fail_closed"
	// PolicyFailOpen lets the request proceed and buffers the degraded work.
	PolicyFailOpen Policy = "fail_open"
	// PolicyLocal marks in-process state that cannot be unavailable.
	PolicyLocal Policy = "local"
)

// failurePolicies is compiled in. Safety can never be downgraded to fail-open.
var failurePolicies = map[Dependency]Policy{
	DepSafety:            PolicyFailSafe,
	DepToolAuthorization: PolicyFailSafe,
	DepToolExecutor:      PolicyFailSafe,
	DepBudget:            PolicyLocal,
	DepTranslator:        PolicyFailClosed,
	DepProvider:          PolicyFailSafeWithFallback,
	DepUsageReport:       PolicyFailOpen,
	DepAudit:             PolicyFailOpen,
}

// PolicyFor returns the failure policy for dep. Unknown dependencies fail safe.
func PolicyFor(dep Dependency) Policy {
	if p, ok := failurePolicies[dep]; ok {
		return p
	}
	return PolicyFailSafe
}

// Blocks reports whether a failure under p must reject the request.
func (p Policy) Blocks() bool {
	return p != PolicyFailOpen
}
