package protocol

import (
	"time"

	"github.com/kailas-cloud/leasegate/internal/domain"
)

// UsageFromDomain converts a usage report to its wire form.
func UsageFromDomain(r domain.UsageReport) UsageReport {
	return UsageReport{
		LeaseID:   r.LeaseID,
		RequestID: r.RequestID,
		Tokens:    r.Tokens,
		CostUSD:   r.Cost.USD(),
		Timestamp: r.Timestamp.UnixMilli(),
		Model:     r.Model,
		Provider:  r.Provider,
	}
}

// ToDomain converts a wire usage report.
func (u UsageReport) ToDomain() domain.UsageReport {
	return domain.UsageReport{
		RequestID: u.RequestID,
		LeaseID:   u.LeaseID,
		Tokens:    u.Tokens,
		Cost:      domain.MicrosFromUSD(u.CostUSD),
		Model:     u.Model,
		Provider:  u.Provider,
		Timestamp: time.UnixMilli(u.Timestamp).UTC(),
	}
}

// Validate applies protocol limits to a usage report.
func (u UsageReport) Validate() error {
	switch {
	case u.LeaseID == "":
		return domain.NewValidationError("lease_id", "is required")
	case len(u.LeaseID) > domain.MaxLeaseIDLength:
		return domain.NewValidationError("lease_id", "is too long")
	case u.RequestID == "":
		return domain.NewValidationError("request_id", "is required")
	case len(u.RequestID) > domain.MaxRequestIDLength:
		return domain.NewValidationError("request_id", "is too long")
	case u.Tokens <= 0:
		return domain.NewValidationError("tokens", "must be positive")
	case u.CostUSD < 0:
		return domain.NewValidationError("cost_usd", "cannot be negative")
	}
	return nil
}

// AuditFromDomain converts an audit event to its wire form.
func AuditFromDomain(e domain.AuditEvent) AuditEvent {
	return AuditEvent{
		EventID:   e.EventID(),
		RequestID: e.RequestID,
		AgentID:   e.AgentID,
		Stage:     string(e.Stage),
		Decision:  string(e.Decision),
		Reason:    e.Reason,
		Provider:  e.Provider,
		Model:     e.Model,
		Timestamp: e.Timestamp.UnixMilli(),
	}
}

// ToDomain converts a wire audit event.
func (a AuditEvent) ToDomain() domain.AuditEvent {
	return domain.AuditEvent{
		RequestID: a.RequestID,
		AgentID:   a.AgentID,
		Stage:     domain.AuditStage(a.Stage),
		Decision:  domain.AuditDecision(a.Decision),
		Reason:    a.Reason,
		Provider:  a.Provider,
		Model:     a.Model,
		Timestamp: time.UnixMilli(a.Timestamp).UTC(),
	}
}

// StatusFromDomain converts a budget snapshot.
func StatusFromDomain(b domain.Budget) BudgetStatus {
	return BudgetStatus{
		BudgetID:     b.ID,
		AgentID:      b.AgentID,
		Allocated:    b.Allocated.USD(),
		Spent:        b.Spent.USD(),
		Reserved:     b.Reserved.USD(),
		Available:    b.Available().USD(),
		CurrentLease: b.CurrentLease,
	}
}

// Validate applies protocol limits to an audit event.
func (a AuditEvent) Validate() error {
	switch {
	case a.RequestID == "":
		return domain.NewValidationError("request_id", "is required")
	case len(a.RequestID) > domain.MaxRequestIDLength:
		return domain.NewValidationError("request_id", "is too long")
	case a.Stage == "":
		return domain.NewValidationError("stage", "is required")
	case a.Decision == "":
		return domain.NewValidationError("decision", "is required")
	case a.EventID != "" && a.EventID != a.RequestID+":"+a.Stage:
		return domain.NewValidationError("event_id", "does not match request_id and stage")
	}
	return nil
}
