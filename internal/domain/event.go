package domain

import "time"

// UsageReport is the immutable record of one completed provider call.
// RequestID is the idempotency key.
type UsageReport struct {
	RequestID string
	LeaseID   string
	Tokens    int64
	Cost      Micros
	Model     string
	Provider  string
	Timestamp time.Time
}

// AuditStage names the pipeline point an audit event describes.
type AuditStage string

const (
	StageInput    AuditStage = "input"
	StageBudget   AuditStage = "budget"
	StageProvider AuditStage = "provider"
	StageOutput   AuditStage = "output"
	StageTool     AuditStage = "tool"
)

// AuditDecision is the outcome recorded for a stage.
type AuditDecision string

const (
	DecisionAllow AuditDecision = "allow"
	DecisionDeny  AuditDecision = "deny"
	DecisionError AuditDecision = "error"
)

// AuditEvent never carries prompt or response bodies or credentials.
type AuditEvent struct {
	RequestID string
	AgentID   string
	Stage     AuditStage
	Decision  AuditDecision
	Reason    string
	Provider  string
	Model     string
	Timestamp time.Time
}

// EventID is the dedup key for an audit event.
func (e AuditEvent) EventID() string {
	return e.RequestID + ":" + string(e.Stage)
}
