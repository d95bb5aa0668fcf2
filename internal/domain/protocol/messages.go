// Package protocol defines the budget control wire messages exchanged between
// the runtime and the authority. Field names are part of the interop contract.
package protocol

// InitBudgetRequest is INIT_BUDGET_REQUEST.
type InitBudgetRequest struct {
	ICToken         string   `json:"ic_token"`
	RequestedBudget *float64 `json:"requested_budget,omitempty"`
	RuntimeVersion  string   `json:"runtime_version"`
}

// InitBudgetResponse is INIT_BUDGET_RESPONSE.
type InitBudgetResponse struct {
	IPToken         string  `json:"ip_token"`
	BudgetGranted   float64 `json:"budget_granted"`
	BudgetRemaining float64 `json:"budget_remaining"`
	LeaseID         string  `json:"lease_id"`
}

// UsageReport is BUDGET_USAGE_REPORT.
type UsageReport struct {
	LeaseID   string  `json:"lease_id"`
	RequestID string  `json:"request_id"`
	Tokens    int64   `json:"tokens"`
	CostUSD   float64 `json:"cost_usd"`
	Timestamp int64   `json:"timestamp"` // unix millis
	Model     string  `json:"model,omitempty"`
	Provider  string  `json:"provider,omitempty"`
}

// Ack acknowledges a usage report or audit event. Duplicate is true on replay.
type Ack struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// RefreshRequest is BUDGET_REFRESH_REQUEST.
type RefreshRequest struct {
	LeaseID          string   `json:"lease_id"`
	BudgetID         string   `json:"budget_id"`
	RequestedBudget  *float64 `json:"requested_budget,omitempty"`
	CurrentRemaining float64  `json:"current_remaining"`
	TotalSpent       float64  `json:"total_spent"`
}

// RefreshResponse is BUDGET_REFRESH_RESPONSE.
type RefreshResponse struct {
	Status        string   `json:"status"`
	BudgetGranted *float64 `json:"budget_granted,omitempty"`
	LeaseID       *string  `json:"lease_id,omitempty"`
	Reason        *string  `json:"reason,omitempty"`
}

// AuditEvent is the wire form of an audit record.
type AuditEvent struct {
	EventID   string `json:"event_id"`
	RequestID string `json:"request_id"`
	AgentID   string `json:"agent_id"`
	Stage     string `json:"stage"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// BudgetStatus is the informative budget snapshot.
type BudgetStatus struct {
	BudgetID     string  `json:"budget_id"`
	AgentID      string  `json:"agent_id"`
	Allocated    float64 `json:"total_allocated"`
	Spent        float64 `json:"total_spent"`
	Reserved     float64 `json:"reserved"`
	Available    float64 `json:"budget_remaining"`
	CurrentLease string  `json:"current_lease_id,omitempty"`
}

// ErrorResponse is the error body on both HTTP surfaces.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
