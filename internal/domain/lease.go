package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// LeaseIDPrefix prefixes every lease id.
const LeaseIDPrefix = "lease_"

// NewLeaseID returns a fresh lease id.
func NewLeaseID() string {
	return LeaseIDPrefix + uuid.NewString()
}

// LeaseStatus is the ledger-side status of a lease.
type LeaseStatus string

const (
	LeaseStatusActive     LeaseStatus = "active"
	LeaseStatusSuperseded LeaseStatus = "superseded"
	// LeaseStatusReleased is a superseded lease whose unspent grant went back to the budget.
	LeaseStatusReleased LeaseStatus = "released"
)

// Lease is the ledger record of a delegation. It is a value snapshot issued from a Budget.
type Lease struct {
	ID         string
	AgentID    string
	BudgetID   string
	Granted    Micros
	Spent      Micros
	Status     LeaseStatus
	Supersedes string
	CreatedAt  time.Time
}

// Budget is the authoritative per-agent spending ceiling.
type Budget struct {
	ID           string
	AgentID      string
	Allocated    Micros
	Spent        Micros
	Reserved     Micros
	CurrentLease string
}

// Available is what can still be granted: allocated minus spent minus outstanding grants.
func (b Budget) Available() Micros {
	return b.Allocated - b.Spent - b.Reserved
}

// Exhausted reports whether nothing can be granted.
func (b Budget) Exhausted() bool {
	return b.Available() <= 0
}

// LeaseState is the runtime-side lease manager state.
type LeaseState string

const (
	LeaseUninitialized LeaseState = "uninitialized"
	LeaseActive        LeaseState = "active"
	LeaseRefreshing    LeaseState = "refreshing"
	LeaseDenied        LeaseState = "denied"
)

// RefreshStatus is the outcome of a refresh request.
type RefreshStatus string

const (
	RefreshApproved RefreshStatus = "approved"
	RefreshDenied   RefreshStatus = "denied"
)

// DenyReasonExhausted is sent when the ledger has no allocation left.
const DenyReasonExhausted = "total_budget_exhausted"

// ValidLeaseID reports whether id has the lease prefix and a sane length.
func ValidLeaseID(id string) bool {
	return strings.HasPrefix(id, LeaseIDPrefix) && len(id) <= MaxLeaseIDLength
}

// Protocol input limits.
const (
	MaxCredentialLength = 2000
	MaxLeaseIDLength    = 100
	MaxRequestIDLength  = 100
)
