package ledger

import (
	"fmt"
	"strconv"
	"time"

	"github.com/kailas-cloud/leasegate/internal/domain"
)

// budgetFromHash hydrates a Budget from an HGETALL result map.
func budgetFromHash(id string, m map[string]string) (domain.Budget, error) {
	b := domain.Budget{ID: id, AgentID: m["agent_id"], CurrentLease: m["current_lease"]}
	var err error
	if b.Allocated, err = domain.ParseMicros(m["allocated"]); err != nil {
		return domain.Budget{}, fmt.Errorf("invalid allocated: %w", err)
	}
	if b.Spent, err = domain.ParseMicros(m["spent"]); err != nil {
		return domain.Budget{}, fmt.Errorf("invalid spent: %w", err)
	}
	if b.Reserved, err = domain.ParseMicros(m["reserved"]); err != nil {
		return domain.Budget{}, fmt.Errorf("invalid reserved: %w", err)
	}
	return b, nil
}

// leaseFromHash hydrates a Lease from an HGETALL result map.
func leaseFromHash(id string, m map[string]string) (domain.Lease, error) {
	l := domain.Lease{
		ID:         id,
		AgentID:    m["agent_id"],
		BudgetID:   m["budget_id"],
		Status:     domain.LeaseStatus(m["status"]),
		Supersedes: m["supersedes"],
	}
	var err error
	if l.Granted, err = domain.ParseMicros(m["granted"]); err != nil {
		return domain.Lease{}, fmt.Errorf("invalid granted: %w", err)
	}
	if l.Spent, err = domain.ParseMicros(m["spent"]); err != nil {
		return domain.Lease{}, fmt.Errorf("invalid spent: %w", err)
	}
	if ms := m["created_at"]; ms != "" {
		v, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			return domain.Lease{}, fmt.Errorf("invalid created_at: %w", err)
		}
		l.CreatedAt = time.UnixMilli(v).UTC()
	}
	return l, nil
}
