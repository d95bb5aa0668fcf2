package ledger

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/leasegate/internal/domain"
)

// memRepo is an in-memory Repository with the same atomic semantics as the Redis scripts.
type memRepo struct {
	mu      sync.Mutex
	budgets map[string]domain.Budget
	leases  map[string]domain.Lease
	applied map[string]bool

	saveErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		budgets: make(map[string]domain.Budget),
		leases:  make(map[string]domain.Lease),
		applied: make(map[string]bool),
	}
}

func (m *memRepo) Budget(_ context.Context, id string) (domain.Budget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[id]
	if !ok {
		return domain.Budget{}, domain.ErrBudgetNotFound
	}
	return b, nil
}

func (m *memRepo) ListBudgets(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.budgets))
	for id := range m.budgets {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memRepo) Allocate(_ context.Context, budgetID, agentID string, amount domain.Micros) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.budgets[budgetID]
	b.ID = budgetID
	b.AgentID = agentID
	b.Allocated += amount
	m.budgets[budgetID] = b
	return nil
}

func (m *memRepo) Lease(_ context.Context, id string) (domain.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[id]
	if !ok {
		return domain.Lease{}, domain.ErrLeaseNotFound
	}
	return l, nil
}

func (m *memRepo) SaveGrant(_ context.Context, l domain.Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.leases[l.ID] = l
	b := m.budgets[l.BudgetID]
	b.Reserved += l.Granted
	b.CurrentLease = l.ID
	m.budgets[l.BudgetID] = b
	if l.Supersedes != "" {
		prev := m.leases[l.Supersedes]
		prev.Status = domain.LeaseStatusSuperseded
		m.leases[l.Supersedes] = prev
	}
	return nil
}

func (m *memRepo) ApplyUsage(_ context.Context, l domain.Lease, u domain.UsageReport) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.leases[l.ID]
	if !ok {
		return false, domain.ErrLeaseNotFound
	}
	if stored.Status == domain.LeaseStatusReleased {
		return false, domain.ErrLeaseSuperseded
	}
	if m.applied[u.RequestID] {
		return true, nil
	}
	m.applied[u.RequestID] = true

	b := m.budgets[l.BudgetID]
	b.Spent += u.Cost
	b.Reserved -= domain.Min(u.Cost, b.Reserved)
	m.budgets[l.BudgetID] = b

	stored.Spent += u.Cost
	m.leases[l.ID] = stored
	return false, nil
}

func (m *memRepo) ReleaseLease(_ context.Context, l domain.Lease) (domain.Micros, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.leases[l.ID]
	if !ok {
		return 0, domain.ErrLeaseNotFound
	}
	if stored.Status != domain.LeaseStatusSuperseded {
		return 0, domain.ErrLeaseNotActive
	}
	b := m.budgets[stored.BudgetID]
	released := domain.Min(max(stored.Granted-stored.Spent, 0), b.Reserved)
	b.Reserved -= released
	m.budgets[stored.BudgetID] = b
	stored.Status = domain.LeaseStatusReleased
	m.leases[l.ID] = stored
	return released, nil
}

func testClaims() domain.Claims {
	return domain.Claims{AgentID: "agent_1", BudgetID: "budget_1", Permissions: []string{domain.PermissionLLMCall}}
}

func newTestService(t *testing.T, allocated domain.Micros) (*Service, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	if allocated > 0 {
		_ = repo.Allocate(context.Background(), "budget_1", "agent_1", allocated)
	}
	return New(repo, zap.NewNop()), repo
}
