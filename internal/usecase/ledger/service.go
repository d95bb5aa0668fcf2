package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/metrics"
)

// RefreshRequest asks for a successor to an active lease.
type RefreshRequest struct {
	LeaseID          string
	BudgetID         string
	Requested        domain.Micros
	CurrentRemaining domain.Micros
	TotalSpent       domain.Micros
}

// RefreshResult is the outcome of a refresh. Lease is set only when approved.
type RefreshResult struct {
	Status domain.RefreshStatus
	Lease  domain.Lease
	Reason string
}

// Service is the authoritative budget ledger. Mutations of one budget are serialized.
type Service struct {
	repo   Repository
	locks  *keyedMutex
	logger *zap.Logger
	now    func() time.Time
}

// New creates a ledger service.
func New(repo Repository, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		locks:  newKeyedMutex(),
		logger: logger,
		now:    time.Now,
	}
}

// Grant reserves min(requested, available) for a fresh runtime and makes the new lease current.
// A previous current lease is superseded but keeps its reservation: its runtime may still
// be spending it, and its reports are still accepted.
func (s *Service) Grant(ctx context.Context, claims domain.Claims, requested domain.Micros) (domain.Lease, domain.Budget, error) {
	if requested <= 0 {
		return domain.Lease{}, domain.Budget{}, domain.NewValidationError("requested_budget", "must be positive")
	}

	unlock := s.locks.Lock(claims.BudgetID)
	defer unlock()

	b, err := s.ownedBudget(ctx, claims)
	if err != nil {
		metrics.LedgerGrantsTotal.WithLabelValues("handshake", "error").Inc()
		return domain.Lease{}, domain.Budget{}, err
	}

	if b.Exhausted() {
		metrics.LedgerGrantsTotal.WithLabelValues("handshake", "denied").Inc()
		return domain.Lease{}, domain.Budget{}, fmt.Errorf("budget %s: %w", b.ID, domain.ErrInsufficientBudget)
	}

	l := s.newLease(claims, domain.Min(requested, b.Available()), b.CurrentLease)
	if err := s.repo.SaveGrant(ctx, l); err != nil {
		metrics.LedgerGrantsTotal.WithLabelValues("handshake", "error").Inc()
		return domain.Lease{}, domain.Budget{}, fmt.Errorf("grant lease: %w", err)
	}
	b.Reserved += l.Granted
	b.CurrentLease = l.ID

	metrics.LedgerGrantsTotal.WithLabelValues("handshake", "approved").Inc()
	metrics.LedgerGrantedMicros.Add(float64(l.Granted))
	s.logger.Info("Lease granted",
		zap.String("agent_id", claims.AgentID),
		zap.String("budget_id", b.ID),
		zap.String("lease_id", l.ID),
		zap.String("supersedes", l.Supersedes),
		zap.Stringer("granted_usd", l.Granted),
		zap.Stringer("available_usd", b.Available()),
	)
	return l, b, nil
}

// Refresh replaces the current lease with a new one when allocation remains.
// Exhaustion is a denied result, not an error.
func (s *Service) Refresh(ctx context.Context, claims domain.Claims, req RefreshRequest) (RefreshResult, error) {
	if req.Requested <= 0 {
		return RefreshResult{}, domain.NewValidationError("requested_budget", "must be positive")
	}
	if req.BudgetID != "" && req.BudgetID != claims.BudgetID {
		return RefreshResult{}, domain.ErrLeaseForbidden
	}

	unlock := s.locks.Lock(claims.BudgetID)
	defer unlock()

	prev, err := s.repo.Lease(ctx, req.LeaseID)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("refresh %s: %w", req.LeaseID, err)
	}
	if prev.AgentID != claims.AgentID || prev.BudgetID != claims.BudgetID {
		return RefreshResult{}, domain.ErrLeaseForbidden
	}

	b, err := s.ownedBudget(ctx, claims)
	if err != nil {
		return RefreshResult{}, err
	}
	if b.CurrentLease != prev.ID {
		return RefreshResult{}, domain.ErrLeaseSuperseded
	}

	s.logger.Info("Refresh drift report",
		zap.String("lease_id", prev.ID),
		zap.Stringer("runtime_remaining_usd", req.CurrentRemaining),
		zap.Stringer("runtime_spent_usd", req.TotalSpent),
		zap.Stringer("ledger_spent_usd", b.Spent),
		zap.Stringer("ledger_reserved_usd", b.Reserved),
	)

	if b.Exhausted() {
		metrics.LedgerGrantsTotal.WithLabelValues("refresh", "denied").Inc()
		s.logger.Info("Refresh denied", zap.String("budget_id", b.ID), zap.String("reason", domain.DenyReasonExhausted))
		return RefreshResult{Status: domain.RefreshDenied, Reason: domain.DenyReasonExhausted}, nil
	}

	l := s.newLease(claims, domain.Min(req.Requested, b.Available()), prev.ID)
	if err := s.repo.SaveGrant(ctx, l); err != nil {
		metrics.LedgerGrantsTotal.WithLabelValues("refresh", "error").Inc()
		return RefreshResult{}, fmt.Errorf("refresh grant: %w", err)
	}

	metrics.LedgerGrantsTotal.WithLabelValues("refresh", "approved").Inc()
	metrics.LedgerGrantedMicros.Add(float64(l.Granted))
	s.logger.Info("Lease refreshed",
		zap.String("lease_id", l.ID),
		zap.String("supersedes", prev.ID),
		zap.Stringer("granted_usd", l.Granted),
	)
	return RefreshResult{Status: domain.RefreshApproved, Lease: l}, nil
}

// Report applies a usage report once per request id. Superseded leases still accept
// reports; released ones do not.
func (s *Service) Report(ctx context.Context, u domain.UsageReport) (bool, error) {
	if u.Cost < 0 {
		return false, domain.NewValidationError("cost_usd", "must not be negative")
	}
	l, err := s.repo.Lease(ctx, u.LeaseID)
	if err != nil {
		metrics.LedgerReportsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("report %s: %w", u.RequestID, err)
	}

	dup, err := s.repo.ApplyUsage(ctx, l, u)
	if err != nil {
		metrics.LedgerReportsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("report %s: %w", u.RequestID, err)
	}
	if dup {
		metrics.LedgerReportsTotal.WithLabelValues("duplicate").Inc()
		s.logger.Debug("Duplicate usage report", zap.String("request_id", u.RequestID))
		return true, nil
	}

	metrics.LedgerReportsTotal.WithLabelValues("applied").Inc()
	metrics.LedgerSpentMicros.Add(float64(u.Cost))
	s.logger.Debug("Usage applied",
		zap.String("request_id", u.RequestID),
		zap.String("lease_id", l.ID),
		zap.Int64("tokens", u.Tokens),
		zap.Stringer("cost_usd", u.Cost),
	)
	return false, nil
}

// Release returns the unspent part of a superseded lease to its budget. Only an operator
// who knows the lease's runtime is gone should call it: later reports on the lease are refused.
func (s *Service) Release(ctx context.Context, leaseID string) (domain.Micros, error) {
	if leaseID == "" {
		return 0, domain.NewValidationError("lease_id", "is required")
	}
	l, err := s.repo.Lease(ctx, leaseID)
	if err != nil {
		return 0, fmt.Errorf("release %s: %w", leaseID, err)
	}

	unlock := s.locks.Lock(l.BudgetID)
	defer unlock()

	released, err := s.repo.ReleaseLease(ctx, l)
	if err != nil {
		return 0, fmt.Errorf("release %s: %w", leaseID, err)
	}
	s.logger.Info("Lease released",
		zap.String("lease_id", l.ID),
		zap.String("budget_id", l.BudgetID),
		zap.Stringer("released_usd", released),
	)
	return released, nil
}

// Allocate tops up a budget, creating it when absent.
func (s *Service) Allocate(ctx context.Context, budgetID, agentID string, amount domain.Micros) (domain.Budget, error) {
	if budgetID == "" {
		return domain.Budget{}, domain.NewValidationError("budget_id", "is required")
	}
	if !domain.ValidAgentID(agentID) {
		return domain.Budget{}, domain.NewValidationError("agent_id", "must start with "+domain.AgentIDPrefix)
	}
	if amount <= 0 {
		return domain.Budget{}, domain.NewValidationError("amount", "must be positive")
	}

	unlock := s.locks.Lock(budgetID)
	defer unlock()

	b, err := s.repo.Budget(ctx, budgetID)
	switch {
	case errors.Is(err, domain.ErrBudgetNotFound):
	case err != nil:
		return domain.Budget{}, fmt.Errorf("allocate %s: %w", budgetID, err)
	case b.AgentID != "" && b.AgentID != agentID:
		return domain.Budget{}, domain.ErrLeaseForbidden
	}

	if err := s.repo.Allocate(ctx, budgetID, agentID, amount); err != nil {
		return domain.Budget{}, fmt.Errorf("allocate %s: %w", budgetID, err)
	}
	s.logger.Info("Budget allocated",
		zap.String("budget_id", budgetID),
		zap.String("agent_id", agentID),
		zap.Stringer("amount_usd", amount),
	)
	return s.repo.Budget(ctx, budgetID)
}

// Status returns the budget snapshot.
func (s *Service) Status(ctx context.Context, budgetID string) (domain.Budget, error) {
	b, err := s.repo.Budget(ctx, budgetID)
	if err != nil {
		return domain.Budget{}, fmt.Errorf("status %s: %w", budgetID, err)
	}
	return b, nil
}

// List returns snapshots of every budget.
func (s *Service) List(ctx context.Context) ([]domain.Budget, error) {
	ids, err := s.repo.ListBudgets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	out := make([]domain.Budget, 0, len(ids))
	for _, id := range ids {
		b, err := s.repo.Budget(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list budgets: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}

// ownedBudget loads the credential's budget. A missing budget has nothing to grant.
func (s *Service) ownedBudget(ctx context.Context, claims domain.Claims) (domain.Budget, error) {
	b, err := s.repo.Budget(ctx, claims.BudgetID)
	if err != nil {
		if errors.Is(err, domain.ErrBudgetNotFound) {
			return domain.Budget{}, fmt.Errorf("budget %s: %w", claims.BudgetID, domain.ErrInsufficientBudget)
		}
		return domain.Budget{}, fmt.Errorf("load budget %s: %w", claims.BudgetID, err)
	}
	if b.AgentID != "" && b.AgentID != claims.AgentID {
		return domain.Budget{}, domain.ErrLeaseForbidden
	}
	return b, nil
}

func (s *Service) newLease(claims domain.Claims, granted domain.Micros, supersedes string) domain.Lease {
	return domain.Lease{
		ID:         domain.NewLeaseID(),
		AgentID:    claims.AgentID,
		BudgetID:   claims.BudgetID,
		Granted:    granted,
		Status:     domain.LeaseStatusActive,
		Supersedes: supersedes,
		CreatedAt:  s.now().UTC(),
	}
}
