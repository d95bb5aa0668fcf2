package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kailas-cloud/leasegate/internal/db"
	"github.com/kailas-cloud/leasegate/internal/domain"
)

// store is the consumer interface for the ledger (ISP).
type store interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Scan(ctx context.Context, pattern string) ([]string, error)
	EvalInt(ctx context.Context, script string, keys, args []string) (int64, error)
}

// Repo implements usecase/ledger.Repository on a Redis-compatible store.
type Repo struct {
	store    store
	dedupTTL time.Duration
}

// New creates a ledger repository. dedupTTL bounds how long usage request ids are remembered.
func New(s store, dedupTTL time.Duration) *Repo {
	return &Repo{store: s, dedupTTL: dedupTTL}
}

// Budget returns the budget snapshot or domain.ErrBudgetNotFound.
func (r *Repo) Budget(ctx context.Context, budgetID string) (domain.Budget, error) {
	m, err := r.store.HGetAll(ctx, budgetKey(budgetID))
	if err != nil {
		return domain.Budget{}, fmt.Errorf("hgetall budget %s: %w", budgetID, err)
	}
	if len(m) == 0 {
		return domain.Budget{}, domain.ErrBudgetNotFound
	}
	return budgetFromHash(budgetID, m)
}

// ListBudgets returns the ids of every known budget.
func (r *Repo) ListBudgets(ctx context.Context) ([]string, error) {
	keys, err := r.store.Scan(ctx, budgetKey("*"))
	if err != nil {
		return nil, fmt.Errorf("scan budgets: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(budgetPrefix):])
	}
	return ids, nil
}

// Allocate adds amount to the budget's allocation, creating the budget when absent.
func (r *Repo) Allocate(ctx context.Context, budgetID, agentID string, amount domain.Micros) error {
	if err := r.store.HSet(ctx, budgetKey(budgetID), map[string]string{"agent_id": agentID}); err != nil {
		return fmt.Errorf("hset budget %s: %w", budgetID, err)
	}
	if _, err := r.store.HIncrBy(ctx, budgetKey(budgetID), "allocated", int64(amount)); err != nil {
		return fmt.Errorf("allocate budget %s: %w", budgetID, err)
	}
	return nil
}

// Lease returns a lease record or domain.ErrLeaseNotFound.
func (r *Repo) Lease(ctx context.Context, leaseID string) (domain.Lease, error) {
	m, err := r.store.HGetAll(ctx, leaseKey(leaseID))
	if err != nil {
		return domain.Lease{}, fmt.Errorf("hgetall lease %s: %w", leaseID, err)
	}
	if len(m) == 0 {
		return domain.Lease{}, domain.ErrLeaseNotFound
	}
	return leaseFromHash(leaseID, m)
}

// SaveGrant records a new lease, adds its amount to the budget's reservation and
// marks the superseded lease, all in one script call.
func (r *Repo) SaveGrant(ctx context.Context, l domain.Lease) error {
	prev := leaseKey(l.ID)
	if l.Supersedes != "" {
		prev = leaseKey(l.Supersedes)
	}
	keys := []string{budgetKey(l.BudgetID), leaseKey(l.ID), prev}
	args := []string{
		l.ID,
		l.AgentID,
		l.BudgetID,
		l.Granted.Format(),
		strconv.FormatInt(l.CreatedAt.UnixMilli(), 10),
		l.Supersedes,
	}
	if _, err := r.store.EvalInt(ctx, grantScript, keys, args); err != nil {
		return fmt.Errorf("save grant %s: %w", l.ID, err)
	}
	return nil
}

// ReleaseLease returns a superseded lease's unspent grant to its budget and marks it
// released. A lease that is current or already released yields domain.ErrLeaseNotActive.
func (r *Repo) ReleaseLease(ctx context.Context, l domain.Lease) (domain.Micros, error) {
	res, err := r.store.EvalInt(ctx, releaseScript, []string{budgetKey(l.BudgetID), leaseKey(l.ID)}, nil)
	if err != nil {
		return 0, fmt.Errorf("release lease %s: %w", l.ID, err)
	}
	switch {
	case res == releaseLeaseMissing:
		return 0, domain.ErrLeaseNotFound
	case res == releaseNotReleasable:
		return 0, fmt.Errorf("release lease %s: %w", l.ID, domain.ErrLeaseNotActive)
	case res < 0:
		return 0, fmt.Errorf("release lease %s: unexpected script result %d", l.ID, res)
	}
	return domain.Micros(res), nil
}

// ApplyUsage dedups on request id and applies the cost to lease and budget atomically.
// Returns duplicate=true when the request id was already applied.
func (r *Repo) ApplyUsage(ctx context.Context, l domain.Lease, u domain.UsageReport) (bool, error) {
	keys := []string{usageKey(u.RequestID), budgetKey(l.BudgetID), leaseKey(l.ID)}
	args := []string{
		u.Cost.Format(),
		strconv.FormatInt(int64(r.dedupTTL/time.Second), 10),
	}
	res, err := r.store.EvalInt(ctx, usageScript, keys, args)
	if err != nil {
		return false, fmt.Errorf("apply usage %s: %w", u.RequestID, err)
	}
	switch res {
	case usageApplied:
		return false, nil
	case usageDuplicate:
		return true, nil
	case usageLeaseMissing:
		return false, domain.ErrLeaseNotFound
	case usageLeaseReleased:
		return false, fmt.Errorf("apply usage %s: lease %s released: %w", u.RequestID, l.ID, domain.ErrLeaseSuperseded)
	default:
		return false, fmt.Errorf("apply usage %s: unexpected script result %d", u.RequestID, res)
	}
}

// CredentialEpoch returns the minimum acceptable issued-at for an agent's credential.
// Zero time means no epoch has been recorded.
func (r *Repo) CredentialEpoch(ctx context.Context, agentID string) (time.Time, error) {
	data, err := r.store.Get(ctx, epochKey(agentID))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("get epoch %s: %w", agentID, err)
	}
	sec, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse epoch %s: %w", agentID, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

// SetCredentialEpoch records iat as the agent's minimum acceptable issued-at.
func (r *Repo) SetCredentialEpoch(ctx context.Context, agentID string, iat time.Time) error {
	val := strconv.FormatInt(iat.Unix(), 10)
	if err := r.store.Set(ctx, epochKey(agentID), []byte(val)); err != nil {
		return fmt.Errorf("set epoch %s: %w", agentID, err)
	}
	return nil
}
