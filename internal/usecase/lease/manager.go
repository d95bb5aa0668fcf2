// Package lease holds the runtime side of budget delegation: one Manager per
// agent credential tracking the local lease balance and the decrypted provider key.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kailas-cloud/leasegate/internal/credential"
	"github.com/kailas-cloud/leasegate/internal/crypto"
	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/domain/protocol"
	"github.com/kailas-cloud/leasegate/internal/metrics"
	"github.com/kailas-cloud/leasegate/internal/secret"
)

// Config holds lease manager parameters.
type Config struct {
	LeaseSalt       []byte
	RequestedBudget domain.Micros
	RefreshBudget   domain.Micros
	LowWater        domain.Micros
	RuntimeVersion  string
}

// Reservation is budget held for one in-flight request.
type Reservation struct {
	Amount  domain.Micros
	LeaseID string

	settled bool
}

// Snapshot is a read-only view of a manager.
type Snapshot struct {
	AgentID   string
	BudgetID  string
	State     domain.LeaseState
	LeaseID   string
	Remaining domain.Micros
	Spent     domain.Micros
}

// Manager owns one agent's lease. All balance changes happen under mu.
type Manager struct {
	credential string
	claims     domain.Claims
	authority  Authority
	cfg        Config
	logger     *zap.Logger

	mu          sync.Mutex
	state       domain.LeaseState
	leaseID     string
	remaining   domain.Micros
	spent       domain.Micros
	key         *secret.Buffer
	refreshDone chan struct{}

	sf singleflight.Group
}

// NewManager creates an uninitialized manager for credential. Claims are parsed
// without verification; the authority verifies them.
func NewManager(cred string, authority Authority, cfg Config, logger *zap.Logger) (*Manager, error) {
	if len(cfg.LeaseSalt) == 0 {
		return nil, fmt.Errorf("lease: salt is required")
	}
	claims, err := credential.ParseUnverified(cred)
	if err != nil {
		return nil, err
	}
	return &Manager{
		credential: cred,
		claims:     claims,
		authority:  authority,
		cfg:        cfg,
		logger:     logger.With(zap.String("agent_id", claims.AgentID)),
		state:      domain.LeaseUninitialized,
	}, nil
}

// Claims returns the unverified credential claims.
func (m *Manager) Claims() domain.Claims { return m.claims }

// Handshake obtains the initial lease and decrypts the provider key.
// Concurrent callers share one authority call.
func (m *Manager) Handshake(ctx context.Context) error {
	_, err, _ := m.sf.Do("handshake", func() (any, error) {
		return nil, m.handshake(ctx)
	})
	return err
}

func (m *Manager) handshake(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	switch state {
	case domain.LeaseActive, domain.LeaseRefreshing:
		return nil
	case domain.LeaseDenied:
		return domain.ErrBudgetDenied
	}

	req := protocol.InitBudgetRequest{ICToken: m.credential, RuntimeVersion: m.cfg.RuntimeVersion}
	if m.cfg.RequestedBudget > 0 {
		usd := m.cfg.RequestedBudget.USD()
		req.RequestedBudget = &usd
	}
	resp, err := m.authority.Handshake(ctx, req)
	if err != nil {
		return fmt.Errorf("lease handshake: %w", err)
	}

	buf, err := m.openProviderKey(resp.LeaseID, resp.IPToken)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.key != nil {
		_ = m.key.Close()
	}
	m.key = buf
	m.leaseID = resp.LeaseID
	m.remaining = domain.MicrosFromUSD(resp.BudgetGranted)
	m.spent = 0
	m.state = domain.LeaseActive
	remaining := m.remaining
	m.mu.Unlock()

	metrics.LeaseRemainingMicros.WithLabelValues(m.claims.AgentID).Set(float64(remaining))
	m.logger.Info("lease acquired",
		zap.String("lease_id", resp.LeaseID),
		zap.Stringer("granted", remaining),
		zap.Float64("budget_remaining", resp.BudgetRemaining),
	)
	return nil
}

// openProviderKey derives the lease key, decrypts ip_token into locked memory
// and zeroes every intermediate copy.
func (m *Manager) openProviderKey(leaseID, ipToken string) (*secret.Buffer, error) {
	enc, err := crypto.ParseEncryptedLease(ipToken)
	if err != nil {
		return nil, fmt.Errorf("lease %s: %w: %w", leaseID, domain.ErrTranslationFailed, err)
	}
	key, err := crypto.DeriveLeaseKey([]byte(m.credential), m.cfg.LeaseSalt, leaseID)
	if err != nil {
		return nil, fmt.Errorf("lease %s: %w: %w", leaseID, domain.ErrTranslationFailed, err)
	}
	plain, err := crypto.OpenLease(key, enc)
	crypto.Zero(key)
	if err != nil {
		return nil, fmt.Errorf("lease %s: %w: %w", leaseID, domain.ErrTranslationFailed, err)
	}
	buf, err := secret.NewFromBytes(plain)
	if err != nil {
		crypto.Zero(plain)
		return nil, fmt.Errorf("lease %s: %w: %w", leaseID, domain.ErrTranslationFailed, err)
	}
	return buf, nil
}

// Reserve holds estimate against the local balance. It never calls the authority.
func (m *Manager) Reserve(ctx context.Context, estimate domain.Micros) (*Reservation, error) {
	if estimate < 0 {
		return nil, domain.NewValidationError("estimate", "cannot be negative")
	}

	m.mu.Lock()
	for m.state == domain.LeaseRefreshing {
		done := m.refreshDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.Lock()
	}
	defer m.mu.Unlock()

	switch m.state {
	case domain.LeaseDenied:
		metrics.ReservationsTotal.WithLabelValues("denied").Inc()
		return nil, domain.ErrBudgetDenied
	case domain.LeaseUninitialized:
		return nil, domain.ErrLeaseNotActive
	}

	if m.remaining < estimate {
		metrics.ReservationsTotal.WithLabelValues("exceeded").Inc()
		return nil, fmt.Errorf("need %s, have %s: %w", estimate, m.remaining, domain.ErrBudgetExceededLocally)
	}

	m.remaining -= estimate
	metrics.ReservationsTotal.WithLabelValues("ok").Inc()
	metrics.LeaseRemainingMicros.WithLabelValues(m.claims.AgentID).Set(float64(m.remaining))
	return &Reservation{Amount: estimate, LeaseID: m.leaseID}, nil
}

// Commit settles r at the actual cost. Falling under the low-water mark triggers
// a refresh that this caller waits for; its error is returned to this caller only.
func (m *Manager) Commit(ctx context.Context, r *Reservation, actual domain.Micros) error {
	m.mu.Lock()
	if r == nil || r.settled {
		m.mu.Unlock()
		return nil
	}
	r.settled = true

	m.remaining += r.Amount - actual
	if m.remaining < 0 {
		m.logger.Warn("lease overrun clamped",
			zap.Stringer("estimate", r.Amount),
			zap.Stringer("actual", actual),
			zap.Stringer("overrun", -m.remaining),
		)
		m.remaining = 0
	}
	m.spent += actual
	remaining := m.remaining
	needRefresh := m.state == domain.LeaseActive && remaining < m.cfg.LowWater
	m.mu.Unlock()

	metrics.LeaseRemainingMicros.WithLabelValues(m.claims.AgentID).Set(float64(remaining))

	if needRefresh {
		return m.Refresh(ctx)
	}
	return nil
}

// Refund returns r's estimate. Safe to call more than once.
func (m *Manager) Refund(r *Reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r == nil || r.settled {
		return
	}
	r.settled = true
	if m.state == domain.LeaseUninitialized {
		return
	}
	m.remaining += r.Amount
	metrics.LeaseRemainingMicros.WithLabelValues(m.claims.AgentID).Set(float64(m.remaining))
}

// Refresh asks the authority for more budget. Concurrent triggers share one call.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.sf.Do("refresh", func() (any, error) {
		return nil, m.refresh(ctx)
	})
	return err
}

func (m *Manager) refresh(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case domain.LeaseDenied:
		m.mu.Unlock()
		return domain.ErrBudgetDenied
	case domain.LeaseUninitialized:
		m.mu.Unlock()
		return domain.ErrLeaseNotActive
	}
	m.state = domain.LeaseRefreshing
	m.refreshDone = make(chan struct{})
	req := protocol.RefreshRequest{
		LeaseID:          m.leaseID,
		BudgetID:         m.claims.BudgetID,
		CurrentRemaining: m.remaining.USD(),
		TotalSpent:       m.spent.USD(),
	}
	if m.cfg.RefreshBudget > 0 {
		usd := m.cfg.RefreshBudget.USD()
		req.RequestedBudget = &usd
	}
	m.mu.Unlock()

	resp, err := m.authority.Refresh(ctx, m.credential, req)

	m.mu.Lock()
	defer func() {
		close(m.refreshDone)
		metrics.LeaseRemainingMicros.WithLabelValues(m.claims.AgentID).Set(float64(m.remaining))
		m.mu.Unlock()
	}()

	if m.state != domain.LeaseRefreshing {
		// Closed while the call was in flight.
		return domain.ErrLeaseNotActive
	}

	if errors.Is(err, domain.ErrLeaseSuperseded) {
		// Another runtime holds the budget now; stop spending the local remainder.
		m.state = domain.LeaseDenied
		m.remaining = 0
		m.closeKeyLocked()
		metrics.LeaseRefreshTotal.WithLabelValues("superseded").Inc()
		m.logger.Warn("lease superseded", zap.String("lease_id", req.LeaseID))
		return fmt.Errorf("lease %s superseded: %w", req.LeaseID, errors.Join(domain.ErrBudgetDenied, err))
	}
	if err != nil {
		m.state = domain.LeaseActive
		metrics.LeaseRefreshTotal.WithLabelValues("error").Inc()
		m.logger.Warn("lease refresh failed", zap.String("lease_id", req.LeaseID), zap.Error(err))
		return fmt.Errorf("refresh lease %s: %w", req.LeaseID, err)
	}

	switch domain.RefreshStatus(resp.Status) {
	case domain.RefreshApproved:
		if resp.LeaseID == nil || resp.BudgetGranted == nil {
			m.state = domain.LeaseActive
			metrics.LeaseRefreshTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("refresh lease %s: approval without lease: %w", req.LeaseID, domain.ErrValidation)
		}
		granted := domain.MicrosFromUSD(*resp.BudgetGranted)
		m.leaseID = *resp.LeaseID
		m.remaining += granted
		m.state = domain.LeaseActive
		metrics.LeaseRefreshTotal.WithLabelValues("approved").Inc()
		m.logger.Info("lease refreshed",
			zap.String("previous_lease_id", req.LeaseID),
			zap.String("lease_id", m.leaseID),
			zap.Stringer("granted", granted),
			zap.Stringer("remaining", m.remaining),
		)
		return nil

	case domain.RefreshDenied:
		reason := ""
		if resp.Reason != nil {
			reason = *resp.Reason
		}
		m.state = domain.LeaseDenied
		m.closeKeyLocked()
		metrics.LeaseRefreshTotal.WithLabelValues("denied").Inc()
		m.logger.Warn("lease denied", zap.String("lease_id", req.LeaseID), zap.String("reason", reason))
		return fmt.Errorf("%s: %w", reason, domain.ErrBudgetDenied)

	default:
		m.state = domain.LeaseActive
		metrics.LeaseRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("refresh lease %s: unexpected status %q: %w", req.LeaseID, resp.Status, domain.ErrValidation)
	}
}

// WithCredential lends the decrypted provider key to fn for a single call.
// The key is copied out of the locked buffer so concurrent calls do not serialize.
func (m *Manager) WithCredential(fn func(apiKey string) error) error {
	m.mu.Lock()
	state, key := m.state, m.key
	m.mu.Unlock()

	if state == domain.LeaseDenied {
		return domain.ErrBudgetDenied
	}
	if (state != domain.LeaseActive && state != domain.LeaseRefreshing) || key == nil {
		return fmt.Errorf("no active lease: %w", domain.ErrTranslationFailed)
	}

	var apiKey string
	err := key.Use(func(b []byte) error {
		apiKey = string(b)
		return nil
	})
	if err != nil {
		if errors.Is(err, secret.ErrClosed) && m.State() == domain.LeaseDenied {
			return domain.ErrBudgetDenied
		}
		return fmt.Errorf("read provider key: %w", domain.ErrTranslationFailed)
	}
	return fn(apiKey)
}

// State returns the current state.
func (m *Manager) State() domain.LeaseState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current lease view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		AgentID:   m.claims.AgentID,
		BudgetID:  m.claims.BudgetID,
		State:     m.state,
		LeaseID:   m.leaseID,
		Remaining: m.remaining,
		Spent:     m.spent,
	}
}

// Close zeroes the key and returns the manager to Uninitialized.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeKeyLocked()
	m.state = domain.LeaseUninitialized
	m.leaseID = ""
	m.remaining = 0
	m.spent = 0
}

func (m *Manager) closeKeyLocked() {
	if m.key == nil {
		return
	}
	if err := m.key.Close(); err != nil {
		m.logger.Warn("close provider key", zap.Error(err))
	}
	m.key = nil
}
