package vault

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/leasegate/internal/crypto"
	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/secret"
	"github.com/kailas-cloud/leasegate/internal/usecase/ledger"
)

// Config holds vault parameters.
type Config struct {
	LeaseSalt    []byte
	Provider     string
	DefaultGrant domain.Micros
	MaxGrant     domain.Micros
}

// Grant is a handshake result: the lease plus the provider key sealed for it.
type Grant struct {
	Lease     domain.Lease
	Token     crypto.EncryptedLease
	Available domain.Micros
}

// Service is the authority's credential vault.
type Service struct {
	signer Signer
	ledger Ledger
	epochs EpochStore
	keys   KeyStore
	master Sealer
	cfg    Config
	logger *zap.Logger
}

// New creates a vault service.
func New(signer Signer, l Ledger, epochs EpochStore, keys KeyStore, master Sealer, cfg Config, logger *zap.Logger) (*Service, error) {
	if len(cfg.LeaseSalt) == 0 {
		return nil, fmt.Errorf("vault: lease salt is required")
	}
	if cfg.Provider == "" {
		return nil, fmt.Errorf("vault: provider is required")
	}
	if cfg.DefaultGrant <= 0 || cfg.MaxGrant < cfg.DefaultGrant {
		return nil, fmt.Errorf("vault: invalid grant bounds default=%s max=%s", cfg.DefaultGrant, cfg.MaxGrant)
	}
	return &Service{
		signer: signer,
		ledger: l,
		epochs: epochs,
		keys:   keys,
		master: master,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// GrantLease verifies the credential, reserves budget and returns the provider key
// sealed under a key derived from the credential and the new lease id.
// requested nil means the configured default.
func (s *Service) GrantLease(ctx context.Context, credential string, requested *domain.Micros) (Grant, error) {
	claims, err := s.Authenticate(ctx, credential)
	if err != nil {
		return Grant{}, err
	}

	amount := s.cfg.DefaultGrant
	if requested != nil {
		amount = *requested
	}
	if amount <= 0 || amount > s.cfg.MaxGrant {
		return Grant{}, domain.NewValidationError("requested_budget", "must be > 0 and <= "+s.cfg.MaxGrant.String())
	}

	sealed, err := s.keys.Get(ctx, s.cfg.Provider)
	if err != nil {
		return Grant{}, fmt.Errorf("load provider key: %w", err)
	}

	lease, budget, err := s.ledger.Grant(ctx, claims, amount)
	if err != nil {
		return Grant{}, fmt.Errorf("grant: %w", err)
	}

	token, err := s.sealForLease(credential, lease.ID, sealed)
	if err != nil {
		return Grant{}, err
	}

	s.logger.Info("Handshake completed",
		zap.String("agent_id", claims.AgentID),
		zap.String("lease_id", lease.ID),
		zap.Stringer("granted_usd", lease.Granted),
	)
	return Grant{Lease: lease, Token: token, Available: budget.Available()}, nil
}

// sealForLease opens the at-rest key into locked memory and re-seals it for the lease.
func (s *Service) sealForLease(credential, leaseID string, sealed []byte) (crypto.EncryptedLease, error) {
	plaintext, err := s.master.Open(sealed)
	if err != nil {
		return crypto.EncryptedLease{}, fmt.Errorf("open provider key: %w", err)
	}
	buf, err := secret.NewFromBytes(plaintext)
	if err != nil {
		crypto.Zero(plaintext)
		return crypto.EncryptedLease{}, fmt.Errorf("lock provider key: %w", err)
	}
	defer buf.Close()

	key, err := crypto.DeriveLeaseKey([]byte(credential), s.cfg.LeaseSalt, leaseID)
	if err != nil {
		return crypto.EncryptedLease{}, fmt.Errorf("derive lease key: %w", err)
	}
	defer crypto.Zero(key)

	var token crypto.EncryptedLease
	err = buf.Use(func(pk []byte) error {
		var sealErr error
		token, sealErr = crypto.SealLease(key, pk)
		return sealErr
	})
	if err != nil {
		return crypto.EncryptedLease{}, fmt.Errorf("seal lease: %w", err)
	}
	return token, nil
}

// Refresh verifies the credential and asks the ledger for a successor lease.
// A zero request means the default grant; larger requests are clamped to the maximum.
func (s *Service) Refresh(ctx context.Context, credential string, req ledger.RefreshRequest) (ledger.RefreshResult, error) {
	claims, err := s.Authenticate(ctx, credential)
	if err != nil {
		return ledger.RefreshResult{}, err
	}
	if req.Requested == 0 {
		req.Requested = s.cfg.DefaultGrant
	}
	if req.Requested > s.cfg.MaxGrant {
		req.Requested = s.cfg.MaxGrant
	}
	res, err := s.ledger.Refresh(ctx, claims, req)
	if err != nil {
		return ledger.RefreshResult{}, fmt.Errorf("refresh: %w", err)
	}
	return res, nil
}

// Status returns the caller's own budget snapshot.
func (s *Service) Status(ctx context.Context, credential, budgetID string) (domain.Budget, error) {
	claims, err := s.Authenticate(ctx, credential)
	if err != nil {
		return domain.Budget{}, err
	}
	if budgetID != claims.BudgetID {
		return domain.Budget{}, domain.ErrLeaseForbidden
	}
	return s.ledger.Status(ctx, budgetID)
}

// Authenticate verifies signature, issuer, expiry and the agent's credential epoch.
func (s *Service) Authenticate(ctx context.Context, credential string) (domain.Claims, error) {
	claims, err := s.signer.Verify(credential)
	if err != nil {
		return domain.Claims{}, err
	}
	epoch, err := s.epochs.CredentialEpoch(ctx, claims.AgentID)
	if err != nil {
		return domain.Claims{}, fmt.Errorf("load credential epoch: %w", err)
	}
	if claims.IssuedAt.Before(epoch) {
		return domain.Claims{}, fmt.Errorf("%w: superseded by a newer credential", domain.ErrInvalidCredential)
	}
	return claims, nil
}

// IssueCredential signs a new credential and makes it the only valid one for the agent.
func (s *Service) IssueCredential(ctx context.Context, agentID, budgetID string, permissions []string, ttl time.Duration) (string, domain.Claims, error) {
	token, err := s.signer.Issue(agentID, budgetID, permissions, ttl)
	if err != nil {
		return "", domain.Claims{}, fmt.Errorf("issue credential: %w", err)
	}
	claims, err := s.signer.Verify(token)
	if err != nil {
		return "", domain.Claims{}, fmt.Errorf("verify issued credential: %w", err)
	}
	if err := s.epochs.SetCredentialEpoch(ctx, agentID, claims.IssuedAt); err != nil {
		return "", domain.Claims{}, fmt.Errorf("record credential epoch: %w", err)
	}
	s.logger.Info("Credential issued",
		zap.String("agent_id", agentID),
		zap.String("budget_id", budgetID),
		zap.Time("expires_at", claims.ExpiresAt),
	)
	return token, claims, nil
}

// SeedProviderKeys seals plaintext provider keys and stores them. The input map is cleared.
func (s *Service) SeedProviderKeys(ctx context.Context, keys map[string]string) error {
	for provider, key := range keys {
		if key == "" {
			continue
		}
		pt := []byte(key)
		sealed, err := s.master.Seal(pt)
		crypto.Zero(pt)
		if err != nil {
			return fmt.Errorf("seal provider key %s: %w", provider, err)
		}
		if err := s.keys.Put(ctx, provider, sealed); err != nil {
			return fmt.Errorf("store provider key %s: %w", provider, err)
		}
		delete(keys, provider)
		s.logger.Info("Provider key sealed", zap.String("provider", provider))
	}
	return nil
}
