// Package credential issues and verifies agent credentials (HS256 JWTs).
package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kailas-cloud/leasegate/internal/domain"
)

// DefaultTTL is the lifetime of a freshly issued credential.
const DefaultTTL = 24 * time.Hour

const (
	claimAgentID     = "agent_id"
	claimBudgetID    = "budget_id"
	claimPermissions = "permissions"
)

// Signer issues and verifies credentials with a shared secret.
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewSigner creates a Signer. issuer is embedded in and required on every token.
func NewSigner(secret, issuer string) (*Signer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("credential: signing secret must be at least 32 bytes")
	}
	if issuer == "" {
		return nil, fmt.Errorf("credential: issuer is required")
	}
	return &Signer{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// WithClock overrides the time source (tests).
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Issue signs a credential for agentID. ttl <= 0 means DefaultTTL.
func (s *Signer) Issue(agentID, budgetID string, permissions []string, ttl time.Duration) (string, error) {
	if !domain.ValidAgentID(agentID) {
		return "", fmt.Errorf("credential: agent id %q must start with %q", agentID, domain.AgentIDPrefix)
	}
	if budgetID == "" {
		return "", fmt.Errorf("credential: budget id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now().UTC().Truncate(time.Second)

	tok, err := jwt.NewBuilder().
		Issuer(s.issuer).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Claim(claimAgentID, agentID).
		Claim(claimBudgetID, budgetID).
		Claim(claimPermissions, permissions).
		Build()
	if err != nil {
		return "", fmt.Errorf("credential: build: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("credential: sign: %w", err)
	}
	return string(signed), nil
}

// Verify checks signature, issuer and expiry and returns the claims.
// Every failure wraps domain.ErrInvalidCredential.
func (s *Signer) Verify(raw string) (domain.Claims, error) {
	if raw == "" || len(raw) > domain.MaxCredentialLength {
		return domain.Claims{}, fmt.Errorf("credential: bad length: %w", domain.ErrInvalidCredential)
	}
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithIssuer(s.issuer),
		jwt.WithValidate(true),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
		jwt.WithClock(jwt.ClockFunc(s.now)),
	)
	if err != nil {
		return domain.Claims{}, fmt.Errorf("credential: %s: %w", reason(err), domain.ErrInvalidCredential)
	}
	claims, err := fromToken(tok)
	if err != nil {
		return domain.Claims{}, err
	}
	return claims, nil
}

// ParseUnverified extracts claims without checking the signature. The runtime
// uses it for routing and permission hints only; the authority always verifies.
func ParseUnverified(raw string) (domain.Claims, error) {
	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return domain.Claims{}, fmt.Errorf("credential: parse: %w", domain.ErrInvalidCredential)
	}
	return fromToken(tok)
}

func fromToken(tok jwt.Token) (domain.Claims, error) {
	agentID := stringClaim(tok, claimAgentID)
	if !domain.ValidAgentID(agentID) {
		return domain.Claims{}, fmt.Errorf("credential: agent_id format: %w", domain.ErrInvalidCredential)
	}
	budgetID := stringClaim(tok, claimBudgetID)
	if budgetID == "" {
		return domain.Claims{}, fmt.Errorf("credential: budget_id missing: %w", domain.ErrInvalidCredential)
	}
	return domain.Claims{
		AgentID:     agentID,
		BudgetID:    budgetID,
		Issuer:      tok.Issuer(),
		IssuedAt:    tok.IssuedAt(),
		ExpiresAt:   tok.Expiration(),
		Permissions: stringsClaim(tok, claimPermissions),
	}, nil
}

func stringClaim(tok jwt.Token, name string) string {
	v, ok := tok.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func stringsClaim(tok jwt.Token, name string) []string {
	v, ok := tok.Get(name)
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// reason maps jwx validation errors to a short, credential-free description.
func reason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired()):
		return "expired"
	case errors.Is(err, jwt.ErrInvalidIssuer()):
		return "wrong issuer"
	case errors.Is(err, jwt.ErrTokenNotYetValid()):
		return "not yet valid"
	default:
		return "verification failed"
	}
}
