package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/leasegate/internal/credential"
	"github.com/kailas-cloud/leasegate/internal/crypto"
	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/domain/protocol"
)

const (
	testSalt        = "test-lease-salt"
	testProviderKey = "sk-provider-secret"
)

// fakeAuthority seals the provider key the way the authority does and counts calls.
type fakeAuthority struct {
	mu         sync.Mutex
	salt       []byte
	handshakes int
	refreshes  int
	refreshReq []protocol.RefreshRequest
	nextLease  int

	handshakeErr error
	badToken     bool
	// release, when set, blocks Refresh until closed.
	release   chan struct{}
	refreshFn func(req protocol.RefreshRequest) (protocol.RefreshResponse, error)
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{salt: []byte(testSalt)}
}

func (f *fakeAuthority) Handshake(_ context.Context, req protocol.InitBudgetRequest) (protocol.InitBudgetResponse, error) {
	f.mu.Lock()
	f.handshakes++
	f.nextLease++
	leaseID := fmt.Sprintf("lease_%d", f.nextLease)
	err, bad := f.handshakeErr, f.badToken
	f.mu.Unlock()

	if err != nil {
		return protocol.InitBudgetResponse{}, err
	}

	salt := f.salt
	if bad {
		salt = []byte("some-other-salt")
	}
	key, kerr := crypto.DeriveLeaseKey([]byte(req.ICToken), salt, leaseID)
	if kerr != nil {
		return protocol.InitBudgetResponse{}, kerr
	}
	defer crypto.Zero(key)
	enc, serr := crypto.SealLease(key, []byte(testProviderKey))
	if serr != nil {
		return protocol.InitBudgetResponse{}, serr
	}

	granted := 10.0
	if req.RequestedBudget != nil {
		granted = *req.RequestedBudget
	}
	return protocol.InitBudgetResponse{
		IPToken:         enc.String(),
		BudgetGranted:   granted,
		BudgetRemaining: 100 - granted,
		LeaseID:         leaseID,
	}, nil
}

func (f *fakeAuthority) Refresh(_ context.Context, _ string, req protocol.RefreshRequest) (protocol.RefreshResponse, error) {
	f.mu.Lock()
	f.refreshes++
	f.refreshReq = append(f.refreshReq, req)
	release, fn := f.release, f.refreshFn
	f.mu.Unlock()

	if release != nil {
		<-release
	}
	if fn != nil {
		return fn(req)
	}
	return approve("lease_next", 10), nil
}

func (f *fakeAuthority) counts() (handshakes, refreshes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshakes, f.refreshes
}

func approve(leaseID string, granted float64) protocol.RefreshResponse {
	return protocol.RefreshResponse{
		Status:        string(domain.RefreshApproved),
		BudgetGranted: &granted,
		LeaseID:       &leaseID,
	}
}

func deny(reason string) protocol.RefreshResponse {
	return protocol.RefreshResponse{Status: string(domain.RefreshDenied), Reason: &reason}
}

var errUnreachable = errors.New("connection refused")

func testCredential(t *testing.T, agentID string) string {
	t.Helper()
	s, err := credential.NewSigner("0123456789abcdef0123456789abcdef", "leasegate-authority")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	tok, err := s.Issue(agentID, "budget_"+agentID, []string{domain.PermissionLLMCall}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func testConfig() Config {
	return Config{
		LeaseSalt:       []byte(testSalt),
		RequestedBudget: 10 * domain.MicrosPerUSD,
		RefreshBudget:   10 * domain.MicrosPerUSD,
		LowWater:        1 * domain.MicrosPerUSD,
		RuntimeVersion:  "test",
	}
}

func newActiveManager(t *testing.T, auth *fakeAuthority, cfg Config, logger *zap.Logger) *Manager {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	m, err := NewManager(testCredential(t, "agent_1"), auth, cfg, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}
