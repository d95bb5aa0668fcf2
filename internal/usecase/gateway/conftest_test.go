package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/leasegate/internal/credential"
	"github.com/kailas-cloud/leasegate/internal/crypto"
	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/domain/protocol"
	"github.com/kailas-cloud/leasegate/internal/repository/buffer"
	"github.com/kailas-cloud/leasegate/internal/usecase/lease"
	"github.com/kailas-cloud/leasegate/internal/usecase/reconcile"
	"github.com/kailas-cloud/leasegate/internal/usecase/translate"
)

const (
	testSalt        = "gateway-test-salt"
	testProviderKey = "sk-provider-secret"
)

const testSigningSecret = "0123456789abcdef0123456789abcdef"

// sealingAuthority verifies the credential like the authority does and grants leases
// carrying the provider key sealed for the caller.
type sealingAuthority struct {
	mu         sync.Mutex
	handshakes int
}

func (a *sealingAuthority) Handshake(_ context.Context, req protocol.InitBudgetRequest) (protocol.InitBudgetResponse, error) {
	signer, err := credential.NewSigner(testSigningSecret, "leasegate-authority")
	if err != nil {
		return protocol.InitBudgetResponse{}, err
	}
	if _, err := signer.Verify(req.ICToken); err != nil {
		return protocol.InitBudgetResponse{}, err
	}

	a.mu.Lock()
	a.handshakes++
	leaseID := fmt.Sprintf("lease_%d", a.handshakes)
	a.mu.Unlock()

	key, err := crypto.DeriveLeaseKey([]byte(req.ICToken), []byte(testSalt), leaseID)
	if err != nil {
		return protocol.InitBudgetResponse{}, err
	}
	defer crypto.Zero(key)
	enc, err := crypto.SealLease(key, []byte(testProviderKey))
	if err != nil {
		return protocol.InitBudgetResponse{}, err
	}
	return protocol.InitBudgetResponse{IPToken: enc.String(), BudgetGranted: 10, BudgetRemaining: 90, LeaseID: leaseID}, nil
}

func (a *sealingAuthority) Refresh(context.Context, string, protocol.RefreshRequest) (protocol.RefreshResponse, error) {
	reason := domain.DenyReasonExhausted
	return protocol.RefreshResponse{Status: string(domain.RefreshDenied), Reason: &reason}, nil
}

type fakeSafety struct {
	inputErr  error
	outputErr error
	toolErr   error
}

func (s *fakeSafety) CheckInput(context.Context, string) error             { return s.inputErr }
func (s *fakeSafety) CheckOutput(context.Context, string) error            { return s.outputErr }
func (s *fakeSafety) AuthorizeTool(context.Context, domain.ToolCall) error { return s.toolErr }

type fakeProvider struct {
	name string

	mu    sync.Mutex
	calls int
	keys  []string
	fn    func(ctx context.Context, req domain.CompletionRequest) (domain.CompletionResult, error)
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(ctx context.Context, apiKey string, req domain.CompletionRequest) (domain.CompletionResult, error) {
	p.mu.Lock()
	p.calls++
	p.keys = append(p.keys, apiKey)
	fn := p.fn
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return domain.CompletionResult{Content: "answer", Model: "test-model", TotalTokens: 42}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func failingProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, fn: func(context.Context, domain.CompletionRequest) (domain.CompletionResult, error) {
		return domain.CompletionResult{}, domain.NewDependencyError(domain.DepProvider, errors.New("upstream 503"))
	}}
}

type recordingQueue struct {
	mu     sync.Mutex
	events []reconcile.Event
}

func (q *recordingQueue) Enqueue(ev reconcile.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
}

func (q *recordingQueue) count(kind buffer.Kind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ev := range q.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// defaultModelProvider is a fakeProvider with a configured default model.
type defaultModelProvider struct {
	*fakeProvider
	model string
}

func (p *defaultModelProvider) DefaultModel() string { return p.model }

type fakeTools struct {
	output string
	err    error
	calls  []domain.ToolCall
}

func (f *fakeTools) Execute(_ context.Context, call domain.ToolCall) (string, error) {
	f.calls = append(f.calls, call)
	return f.output, f.err
}

type harness struct {
	svc        *Service
	registry   *lease.Registry
	translator *translate.Service
	queue      *recordingQueue
	tools      *fakeTools
	fatal      int
}

func lookupFor(reg *lease.Registry) translate.LookupFunc {
	return func(cred string) (translate.Lease, bool) {
		m, ok := reg.Lookup(cred)
		if !ok {
			return nil, false
		}
		return m, true
	}
}

func newHarness(t *testing.T, safety Safety, queue Queue, providers ...domain.Provider) *harness {
	t.Helper()
	h := &harness{queue: &recordingQueue{}, tools: &fakeTools{output: "tool output"}}
	if queue == nil {
		queue = h.queue
	}
	h.registry = lease.NewRegistry(&sealingAuthority{}, lease.Config{
		LeaseSalt:       []byte(testSalt),
		RequestedBudget: 10 * domain.MicrosPerUSD,
		RuntimeVersion:  "test",
	}, zap.NewNop())
	t.Cleanup(h.registry.Close)

	h.translator = translate.New(lookupFor(h.registry), func(error) { h.fatal++ }, zap.NewNop())
	h.svc = New(safety, h.registry, h.translator, providers, h.tools,
		NewPricing(nil, 10, 100), queue, Config{AttemptTimeout: time.Second}, zap.NewNop())
	return h
}

func testCredential(t *testing.T, perms ...string) string {
	t.Helper()
	s, err := credential.NewSigner(testSigningSecret, "leasegate-authority")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if len(perms) == 0 {
		perms = []string{domain.PermissionLLMCall, domain.PermissionToolExecute}
	}
	tok, err := s.Issue("agent_1", "budget_1", perms, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

// forgedCredential is well-formed and carries every permission, but is signed with a
// key the authority never issued.
func forgedCredential(t *testing.T) string {
	t.Helper()
	s, err := credential.NewSigner("ffffffffffffffffffffffffffffffff", "leasegate-authority")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	tok, err := s.Issue("agent_evil", "budget_1", []string{domain.PermissionLLMCall, domain.PermissionToolExecute}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (h *harness) remaining(t *testing.T, cred string) domain.Micros {
	t.Helper()
	m, ok := h.registry.Lookup(cred)
	if !ok {
		t.Fatal("no lease for credential")
	}
	return m.Snapshot().Remaining
}
