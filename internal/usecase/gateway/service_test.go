package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/repository/buffer"
	"github.com/kailas-cloud/leasegate/internal/usecase/reconcile"
	"github.com/kailas-cloud/leasegate/internal/usecase/safety"
	"github.com/kailas-cloud/leasegate/internal/usecase/translate"
)

func TestComplete_Success(t *testing.T) {
	p := &fakeProvider{name: "primary"}
	h := newHarness(t, &fakeSafety{}, nil, p)
	cred := testCredential(t)

	resp, err := h.svc.Complete(context.Background(), CompletionRequest{Credential: cred, Prompt: "hello", MaxTokens: 100})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "answer" || resp.Provider != "primary" || resp.TotalTokens != 42 {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Cost != 420 {
		t.Errorf("cost = %d, want 420", resp.Cost)
	}
	if got := h.remaining(t, cred); got != 10_000_000-420 {
		t.Errorf("remaining = %s", got)
	}
	if len(p.keys) != 1 || p.keys[0] != testProviderKey {
		t.Error("provider did not receive the lease key")
	}
	if h.queue.count(buffer.KindUsage) != 1 || h.queue.count(buffer.KindAudit) != 1 {
		t.Errorf("queued usage=%d audit=%d", h.queue.count(buffer.KindUsage), h.queue.count(buffer.KindAudit))
	}
}

func TestComplete_PricesSnapshotModelLikeRequested(t *testing.T) {
	snapshot := func(context.Context, domain.CompletionRequest) (domain.CompletionResult, error) {
		return domain.CompletionResult{Content: "answer", Model: "gpt-4o-mini-2024-07-18", TotalTokens: 50}, nil
	}
	tests := []struct {
		name     string
		model    string
		provider domain.Provider
	}{
		{"requested model", "gpt-4o-mini", &fakeProvider{name: "primary", fn: snapshot}},
		{"provider default", "", &defaultModelProvider{fakeProvider: &fakeProvider{name: "primary", fn: snapshot}, model: "gpt-4o-mini"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeSafety{}, nil, tt.provider)
			h.svc.pricing = NewPricing(map[string]float64{"gpt-4o-mini": 0.6}, 10, 100)
			cred := testCredential(t)

			req := CompletionRequest{Credential: cred, Model: tt.model, Prompt: "hello", MaxTokens: 100}
			estimate := h.svc.pricing.Estimate(h.svc.billingModels(tt.model), req.Prompt, req.MaxTokens)
			resp, err := h.svc.Complete(context.Background(), req)
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			// 50 tokens at 0.6 USD per million, not the 10 USD fallback.
			if resp.Cost != 30 {
				t.Errorf("cost = %d, want 30", resp.Cost)
			}
			if resp.Cost > estimate {
				t.Errorf("cost %d exceeds estimate %d for fewer tokens than estimated", resp.Cost, estimate)
			}
			if resp.Model != "gpt-4o-mini-2024-07-18" {
				t.Errorf("model = %q, want the provider's answer", resp.Model)
			}
			if got := h.remaining(t, cred); got != 10_000_000-30 {
				t.Errorf("remaining = %s", got)
			}
		})
	}
}

func TestComplete_FailSafeWhenSafetyDown(t *testing.T) {
	p := &fakeProvider{name: "primary"}
	down := domain.NewDependencyError(domain.DepSafety, errors.New("policy engine unreachable"))
	h := newHarness(t, &fakeSafety{inputErr: down}, nil, p)
	cred := testCredential(t)

	rejected := 0
	for range 100 {
		_, err := h.svc.Complete(context.Background(), CompletionRequest{Credential: cred, Prompt: "hello"})
		if errors.Is(err, domain.ErrDependencyUnavailable) {
			rejected++
		}
	}
	if rejected != 100 {
		t.Errorf("rejected %d of 100, safety failures must block", rejected)
	}
	if p.callCount() != 0 {
		t.Errorf("provider called %d times", p.callCount())
	}
	if h.registry.Len() != 0 {
		t.Error("no lease should be acquired before input validation passes")
	}
}

// downSink fails every delivery like an unreachable authority.
type downSink struct{}

func (downSink) Deliver(context.Context, reconcile.Event) error {
	return domain.NewDependencyError(domain.DepAudit, errors.New("connection refused"))
}

type countingSink struct{ n int }

func (s *countingSink) Deliver(context.Context, reconcile.Event) error {
	s.n++
	return nil
}

func TestComplete_FailOpenWhenAuditDown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.db")
	store, err := buffer.Open(path)
	if err != nil {
		t.Fatalf("buffer.Open: %v", err)
	}
	q := reconcile.New(downSink{}, store, reconcile.Config{
		Capacity: 8, Workers: 2, MaxAttempts: 2,
		InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond,
		ReplayInterval: time.Hour,
	}, zap.NewNop())
	q.Start()

	h := newHarness(t, &fakeSafety{}, q, &fakeProvider{name: "primary"})
	cred := testCredential(t)

	const requests = 50
	for i := range requests {
		if _, err := h.svc.Complete(context.Background(), CompletionRequest{Credential: cred, Prompt: "hello"}); err != nil {
			t.Fatalf("request %d rejected while only the audit sink is down: %v", i, err)
		}
	}

	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close buffer: %v", err)
	}

	reopened, err := buffer.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	n, err := reopened.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2*requests {
		t.Fatalf("buffered = %d, want %d usage and audit events", n, 2*requests)
	}

	sink := &countingSink{}
	replayer := reconcile.New(sink, reopened, reconcile.Config{ReplayBatch: 1000}, zap.NewNop())
	if _, err := replayer.Replay(context.Background()); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if sink.n != 2*requests {
		t.Errorf("recovered %d events, want %d", sink.n, 2*requests)
	}
}

func TestComplete_ProviderFallback(t *testing.T) {
	first := failingProvider("primary")
	second := &fakeProvider{name: "secondary"}
	h := newHarness(t, &fakeSafety{}, nil, first, second)

	resp, err := h.svc.Complete(context.Background(), CompletionRequest{Credential: testCredential(t), Prompt: "hello"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Provider != "secondary" {
		t.Errorf("provider = %q", resp.Provider)
	}
	if first.callCount() != 1 || second.callCount() != 1 {
		t.Errorf("calls = %d/%d", first.callCount(), second.callCount())
	}
}

func TestComplete_ChainExhaustedRefunds(t *testing.T) {
	h := newHarness(t, &fakeSafety{}, nil, failingProvider("a"), failingProvider("b"))
	cred := testCredential(t)

	_, err := h.svc.Complete(context.Background(), CompletionRequest{Credential: cred, Prompt: "hello"})
	var de *domain.DependencyError
	if !errors.As(err, &de) || de.Dependency != domain.DepProvider {
		t.Fatalf("expected provider dependency error, got %v", err)
	}
	if got := h.remaining(t, cred); got != 10_000_000 {
		t.Errorf("remaining = %s, reservation must be refunded", got)
	}
	if h.queue.count(buffer.KindUsage) != 0 {
		t.Error("no usage may be reported for a failed chain")
	}
	if h.queue.count(buffer.KindAudit) != 1 {
		t.Error("expected provider audit event")
	}
}

func TestComplete_TimeoutAdvancesChain(t *testing.T) {
	slow := &fakeProvider{name: "slow", fn: func(ctx context.Context, _ domain.CompletionRequest) (domain.CompletionResult, error) {
		<-ctx.Done()
		return domain.CompletionResult{}, domain.ErrRequestTimeout
	}}
	fast := &fakeProvider{name: "fast"}
	h := newHarness(t, &fakeSafety{}, nil, slow, fast)
	h.svc.cfg.AttemptTimeout = 20 * time.Millisecond

	resp, err := h.svc.Complete(context.Background(), CompletionRequest{Credential: testCredential(t), Prompt: "hello"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Provider != "fast" {
		t.Errorf("provider = %q", resp.Provider)
	}

	h2 := newHarness(t, &fakeSafety{}, nil, slow)
	h2.svc.cfg.AttemptTimeout = 20 * time.Millisecond
	if _, err := h2.svc.Complete(context.Background(), CompletionRequest{Credential: testCredential(t), Prompt: "x"}); !errors.Is(err, domain.ErrRequestTimeout) {
		t.Errorf("expected ErrRequestTimeout, got %v", err)
	}
}

func TestComplete_OutputRejectedStillCharged(t *testing.T) {
	rejected := &safety.RejectedError{Stage: safety.StageOutput, Reasons: []string{"secret_pattern:0"}, Err: domain.ErrSafetyRejected}
	h := newHarness(t, &fakeSafety{outputErr: rejected}, nil, &fakeProvider{name: "primary"})
	cred := testCredential(t)

	resp, err := h.svc.Complete(context.Background(), CompletionRequest{Credential: cred, Prompt: "hello"})
	if !errors.Is(err, domain.ErrSafetyRejected) {
		t.Fatalf("expected ErrSafetyRejected, got %v", err)
	}
	if resp.Content != "" {
		t.Error("rejected content must not be returned")
	}
	if got := h.remaining(t, cred); got != 10_000_000-420 {
		t.Errorf("remaining = %s, provider spend must be committed", got)
	}
	if h.queue.count(buffer.KindUsage) != 1 {
		t.Error("usage must be reported for a completed provider call")
	}
}

func TestComplete_BudgetExceededLocally(t *testing.T) {
	p := &fakeProvider{name: "primary"}
	h := newHarness(t, &fakeSafety{}, nil, p)

	_, err := h.svc.Complete(context.Background(), CompletionRequest{Credential: testCredential(t), Prompt: "hello", MaxTokens: 2_000_000})
	if !errors.Is(err, domain.ErrBudgetExceededLocally) {
		t.Fatalf("expected ErrBudgetExceededLocally, got %v", err)
	}
	if p.callCount() != 0 {
		t.Error("provider must not be called")
	}
}

func TestComplete_MissingPermission(t *testing.T) {
	h := newHarness(t, &fakeSafety{}, nil, &fakeProvider{name: "primary"})
	_, err := h.svc.Complete(context.Background(), CompletionRequest{
		Credential: testCredential(t, domain.PermissionToolExecute), Prompt: "hello",
	})
	if !errors.Is(err, domain.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestComplete_TranslationFailureHalts(t *testing.T) {
	p := &fakeProvider{name: "primary"}
	h := newHarness(t, &fakeSafety{}, nil, p)
	// A translator that cannot find the lease breaks the translation invariant.
	h.translator = translate.New(func(string) (translate.Lease, bool) { return nil, false },
		func(error) { h.fatal++ }, zap.NewNop())
	h.svc.translator = h.translator
	cred := testCredential(t)

	_, err := h.svc.Complete(context.Background(), CompletionRequest{Credential: cred, Prompt: "hello"})
	if !errors.Is(err, domain.ErrTranslationFailed) {
		t.Fatalf("expected ErrTranslationFailed, got %v", err)
	}
	if !h.translator.Halted() || h.fatal != 1 {
		t.Fatalf("halted=%v fatal=%d", h.translator.Halted(), h.fatal)
	}
	if got := h.remaining(t, cred); got != 10_000_000 {
		t.Errorf("remaining = %s, reservation must be refunded", got)
	}

	if _, err := h.svc.Complete(context.Background(), CompletionRequest{Credential: cred, Prompt: "hello"}); !errors.Is(err, domain.ErrTranslationFailed) {
		t.Errorf("halted gateway accepted a request: %v", err)
	}
	if _, err := h.svc.ExecuteTool(context.Background(), ToolRequest{Credential: cred, Tool: "search"}); !errors.Is(err, domain.ErrTranslationFailed) {
		t.Errorf("halted gateway accepted a tool call: %v", err)
	}
	if p.callCount() != 0 {
		t.Error("provider must never be called without a translated key")
	}
}

func TestExecuteTool(t *testing.T) {
	h := newHarness(t, &fakeSafety{}, nil)
	cred := testCredential(t)

	resp, err := h.svc.ExecuteTool(context.Background(), ToolRequest{Credential: cred, Tool: "search", Arguments: map[string]any{"q": "go"}})
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if resp.Output != "tool output" || resp.Tool != "search" || resp.RequestID == "" {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(h.tools.calls) != 1 || h.tools.calls[0].Arguments["q"] != "go" {
		t.Errorf("executor calls = %+v", h.tools.calls)
	}
	if h.queue.count(buffer.KindAudit) != 1 {
		t.Error("expected tool audit event")
	}
}

func TestExecuteTool_Rejections(t *testing.T) {
	t.Run("missing permission", func(t *testing.T) {
		h := newHarness(t, &fakeSafety{}, nil)
		_, err := h.svc.ExecuteTool(context.Background(), ToolRequest{
			Credential: testCredential(t, domain.PermissionLLMCall), Tool: "search",
		})
		if !errors.Is(err, domain.ErrToolForbidden) {
			t.Fatalf("expected ErrToolForbidden, got %v", err)
		}
		if len(h.tools.calls) != 0 {
			t.Error("executor must not run")
		}
	})

	t.Run("authorization down", func(t *testing.T) {
		down := domain.NewDependencyError(domain.DepToolAuthorization, errors.New("policy engine unreachable"))
		h := newHarness(t, &fakeSafety{toolErr: down}, nil)
		_, err := h.svc.ExecuteTool(context.Background(), ToolRequest{Credential: testCredential(t), Tool: "search"})
		if !errors.Is(err, domain.ErrDependencyUnavailable) {
			t.Fatalf("expected dependency error, got %v", err)
		}
		if len(h.tools.calls) != 0 {
			t.Error("executor must not run")
		}
	})

	t.Run("output rejected", func(t *testing.T) {
		rejected := &safety.RejectedError{Stage: safety.StageOutput, Reasons: []string{"denied_term:x"}, Err: domain.ErrSafetyRejected}
		h := newHarness(t, &fakeSafety{outputErr: rejected}, nil)
		resp, err := h.svc.ExecuteTool(context.Background(), ToolRequest{Credential: testCredential(t), Tool: "search"})
		if !errors.Is(err, domain.ErrSafetyRejected) || resp.Output != "" {
			t.Fatalf("expected rejection without output, got %+v, %v", resp, err)
		}
	})

	t.Run("invalid credential", func(t *testing.T) {
		h := newHarness(t, &fakeSafety{}, nil)
		if _, err := h.svc.ExecuteTool(context.Background(), ToolRequest{Credential: "junk", Tool: "search"}); !errors.Is(err, domain.ErrInvalidCredential) {
			t.Fatalf("expected ErrInvalidCredential, got %v", err)
		}
	})

	t.Run("credential signed by another key", func(t *testing.T) {
		h := newHarness(t, &fakeSafety{}, nil)
		_, err := h.svc.ExecuteTool(context.Background(), ToolRequest{Credential: forgedCredential(t), Tool: "search"})
		if !errors.Is(err, domain.ErrInvalidCredential) {
			t.Fatalf("expected ErrInvalidCredential, got %v", err)
		}
		if len(h.tools.calls) != 0 {
			t.Error("executor must not run for an unverified credential")
		}
		if h.registry.Len() != 0 {
			t.Error("no lease may be held for an unverified credential")
		}
	})
}

func TestComplete_ForgedCredential(t *testing.T) {
	p := &fakeProvider{name: "primary"}
	h := newHarness(t, &fakeSafety{}, nil, p)
	_, err := h.svc.Complete(context.Background(), CompletionRequest{Credential: forgedCredential(t), Prompt: "hello", MaxTokens: 100})
	if !errors.Is(err, domain.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if p.callCount() != 0 {
		t.Error("provider must not be called")
	}
}

func TestDecision(t *testing.T) {
	rejected := &safety.RejectedError{Stage: "input", Reasons: []string{"denied_term:x"}, Err: domain.ErrSafetyRejected}
	tests := []struct {
		err      error
		decision domain.AuditDecision
		reason   string
	}{
		{rejected, domain.DecisionDeny, "denied_term:x"},
		{domain.NewDependencyError(domain.DepSafety, errors.New("x")), domain.DecisionError, "dependency_unavailable:safety"},
		{domain.ErrRequestTimeout, domain.DecisionError, "request_timeout"},
		{domain.ErrBudgetExceededLocally, domain.DecisionDeny, "budget_exceeded_locally"},
	}
	for _, tt := range tests {
		d, r := decision(tt.err)
		if d != tt.decision || r != tt.reason {
			t.Errorf("decision(%v) = %s/%s, want %s/%s", tt.err, d, r, tt.decision, tt.reason)
		}
	}
}
