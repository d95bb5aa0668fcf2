package chi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/domain/protocol"
	"github.com/kailas-cloud/leasegate/internal/usecase/gateway"
	"github.com/kailas-cloud/leasegate/internal/usecase/health"
	"github.com/kailas-cloud/leasegate/internal/usecase/lease"
	"github.com/kailas-cloud/leasegate/internal/usecase/ledger"
	"github.com/kailas-cloud/leasegate/internal/usecase/vault"
)

// --- Mocks ---

type mockVault struct {
	grantFn   func(credential string, requested *domain.Micros) (vault.Grant, error)
	refreshFn func(credential string, req ledger.RefreshRequest) (ledger.RefreshResult, error)
	statusFn  func(credential, budgetID string) (domain.Budget, error)
}

func (m *mockVault) GrantLease(_ context.Context, credential string, requested *domain.Micros) (vault.Grant, error) {
	return m.grantFn(credential, requested)
}

func (m *mockVault) Refresh(_ context.Context, credential string, req ledger.RefreshRequest) (ledger.RefreshResult, error) {
	return m.refreshFn(credential, req)
}

func (m *mockVault) Status(_ context.Context, credential, budgetID string) (domain.Budget, error) {
	return m.statusFn(credential, budgetID)
}

type mockUsage struct {
	seen map[string]bool
	err  error
}

func (m *mockUsage) Report(_ context.Context, u domain.UsageReport) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	dup := m.seen[u.RequestID]
	m.seen[u.RequestID] = true
	return dup, nil
}

type mockAudit struct {
	events []domain.AuditEvent
}

func (m *mockAudit) Append(_ context.Context, e domain.AuditEvent) (bool, error) {
	for _, prev := range m.events {
		if prev.EventID() == e.EventID() {
			return true, nil
		}
	}
	m.events = append(m.events, e)
	return false, nil
}

type staticHealth struct{ report health.Report }

func (h staticHealth) Check(context.Context) health.Report { return h.report }

func healthy() staticHealth {
	return staticHealth{report: health.Report{Status: health.Healthy, Checks: map[string]health.CheckResult{health.CheckStore: health.CheckOK}}}
}

type mockGateway struct {
	completeFn func(req gateway.CompletionRequest) (gateway.CompletionResponse, error)
	toolFn     func(req gateway.ToolRequest) (gateway.ToolResponse, error)
}

func (m *mockGateway) Complete(_ context.Context, req gateway.CompletionRequest) (gateway.CompletionResponse, error) {
	return m.completeFn(req)
}

func (m *mockGateway) ExecuteTool(_ context.Context, req gateway.ToolRequest) (gateway.ToolResponse, error) {
	return m.toolFn(req)
}

type mapLookup map[string]*lease.Manager

func (m mapLookup) Lookup(credential string) (*lease.Manager, bool) {
	mgr, ok := m[credential]
	return mgr, ok
}

// --- Helpers ---

func newAuthorityHandler(v Vault, usage UsageLedger, audit AuditLog) http.Handler {
	r := NewRouter(zap.NewNop(), nil)
	NewAuthorityServer(v, usage, audit, healthy()).Routes(r)
	return r
}

func newRuntimeHandler(gw Gateway, leases LeaseLookup) http.Handler {
	r := NewRouter(zap.NewNop(), nil)
	NewRuntimeServer(gw, leases, healthy()).Routes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) protocol.ErrorResponse {
	t.Helper()
	var e protocol.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return e
}

func f64(v float64) *float64 { return &v }

func zapNop() *zap.Logger { return zap.NewNop() }

func degradedReport() health.Report {
	return health.Report{Status: health.Degraded, Checks: map[string]health.CheckResult{health.CheckStore: health.CheckError}}
}
