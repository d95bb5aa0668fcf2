package chi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/domain/protocol"
	"github.com/kailas-cloud/leasegate/internal/usecase/health"
	"github.com/kailas-cloud/leasegate/internal/usecase/ledger"
)

// AuthorityServer serves the budget control protocol.
type AuthorityServer struct {
	vault         Vault
	usage         UsageLedger
	audit         AuditLog
	health        HealthChecker
	errorHandlers []errorHandler
}

// NewAuthorityServer creates the authority HTTP API.
func NewAuthorityServer(v Vault, usage UsageLedger, audit AuditLog, hc HealthChecker) *AuthorityServer {
	return &AuthorityServer{
		vault:  v,
		usage:  usage,
		audit:  audit,
		health: hc,
		errorHandlers: []errorHandler{
			validationHandler,
			sentinelHandler(domain.ErrInvalidCredential, http.StatusUnauthorized, CodeInvalidCredential),
			sentinelHandler(domain.ErrBudgetNotFound, http.StatusNotFound, CodeBudgetNotFound),
			sentinelHandler(domain.ErrLeaseNotFound, http.StatusNotFound, CodeLeaseNotFound),
			sentinelHandler(domain.ErrLeaseForbidden, http.StatusForbidden, CodeLeaseForbidden),
			sentinelHandler(domain.ErrLeaseSuperseded, http.StatusConflict, CodeLeaseSuperseded),
			sentinelHandler(domain.ErrInsufficientBudget, http.StatusForbidden, CodeInsufficientBudget),
			dependencyHandler,
		},
	}
}

// Routes mounts the authority endpoints on r.
func (s *AuthorityServer) Routes(r chi.Router) {
	r.Get("/health", s.Health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/budget/handshake", s.Handshake)
		r.Post("/budget/report", s.Report)
		r.Post("/audit", s.Audit)
		r.Group(func(r chi.Router) {
			r.Use(RequireCredential)
			r.Post("/budget/refresh", s.Refresh)
			r.Get("/budget/{budget_id}", s.BudgetStatus)
		})
	})
}

// Handshake handles POST /api/v1/budget/handshake.
func (s *AuthorityServer) Handshake(w http.ResponseWriter, r *http.Request) {
	var req protocol.InitBudgetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ICToken == "" {
		writeError(w, http.StatusUnauthorized, CodeInvalidCredential, "ic_token is required")
		return
	}
	if len(req.ICToken) > domain.MaxCredentialLength {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "ic_token is too long")
		return
	}

	var requested *domain.Micros
	if req.RequestedBudget != nil {
		m := domain.MicrosFromUSD(*req.RequestedBudget)
		requested = &m
	}

	grant, err := s.vault.GrantLease(r.Context(), req.ICToken, requested)
	if err != nil {
		handleError(w, r, s.errorHandlers, err)
		return
	}

	writeJSON(w, http.StatusOK, protocol.InitBudgetResponse{
		IPToken:         grant.Token.String(),
		BudgetGranted:   grant.Lease.Granted.USD(),
		BudgetRemaining: grant.Available.USD(),
		LeaseID:         grant.Lease.ID,
	})
}

// Report handles POST /api/v1/budget/report.
func (s *AuthorityServer) Report(w http.ResponseWriter, r *http.Request) {
	var req protocol.UsageReport
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		handleError(w, r, s.errorHandlers, err)
		return
	}

	dup, err := s.usage.Report(r.Context(), req.ToDomain())
	if err != nil {
		handleError(w, r, s.errorHandlers, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{Status: "ok", Duplicate: dup})
}

// Audit handles POST /api/v1/audit.
func (s *AuthorityServer) Audit(w http.ResponseWriter, r *http.Request) {
	var req protocol.AuditEvent
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		handleError(w, r, s.errorHandlers, err)
		return
	}

	dup, err := s.audit.Append(r.Context(), req.ToDomain())
	if err != nil {
		handleError(w, r, s.errorHandlers, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{Status: "ok", Duplicate: dup})
}

// Refresh handles POST /api/v1/budget/refresh.
func (s *AuthorityServer) Refresh(w http.ResponseWriter, r *http.Request) {
	var req protocol.RefreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.LeaseID == "" || len(req.LeaseID) > domain.MaxLeaseIDLength {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "lease_id is required and at most 100 chars")
		return
	}

	var requested domain.Micros
	if req.RequestedBudget != nil {
		requested = domain.MicrosFromUSD(*req.RequestedBudget)
		if requested <= 0 {
			writeError(w, http.StatusBadRequest, CodeValidationFailed, "requested_budget must be positive")
			return
		}
	}

	res, err := s.vault.Refresh(r.Context(), CredentialFromContext(r.Context()), ledger.RefreshRequest{
		LeaseID:          req.LeaseID,
		BudgetID:         req.BudgetID,
		Requested:        requested,
		CurrentRemaining: domain.MicrosFromUSD(req.CurrentRemaining),
		TotalSpent:       domain.MicrosFromUSD(req.TotalSpent),
	})
	if err != nil {
		handleError(w, r, s.errorHandlers, err)
		return
	}

	resp := protocol.RefreshResponse{Status: string(res.Status)}
	if res.Status == domain.RefreshApproved {
		granted := res.Lease.Granted.USD()
		leaseID := res.Lease.ID
		resp.BudgetGranted = &granted
		resp.LeaseID = &leaseID
	} else {
		reason := res.Reason
		resp.Reason = &reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// BudgetStatus handles GET /api/v1/budget/{budget_id}.
func (s *AuthorityServer) BudgetStatus(w http.ResponseWriter, r *http.Request) {
	b, err := s.vault.Status(r.Context(), CredentialFromContext(r.Context()), chi.URLParam(r, "budget_id"))
	if err != nil {
		handleError(w, r, s.errorHandlers, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.StatusFromDomain(b))
}

// Health handles GET /health.
func (s *AuthorityServer) Health(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, s.health.Check(r.Context()))
}

type healthResponse struct {
	Status health.Status                 `json:"status"`
	Checks map[string]health.CheckResult `json:"checks"`
}

func writeHealth(w http.ResponseWriter, report health.Report) {
	status := http.StatusOK
	if report.Status != health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{Status: report.Status, Checks: report.Checks})
}
