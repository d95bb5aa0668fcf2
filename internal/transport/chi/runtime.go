package chi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/usecase/gateway"
	"github.com/kailas-cloud/leasegate/internal/usecase/safety"
)

// CompletionRequest is the agent-facing completion body.
type CompletionRequest struct {
	Model     string `json:"model,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Usage reports token consumption.
type Usage struct {
	TotalTokens int `json:"total_tokens"`
}

// CompletionResponse is the agent-facing completion result.
type CompletionResponse struct {
	RequestID string  `json:"request_id"`
	Model     string  `json:"model"`
	Provider  string  `json:"provider"`
	Content   string  `json:"content"`
	Usage     Usage   `json:"usage"`
	CostUSD   float64 `json:"cost_usd"`
}

// ToolRequest is the agent-facing tool call body.
type ToolRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResponse is the agent-facing tool result.
type ToolResponse struct {
	RequestID string `json:"request_id"`
	Tool      string `json:"tool"`
	Output    string `json:"output"`
}

// LeaseResponse describes the caller's lease.
type LeaseResponse struct {
	State        string  `json:"state"`
	LeaseID      string  `json:"lease_id,omitempty"`
	RemainingUSD float64 `json:"remaining"`
	SpentUSD     float64 `json:"spent"`
}

// RuntimeServer serves the agent-facing gateway API.
type RuntimeServer struct {
	gateway       Gateway
	leases        LeaseLookup
	health        HealthChecker
	errorHandlers []errorHandler
}

// NewRuntimeServer creates the runtime HTTP API.
func NewRuntimeServer(gw Gateway, leases LeaseLookup, hc HealthChecker) *RuntimeServer {
	return &RuntimeServer{
		gateway: gw,
		leases:  leases,
		health:  hc,
		errorHandlers: []errorHandler{
			validationHandler,
			sentinelHandler(domain.ErrTranslationFailed, http.StatusInternalServerError, CodeTranslationFailed),
			safetyHandler,
			sentinelHandler(domain.ErrBudgetExceededLocally, http.StatusTooManyRequests, CodeBudgetExceededLocally),
			sentinelHandler(domain.ErrBudgetDenied, http.StatusPaymentRequired, CodeBudgetDenied),
			sentinelHandler(domain.ErrInsufficientBudget, http.StatusPaymentRequired, CodeInsufficientBudget),
			sentinelHandler(domain.ErrInvalidCredential, http.StatusUnauthorized, CodeInvalidCredential),
			sentinelHandler(domain.ErrToolForbidden, http.StatusForbidden, CodeToolForbidden),
			sentinelHandler(domain.ErrRequestTimeout, http.StatusGatewayTimeout, CodeRequestTimeout),
			dependencyHandler,
		},
	}
}

// Routes mounts the runtime endpoints on r.
func (s *RuntimeServer) Routes(r chi.Router) {
	r.Get("/health", s.Health)
	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireCredential)
		r.Post("/completions", s.Completions)
		r.Post("/tools/execute", s.ExecuteTool)
		r.Get("/lease", s.Lease)
	})
}

// Completions handles POST /v1/completions.
func (s *RuntimeServer) Completions(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "prompt is required")
		return
	}
	if req.MaxTokens < 0 {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, "max_tokens cannot be negative")
		return
	}

	resp, err := s.gateway.Complete(r.Context(), gateway.CompletionRequest{
		Credential: CredentialFromContext(r.Context()),
		Model:      req.Model,
		Prompt:     req.Prompt,
		MaxTokens:  req.MaxTokens,
	})
	if err != nil {
		handleError(w, r, s.errorHandlers, err)
		return
	}

	writeJSON(w, http.StatusOK, CompletionResponse{
		RequestID: resp.RequestID,
		Model:     resp.Model,
		Provider:  resp.Provider,
		Content:   resp.Content,
		Usage:     Usage{TotalTokens: resp.TotalTokens},
		CostUSD:   resp.Cost.USD(),
	})
}

// ExecuteTool handles POST /v1/tools/execute.
func (s *RuntimeServer) ExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req ToolRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := s.gateway.ExecuteTool(r.Context(), gateway.ToolRequest{
		Credential: CredentialFromContext(r.Context()),
		Tool:       req.Tool,
		Arguments:  req.Arguments,
	})
	if err != nil {
		handleError(w, r, s.errorHandlers, err)
		return
	}
	writeJSON(w, http.StatusOK, ToolResponse{RequestID: resp.RequestID, Tool: resp.Tool, Output: resp.Output})
}

// Lease handles GET /v1/lease. A credential with no lease yet reports uninitialized.
func (s *RuntimeServer) Lease(w http.ResponseWriter, r *http.Request) {
	m, ok := s.leases.Lookup(CredentialFromContext(r.Context()))
	if !ok {
		writeJSON(w, http.StatusOK, LeaseResponse{State: string(domain.LeaseUninitialized)})
		return
	}
	snap := m.Snapshot()
	writeJSON(w, http.StatusOK, LeaseResponse{
		State:        string(snap.State),
		LeaseID:      snap.LeaseID,
		RemainingUSD: snap.Remaining.USD(),
		SpentUSD:     snap.Spent.USD(),
	})
}

// Health handles GET /health.
func (s *RuntimeServer) Health(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, s.health.Check(r.Context()))
}

// safetyHandler reports the policy reasons, which name rules rather than content.
func safetyHandler(w http.ResponseWriter, err error) bool {
	if !errors.Is(err, domain.ErrSafetyRejected) {
		return false
	}
	msg := domain.ErrSafetyRejected.Error()
	var rejected *safety.RejectedError
	if errors.As(err, &rejected) && len(rejected.Reasons) > 0 {
		msg += ": " + strings.Join(rejected.Reasons, ", ")
	}
	writeError(w, http.StatusUnprocessableEntity, CodeSafetyRejected, msg)
	return true
}
