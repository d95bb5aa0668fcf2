// Package gateway orchestrates one agent request through safety, budget,
// credential translation and the provider chain.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/metrics"
	"github.com/kailas-cloud/leasegate/internal/usecase/lease"
	"github.com/kailas-cloud/leasegate/internal/usecase/reconcile"
	"github.com/kailas-cloud/leasegate/internal/usecase/safety"
)

const tracerName = "github.com/kailas-cloud/leasegate/internal/usecase/gateway"

// Request kinds for metrics.
const (
	KindCompletion = "completion"
	KindTool       = "tool"
)

// Config holds gateway parameters.
type Config struct {
	AttemptTimeout time.Duration
}

// CompletionRequest is an agent's model call.
type CompletionRequest struct {
	Credential string
	Model      string
	Prompt     string
	MaxTokens  int
}

// CompletionResponse is a validated provider response.
type CompletionResponse struct {
	RequestID   string
	Model       string
	Provider    string
	Content     string
	TotalTokens int
	Cost        domain.Micros
}

// ToolRequest is an agent's tool call.
type ToolRequest struct {
	Credential string
	Tool       string
	Arguments  map[string]any
}

// ToolResponse is a validated tool result.
type ToolResponse struct {
	RequestID string
	Tool      string
	Output    string
}

// Service is the gateway orchestrator.
type Service struct {
	safety     Safety
	leases     Leases
	translator Translator
	providers  []domain.Provider
	tools      domain.ToolExecutor
	pricing    *Pricing
	queue      Queue
	cfg        Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

// New creates a gateway. providers is the fallback chain in order.
func New(
	safety Safety,
	leases Leases,
	translator Translator,
	providers []domain.Provider,
	tools domain.ToolExecutor,
	pricing *Pricing,
	queue Queue,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	return &Service{
		safety:     safety,
		leases:     leases,
		translator: translator,
		providers:  providers,
		tools:      tools,
		pricing:    pricing,
		queue:      queue,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
	}
}

// Complete runs a completion through the full pipeline.
func (s *Service) Complete(ctx context.Context, req CompletionRequest) (resp CompletionResponse, err error) {
	requestID := newRequestID()
	ctx, span := s.tracer.Start(ctx, "gateway.complete", trace.WithAttributes(
		attribute.String("request_id", requestID),
	))
	defer func() {
		endSpan(span, err)
		metrics.GatewayRequestsTotal.WithLabelValues(KindCompletion, outcome(err)).Inc()
	}()
	logger := s.logger.With(zap.String("request_id", requestID))

	if s.translator.Halted() {
		return CompletionResponse{}, fmt.Errorf("gateway halted: %w", domain.ErrTranslationFailed)
	}

	if err := s.stage(ctx, "safety.input", func(ctx context.Context) error {
		return s.safety.CheckInput(ctx, req.Prompt)
	}); err != nil {
		s.audit(requestID, "", domain.StageInput, err, "", "")
		return CompletionResponse{}, err
	}

	m, err := s.leases.Acquire(ctx, req.Credential)
	if err != nil {
		return CompletionResponse{}, err
	}
	claims := m.Claims()
	span.SetAttributes(attribute.String("agent_id", claims.AgentID))
	if !claims.Has(domain.PermissionLLMCall) {
		err := fmt.Errorf("missing %s permission: %w", domain.PermissionLLMCall, domain.ErrInvalidCredential)
		s.audit(requestID, claims.AgentID, domain.StageBudget, err, "", "")
		return CompletionResponse{}, err
	}

	estimate := s.pricing.Estimate(s.billingModels(req.Model), req.Prompt, req.MaxTokens)
	var reservation *lease.Reservation
	if err := s.stage(ctx, "lease.reserve", func(ctx context.Context) error {
		var rerr error
		reservation, rerr = m.Reserve(ctx, estimate)
		return rerr
	}); err != nil {
		s.audit(requestID, claims.AgentID, domain.StageBudget, err, "", "")
		return CompletionResponse{}, err
	}

	result, served, err := s.callChain(ctx, req, logger)
	provider := providerName(served)
	if err != nil {
		m.Refund(reservation)
		s.audit(requestID, claims.AgentID, domain.StageProvider, err, provider, req.Model)
		return CompletionResponse{}, err
	}

	tokens := result.TotalTokens
	if tokens <= 0 {
		tokens = s.pricing.EstimateTokens(req.Prompt, req.MaxTokens)
	}
	// Priced on the same key as the estimate; the provider may answer with a dated snapshot name.
	cost := s.pricing.Cost(billingModel(req.Model, served), tokens)
	if err := m.Commit(ctx, reservation, cost); err != nil {
		// The call succeeded; a failed refresh only affects later requests.
		logger.Warn("lease refresh after commit failed", zap.Error(err))
	}

	s.enqueueUsage(domain.UsageReport{
		RequestID: requestID,
		LeaseID:   reservation.LeaseID,
		Tokens:    int64(tokens),
		Cost:      cost,
		Model:     result.Model,
		Provider:  provider,
		Timestamp: time.Now().UTC(),
	}, logger)

	if err := s.stage(ctx, "safety.output", func(ctx context.Context) error {
		return s.safety.CheckOutput(ctx, result.Content)
	}); err != nil {
		s.audit(requestID, claims.AgentID, domain.StageOutput, err, provider, result.Model)
		return CompletionResponse{}, err
	}

	s.audit(requestID, claims.AgentID, domain.StageOutput, nil, provider, result.Model)

	return CompletionResponse{
		RequestID:   requestID,
		Model:       result.Model,
		Provider:    provider,
		Content:     result.Content,
		TotalTokens: tokens,
		Cost:        cost,
	}, nil
}

// callChain tries providers in order. Timeouts and unavailability advance the
// chain; translation failures and lease denial stop it.
func (s *Service) callChain(ctx context.Context, req CompletionRequest, logger *zap.Logger) (domain.CompletionResult, domain.Provider, error) {
	if len(s.providers) == 0 {
		return domain.CompletionResult{}, nil, domain.NewDependencyError(domain.DepProvider, errors.New("no providers configured"))
	}

	var lastErr error
	var last domain.Provider
	for _, p := range s.providers {
		last = p
		var result domain.CompletionResult

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		attemptCtx, span := s.tracer.Start(attemptCtx, "provider.attempt", trace.WithAttributes(
			attribute.String("provider", p.Name()),
		))
		err := s.translator.Do(attemptCtx, req.Credential, func(ctx context.Context, key string) error {
			var cerr error
			result, cerr = p.Complete(ctx, key, domain.CompletionRequest{
				Model:     req.Model,
				Prompt:    req.Prompt,
				MaxTokens: req.MaxTokens,
			})
			return cerr
		})
		endSpan(span, err)
		cancel()

		if err == nil {
			return result, p, nil
		}
		if errors.Is(err, domain.ErrTranslationFailed) || errors.Is(err, domain.ErrBudgetDenied) {
			return domain.CompletionResult{}, p, err
		}
		if ctx.Err() != nil {
			return domain.CompletionResult{}, p, ctx.Err()
		}

		logger.Warn("provider attempt failed, trying next",
			zap.String("provider", p.Name()),
			zap.Error(err),
		)
		lastErr = err
	}
	return domain.CompletionResult{}, last, fmt.Errorf("provider chain exhausted: %w", lastErr)
}

// billingModels lists the models a request may be billed as. Without a requested model
// any provider in the chain may serve it with its own default.
func (s *Service) billingModels(requested string) []string {
	if requested != "" {
		return []string{requested}
	}
	models := make([]string, 0, len(s.providers))
	for _, p := range s.providers {
		models = append(models, billingModel("", p))
	}
	return models
}

// billingModel is the price-table key for a call: the requested model, else the
// serving provider's default.
func billingModel(requested string, p domain.Provider) string {
	if requested != "" {
		return requested
	}
	if d, ok := p.(modelDefaulter); ok {
		return d.DefaultModel()
	}
	return ""
}

func providerName(p domain.Provider) string {
	if p == nil {
		return ""
	}
	return p.Name()
}

// ExecuteTool runs a tool call through permission, authorization and output checks.
func (s *Service) ExecuteTool(ctx context.Context, req ToolRequest) (resp ToolResponse, err error) {
	requestID := newRequestID()
	ctx, span := s.tracer.Start(ctx, "gateway.execute_tool", trace.WithAttributes(
		attribute.String("request_id", requestID),
		attribute.String("tool", req.Tool),
	))
	defer func() {
		endSpan(span, err)
		metrics.GatewayRequestsTotal.WithLabelValues(KindTool, outcome(err)).Inc()
	}()

	if s.translator.Halted() {
		return ToolResponse{}, fmt.Errorf("gateway halted: %w", domain.ErrTranslationFailed)
	}
	if req.Tool == "" {
		return ToolResponse{}, domain.NewValidationError("tool", "is required")
	}

	// The authority verifies the credential during the handshake; claims come from that lease.
	m, err := s.leases.Acquire(ctx, req.Credential)
	if err != nil {
		return ToolResponse{}, err
	}
	claims := m.Claims()
	span.SetAttributes(attribute.String("agent_id", claims.AgentID))
	if !claims.Has(domain.PermissionToolExecute) {
		err := fmt.Errorf("missing %s permission: %w", domain.PermissionToolExecute, domain.ErrToolForbidden)
		s.audit(requestID, claims.AgentID, domain.StageTool, err, "", "")
		return ToolResponse{}, err
	}

	call := domain.ToolCall{Tool: req.Tool, Arguments: req.Arguments}
	if err := s.stage(ctx, "safety.tool", func(ctx context.Context) error {
		return s.safety.AuthorizeTool(ctx, call)
	}); err != nil {
		s.audit(requestID, claims.AgentID, domain.StageTool, err, "", "")
		return ToolResponse{}, err
	}

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()
	output, err := s.tools.Execute(execCtx, call)
	if err != nil {
		s.audit(requestID, claims.AgentID, domain.StageTool, err, "", "")
		return ToolResponse{}, err
	}

	if err := s.stage(ctx, "safety.output", func(ctx context.Context) error {
		return s.safety.CheckOutput(ctx, output)
	}); err != nil {
		s.audit(requestID, claims.AgentID, domain.StageOutput, err, "", "")
		return ToolResponse{}, err
	}

	s.audit(requestID, claims.AgentID, domain.StageTool, nil, "", "")
	return ToolResponse{RequestID: requestID, Tool: req.Tool, Output: output}, nil
}

// stage runs fn in a child span.
func (s *Service) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, name)
	err := fn(ctx)
	endSpan(span, err)
	return err
}

func (s *Service) enqueueUsage(r domain.UsageReport, logger *zap.Logger) {
	ev, err := reconcile.UsageEvent(r)
	if err != nil {
		logger.Error("encode usage report", zap.Error(err))
		return
	}
	s.queue.Enqueue(ev)
}

// audit records the outcome of a stage. err nil means allow.
func (s *Service) audit(requestID, agentID string, stage domain.AuditStage, err error, provider, model string) {
	e := domain.AuditEvent{
		RequestID: requestID,
		AgentID:   agentID,
		Stage:     stage,
		Decision:  domain.DecisionAllow,
		Provider:  provider,
		Model:     model,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		e.Decision, e.Reason = decision(err)
	}
	ev, encErr := reconcile.AuditEvent(e)
	if encErr != nil {
		s.logger.Error("encode audit event", zap.String("request_id", requestID), zap.Error(encErr))
		return
	}
	s.queue.Enqueue(ev)
}

// decision maps a stage error to an audit decision and a reason that never
// carries request content.
func decision(err error) (domain.AuditDecision, string) {
	var rejected *safety.RejectedError
	switch {
	case errors.As(err, &rejected):
		return domain.DecisionDeny, rejected.Reason()
	case errors.Is(err, domain.ErrDependencyUnavailable):
		var de *domain.DependencyError
		if errors.As(err, &de) {
			return domain.DecisionError, "dependency_unavailable:" + string(de.Dependency)
		}
		return domain.DecisionError, "dependency_unavailable"
	case errors.Is(err, domain.ErrRequestTimeout):
		return domain.DecisionError, "request_timeout"
	case errors.Is(err, domain.ErrTranslationFailed):
		return domain.DecisionError, "translation_failed"
	default:
		return domain.DecisionDeny, outcome(err)
	}
}

// outcome is the metrics label for a request result.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrSafetyRejected):
		return "safety_rejected"
	case errors.Is(err, domain.ErrToolForbidden):
		return "tool_forbidden"
	case errors.Is(err, domain.ErrBudgetExceededLocally):
		return "budget_exceeded_locally"
	case errors.Is(err, domain.ErrBudgetDenied):
		return "budget_denied"
	case errors.Is(err, domain.ErrInsufficientBudget):
		return "insufficient_budget"
	case errors.Is(err, domain.ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, domain.ErrTranslationFailed):
		return "translation_failed"
	case errors.Is(err, domain.ErrRequestTimeout):
		return "request_timeout"
	case errors.Is(err, domain.ErrDependencyUnavailable):
		return "dependency_unavailable"
	case errors.Is(err, domain.ErrValidation):
		return "validation_failed"
	default:
		return "error"
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, outcome(err))
	}
	span.End()
}

func newRequestID() string {
	return "req_" + uuid.NewString()
}
