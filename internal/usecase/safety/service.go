// Package safety evaluates prompts, responses and tool calls against a Rego policy.
package safety

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.uber.org/zap"

	"github.com/kailas-cloud/leasegate/internal/domain"
)

//go:embed policy.rego
var defaultPolicy string

const query = "data.leasegate.decide"

// Stages evaluated by the policy.
const (
	StageInput  = "input"
	StageOutput = "output"
	StageTool   = "tool"
)

// Config holds the policy source and its data.
type Config struct {
	// PolicyPath overrides the embedded policy. It must define data.leasegate.decide.
	PolicyPath     string
	DeniedTerms    []string
	AllowedTools   []string
	SecretPatterns []string
}

// Decision is the policy result.
type Decision struct {
	Allow   bool
	Reasons []string
}

// Input is one evaluation request.
type Input struct {
	Stage string
	Text  string
	Tool  string
}

// Service evaluates a prepared Rego query.
type Service struct {
	query  rego.PreparedEvalQuery
	logger *zap.Logger
}

// New compiles the policy. Invalid secret patterns fail here rather than at request time.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Service, error) {
	for _, p := range cfg.SecretPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("safety: secret pattern %q: %w", p, err)
		}
	}

	module := defaultPolicy
	name := "policy.rego"
	if cfg.PolicyPath != "" {
		b, err := os.ReadFile(cfg.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("safety: read policy: %w", err)
		}
		module, name = string(b), cfg.PolicyPath
	}

	store := inmem.NewFromObject(map[string]any{
		"config": map[string]any{
			"denied_terms":    toAny(cfg.DeniedTerms),
			"allowed_tools":   toAny(cfg.AllowedTools),
			"secret_patterns": toAny(cfg.SecretPatterns),
		},
	})

	pq, err := rego.New(
		rego.Query(query),
		rego.Module(name, module),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("safety: compile policy: %w", err)
	}
	return &Service{query: pq, logger: logger}, nil
}

// Evaluate runs the policy. Any evaluation problem is an error, never an allow.
func (s *Service) Evaluate(ctx context.Context, in Input) (Decision, error) {
	rs, err := s.query.Eval(ctx, rego.EvalInput(map[string]any{
		"stage": in.Stage,
		"text":  in.Text,
		"tool":  in.Tool,
	}))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("evaluate policy: undefined decision")
	}
	out, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("evaluate policy: unexpected result %T", rs[0].Expressions[0].Value)
	}

	allow, ok := out["allow"].(bool)
	if !ok {
		return Decision{}, fmt.Errorf("evaluate policy: missing allow")
	}
	dec := Decision{Allow: allow}
	if raw, ok := out["reasons"].([]any); ok {
		for _, r := range raw {
			if str, ok := r.(string); ok {
				dec.Reasons = append(dec.Reasons, str)
			}
		}
	}
	return dec, nil
}

// CheckInput validates a prompt before any budget is reserved.
func (s *Service) CheckInput(ctx context.Context, text string) error {
	return s.check(ctx, Input{Stage: StageInput, Text: text}, domain.DepSafety, domain.ErrSafetyRejected)
}

// CheckOutput validates a provider response before it is returned.
func (s *Service) CheckOutput(ctx context.Context, text string) error {
	return s.check(ctx, Input{Stage: StageOutput, Text: text}, domain.DepSafety, domain.ErrSafetyRejected)
}

// AuthorizeTool validates a tool call and its arguments.
func (s *Service) AuthorizeTool(ctx context.Context, call domain.ToolCall) error {
	args, err := json.Marshal(call.Arguments)
	if err != nil {
		return domain.NewValidationError("arguments", "must be a JSON object")
	}
	return s.check(ctx, Input{Stage: StageTool, Tool: call.Tool, Text: string(args)}, domain.DepToolAuthorization, domain.ErrToolForbidden)
}

func (s *Service) check(ctx context.Context, in Input, dep domain.Dependency, reject error) error {
	dec, err := s.Evaluate(ctx, in)
	if err != nil {
		s.logger.Error("safety evaluation failed", zap.String("stage", in.Stage), zap.Error(err))
		return domain.NewDependencyError(dep, err)
	}
	if !dec.Allow {
		return &RejectedError{Stage: in.Stage, Reasons: dec.Reasons, Err: reject}
	}
	return nil
}

// RejectedError carries the policy reasons for a denial.
type RejectedError struct {
	Stage   string
	Reasons []string
	Err     error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected at %s: %s", e.Err.Error(), e.Stage, strings.Join(e.Reasons, ", "))
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Reason returns the first policy reason, for audit records.
func (e *RejectedError) Reason() string {
	if len(e.Reasons) == 0 {
		return ""
	}
	return e.Reasons[0]
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
