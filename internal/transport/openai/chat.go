package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/metrics"
	"github.com/kailas-cloud/leasegate/internal/tracing"
)

// ChatProvider is a chat completion provider using the OpenAI-compatible API.
// It holds no credentials: the API key is lent per call.
type ChatProvider struct {
	name    string
	baseURL string
	model   string
	http    *http.Client
}

// Config holds the provider settings.
type Config struct {
	Name    string
	BaseURL string
	Model   string
	// HTTPClient is shared across calls. Nil uses a traced default client.
	HTTPClient *http.Client
}

// NewChatProvider creates an OpenAI-compatible chat provider.
func NewChatProvider(cfg Config) *ChatProvider {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: tracing.Transport(nil)}
	}
	return &ChatProvider{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		http:    hc,
	}
}

// Name implements domain.Provider.
func (p *ChatProvider) Name() string { return p.name }

// DefaultModel is the model sent when a request names none.
func (p *ChatProvider) DefaultModel() string { return p.model }

// Complete implements domain.Provider. apiKey lives only inside this call.
func (p *ChatProvider) Complete(ctx context.Context, apiKey string, req domain.CompletionRequest) (domain.CompletionResult, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	start := time.Now()

	resp, err := p.client(apiKey).CreateChatCompletion(ctx, chatReq)

	duration := time.Since(start)

	if err != nil {
		status := "error"
		if isTimeout(ctx, err) {
			status = "timeout"
		}
		metrics.ProviderRequestsTotal.WithLabelValues(p.name, model, status).Inc()
		return domain.CompletionResult{}, p.mapError(ctx, err)
	}

	if len(resp.Choices) == 0 {
		metrics.ProviderRequestsTotal.WithLabelValues(p.name, model, "empty").Inc()
		return domain.CompletionResult{}, domain.NewDependencyError(domain.DepProvider,
			fmt.Errorf("%s: empty completion response", p.name))
	}

	metrics.ProviderRequestsTotal.WithLabelValues(p.name, model, "success").Inc()
	metrics.ProviderRequestDuration.WithLabelValues(p.name, model).Observe(duration.Seconds())

	if resp.Usage.TotalTokens > 0 {
		metrics.ProviderTokensTotal.WithLabelValues(p.name, model, "prompt").Add(float64(resp.Usage.PromptTokens))
		metrics.ProviderTokensTotal.WithLabelValues(p.name, model, "completion").Add(float64(resp.Usage.CompletionTokens))
		metrics.ProviderTokensTotal.WithLabelValues(p.name, model, "total").Add(float64(resp.Usage.TotalTokens))
	}

	respModel := resp.Model
	if respModel == "" {
		respModel = model
	}
	return domain.CompletionResult{
		Content:          resp.Choices[0].Message.Content,
		Model:            respModel,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

func (p *ChatProvider) client(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	cfg.HTTPClient = p.http
	return openai.NewClientWithConfig(cfg)
}

// mapError classifies a provider failure. Timeouts map to ErrRequestTimeout and
// everything else becomes a provider DependencyError so the chain can advance.
func (p *ChatProvider) mapError(ctx context.Context, err error) error {
	if isTimeout(ctx, err) {
		return fmt.Errorf("%s: %w", p.name, domain.ErrRequestTimeout)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := extractDetail(reqErr.Body)
		if detail == "" {
			detail = http.StatusText(reqErr.HTTPStatusCode)
		}
		return domain.NewDependencyError(domain.DepProvider,
			fmt.Errorf("%s API error %d: %s", p.name, reqErr.HTTPStatusCode, detail))
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return domain.NewDependencyError(domain.DepProvider,
			fmt.Errorf("%s API error %d: %s", p.name, apiErr.HTTPStatusCode, apiErr.Message))
	}

	return domain.NewDependencyError(domain.DepProvider, fmt.Errorf("%s request failed", p.name))
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// extractDetail extracts the "detail" field from a JSON error body (Nebius error format).
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}
