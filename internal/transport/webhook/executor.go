// Package webhook runs agent tools by POSTing their arguments to configured URLs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/tracing"
)

const maxOutput = 1 << 20

// ErrUnknownTool signals a tool with no configured endpoint.
var ErrUnknownTool = errors.New("unknown tool")

// Executor implements domain.ToolExecutor over HTTP.
type Executor struct {
	endpoints map[string]string
	http      *http.Client
}

// New creates an executor for tool name → URL.
func New(endpoints map[string]string, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		endpoints: endpoints,
		http:      &http.Client{Timeout: timeout, Transport: tracing.Transport(nil)},
	}
}

type request struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Execute implements domain.ToolExecutor. The response body is the tool output.
func (e *Executor) Execute(ctx context.Context, call domain.ToolCall) (string, error) {
	url, ok := e.endpoints[call.Tool]
	if !ok {
		return "", fmt.Errorf("%s: %w: %w", call.Tool, ErrUnknownTool, domain.ErrToolForbidden)
	}

	body, err := json.Marshal(request{Tool: call.Tool, Arguments: call.Arguments})
	if err != nil {
		return "", domain.NewValidationError("arguments", "must be JSON-encodable")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("tool %s: %w", call.Tool, domain.ErrRequestTimeout)
		}
		return "", domain.NewDependencyError(domain.DepToolExecutor, fmt.Errorf("tool %s: %w", call.Tool, err))
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxOutput))
	if err != nil {
		return "", domain.NewDependencyError(domain.DepToolExecutor, fmt.Errorf("tool %s: read: %w", call.Tool, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", domain.NewDependencyError(domain.DepToolExecutor, fmt.Errorf("tool %s: status %d", call.Tool, resp.StatusCode))
	}
	return string(out), nil
}
