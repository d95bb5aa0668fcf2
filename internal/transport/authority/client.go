// Package authority is the runtime's HTTP client for the budget authority.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/domain/protocol"
	"github.com/kailas-cloud/leasegate/internal/tracing"
)

// API paths.
const (
	PathHandshake = "/api/v1/budget/handshake"
	PathReport    = "/api/v1/budget/report"
	PathRefresh   = "/api/v1/budget/refresh"
	PathAudit     = "/api/v1/audit"
	PathHealth    = "/health"
)

const maxErrorBody = 4 << 10

// codeErrors maps authority error codes back to domain sentinels.
var codeErrors = map[string]error{
	"invalid_credential":  domain.ErrInvalidCredential,
	"insufficient_budget": domain.ErrInsufficientBudget,
	"lease_not_found":     domain.ErrLeaseNotFound,
	"lease_forbidden":     domain.ErrLeaseForbidden,
	"lease_superseded":    domain.ErrLeaseSuperseded,
	"validation_failed":   domain.ErrValidation,
	"bad_request":         domain.ErrValidation,
}

// Config holds client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the authority over HTTP/JSON.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates an authority client with a traced transport.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout, Transport: tracing.Transport(nil)},
	}
}

// Handshake sends INIT_BUDGET_REQUEST.
func (c *Client) Handshake(ctx context.Context, req protocol.InitBudgetRequest) (protocol.InitBudgetResponse, error) {
	var resp protocol.InitBudgetResponse
	if err := c.post(ctx, PathHandshake, "", req, &resp, domain.DepBudget); err != nil {
		return protocol.InitBudgetResponse{}, fmt.Errorf("handshake: %w", err)
	}
	return resp, nil
}

// Refresh sends BUDGET_REFRESH_REQUEST authenticated by the agent credential.
func (c *Client) Refresh(ctx context.Context, credential string, req protocol.RefreshRequest) (protocol.RefreshResponse, error) {
	var resp protocol.RefreshResponse
	if err := c.post(ctx, PathRefresh, credential, req, &resp, domain.DepBudget); err != nil {
		return protocol.RefreshResponse{}, fmt.Errorf("refresh: %w", err)
	}
	return resp, nil
}

// ReportUsage delivers one usage report. duplicate is true when the authority already had it.
func (c *Client) ReportUsage(ctx context.Context, r protocol.UsageReport) (bool, error) {
	var ack protocol.Ack
	if err := c.post(ctx, PathReport, "", r, &ack, domain.DepUsageReport); err != nil {
		return false, fmt.Errorf("report usage %s: %w", r.RequestID, err)
	}
	return ack.Duplicate, nil
}

// SendAudit delivers one audit event.
func (c *Client) SendAudit(ctx context.Context, e protocol.AuditEvent) (bool, error) {
	var ack protocol.Ack
	if err := c.post(ctx, PathAudit, "", e, &ack, domain.DepAudit); err != nil {
		return false, fmt.Errorf("send audit %s: %w", e.EventID, err)
	}
	return ack.Duplicate, nil
}

// HealthCheck verifies the authority answers /health.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewDependencyError(domain.DepBudget, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return domain.NewDependencyError(domain.DepBudget, fmt.Errorf("health status %d", resp.StatusCode))
	}
	return nil
}

// post sends body as JSON and decodes a 200 response into out.
// Transport failures and 5xx become DependencyErrors for dep; 4xx map to domain sentinels.
func (c *Client) post(ctx context.Context, path, bearer string, body, out any, dep domain.Dependency) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL error carries only the authority address, never the body or headers.
		return domain.NewDependencyError(dep, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.NewDependencyError(dep, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
	return decodeError(resp, dep)
}

func decodeError(resp *http.Response, dep domain.Dependency) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var er protocol.ErrorResponse
	_ = json.Unmarshal(raw, &er)

	if sentinel, ok := codeErrors[er.Code]; ok && resp.StatusCode < http.StatusInternalServerError {
		return fmt.Errorf("authority %d: %s: %w", resp.StatusCode, er.Message, sentinel)
	}
	return domain.NewDependencyError(dep, &StatusError{Status: resp.StatusCode, Code: er.Code})
}

// StatusError is an unexpected authority response.
type StatusError struct {
	Status int
	Code   string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("authority status %d", e.Status)
	}
	return fmt.Sprintf("authority status %d (%s)", e.Status, e.Code)
}

// IsStatus reports whether err carries an authority StatusError with the given status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}
