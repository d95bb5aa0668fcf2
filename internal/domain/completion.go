package domain

import "context"

// Provider is an inference backend. The API key is lent per call and must not be retained.
type Provider interface {
	Name() string
	Complete(ctx context.Context, apiKey string, req CompletionRequest) (CompletionResult, error)
}

// CompletionRequest is the opaque provider call. Model empty means the provider default.
type CompletionRequest struct {
	Model     string
	Prompt    string
	MaxTokens int
}

// CompletionResult carries the content body and token usage of a provider call.
type CompletionResult struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ToolCall is an agent request to run an external tool.
type ToolCall struct {
	Tool      string
	Arguments map[string]any
}

// ToolExecutor runs a tool and returns its raw output.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (string, error)
}
