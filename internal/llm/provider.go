package llm

import (
	"context"
	"errors"
	"time"
)

// TimeoutLLMCall bounds every worker model call.
const TimeoutLLMCall = 60 * time.Second

// Domain errors for the LLM package.
var (
	ErrProviderNotAvailable = errors.New("provider not available")
	ErrEmptyResponse        = errors.New("model returned no choices")
)

// UpstreamError wraps a worker model failure so the server layer can map it
// to a 502 instead of a generic 500.
type UpstreamError struct {
	Provider string
	Err      error
}

func (e *UpstreamError) Error() string {
	return "upstream " + e.Provider + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Provider is the interface all worker model providers implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "ollama").
	Name() string
	// Generate sends a completion request to the model and returns the response.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request represents a model generation request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Tools       []Tool
}

// Message represents a chat message. Assistant messages may carry tool calls;
// tool messages carry the result for one call, keyed by ToolCallID.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// Tool is a tool definition offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Response represents a model generation response.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
	ToolCalls    []ToolCall
}

// ToolCall is a request from the model to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}
