// Package gateway dispatches tool calls to registered agent endpoints.
//
// Invoke is the only code path in the process that performs an outbound call
// on behalf of a tool request, and it consults the policy choke point
// (CheckKeyScope) before the endpoint is even resolved. Agent responses are
// re-validated against the destination allowlist because a compromised or
// buggy agent can return sources it was never allowed to contact.
package gateway

import "fmt"

// ToolCallRequest is a tool-call intent emitted by the worker model mid-turn.
// Immutable once issued; the correlation id ties it to its turn.
type ToolCallRequest struct {
	ToolName      string                 `json:"tool_name"`
	Arguments     map[string]interface{} `json:"arguments"`
	CorrelationID string                 `json:"correlation_id"`
}

// Source is one attributed origin in an agent result. Every URL must match
// one of the originating agent's allowed destination prefixes.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// FailureKind classifies agent invocation failures.
type FailureKind string

const (
	FailurePolicy           FailureKind = "policy"
	FailureUnknownTool      FailureKind = "unknown_tool"
	FailureInvalidArguments FailureKind = "invalid_arguments"
	FailureTimeout          FailureKind = "timeout"
	FailureTransport        FailureKind = "transport"
)

// AgentResult is the outcome of one gateway invocation: either a success
// payload or a typed failure, never both.
type AgentResult struct {
	OK       bool     `json:"ok"`
	Summary  string   `json:"summary,omitempty"`
	Snippets []string `json:"snippets,omitempty"`
	Sources  []Source `json:"sources,omitempty"`

	// Truncated marks a success whose payload was cut at the endpoint's
	// max_result_bytes; downstream consumers must not treat it as complete.
	Truncated bool `json:"truncated,omitempty"`
	// AnomalousSources lists URLs stripped because they failed allowlist
	// re-validation. Non-empty means agent_anomaly for the watchdog.
	AnomalousSources []string `json:"anomalous_sources,omitempty"`

	FailureKind FailureKind `json:"failure_kind,omitempty"`
	Message     string      `json:"message,omitempty"`
}

// Failure builds a failed AgentResult.
func Failure(kind FailureKind, message string) AgentResult {
	return AgentResult{OK: false, FailureKind: kind, Message: message}
}

// ToolContext renders the result as the tool-call context fed back to the
// worker model. Failures degrade gracefully instead of aborting the turn.
func (r AgentResult) ToolContext() string {
	if !r.OK {
		return fmt.Sprintf("tool call failed: %s", r.Message)
	}
	out := r.Summary
	for _, s := range r.Snippets {
		out += "\n" + s
	}
	for _, src := range r.Sources {
		out += "\nsource: " + src.URL
	}
	if r.Truncated {
		out += "\n[result truncated]"
	}
	return out
}

// PolicyError indicates the requesting key is not authorized for the tool.
// Logged as a security-relevant event; never retried.
type PolicyError struct {
	KeyID string
	Tool  string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("key %q not authorized for tool %q", e.KeyID, e.Tool)
}

// UnknownToolError indicates a tool name with no registered endpoint —
// a configuration mismatch, fatal to the attempt but not to the turn.
type UnknownToolError struct {
	Tool string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("no agent registered for tool %q", e.Tool)
}
