package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/wardenlabs/warden/internal/otel"
	"github.com/wardenlabs/warden/internal/policy"
)

var tracer = wardenotel.Tracer("github.com/wardenlabs/warden/internal/gateway")

// responseHeadroom bounds how much raw agent response body is read beyond the
// endpoint's max_result_bytes, covering JSON framing and source metadata.
const responseHeadroom = 16 * 1024

// Gateway resolves tool calls to registered agent endpoints and performs the
// outbound call under the policy allowlist.
type Gateway struct {
	store  *policy.Store
	client *http.Client
}

// New creates a gateway backed by the given policy store. client may be nil,
// in which case a default client is used; per-call timeouts always come from
// the endpoint configuration.
func New(store *policy.Store, client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{}
	}
	return &Gateway{store: store, client: client}
}

// agentRequest is the wire request every agent endpoint accepts.
type agentRequest struct {
	Arguments     map[string]interface{} `json:"arguments"`
	CorrelationID string                 `json:"correlation_id"`
}

// agentResponse is the wire response every agent endpoint returns.
type agentResponse struct {
	Summary  string   `json:"summary"`
	Snippets []string `json:"snippets"`
	Sources  []Source `json:"sources"`
}

// Invoke dispatches one tool call. The key scope check runs before the
// endpoint is resolved, so an unauthorized tool name never reaches the
// network layer. Exactly one outbound call is made per invocation; timeouts
// are never retried because agent side effects are not guaranteed idempotent.
//
// Pre-network rejections surface as errors (*PolicyError, *UnknownToolError);
// network-level outcomes surface as AgentResult failures so the orchestrator
// can feed them back to the worker model.
func (g *Gateway) Invoke(ctx context.Context, req ToolCallRequest, keyID string) (AgentResult, error) {
	ctx, span := tracer.Start(ctx, "gateway.invoke",
		trace.WithAttributes(
			attribute.String("correlation_id", req.CorrelationID),
			attribute.String("tool.name", req.ToolName),
			attribute.String("key_id", keyID),
		))
	defer span.End()

	snap := g.store.Snapshot()

	if !snap.CheckKeyScope(keyID, req.ToolName) {
		err := &PolicyError{KeyID: keyID, Tool: req.ToolName}
		span.RecordError(err)
		log.Warn().
			Str("correlation_id", req.CorrelationID).
			Str("key_id", keyID).
			Str("tool", req.ToolName).
			Msg("gateway_policy_rejected")
		return Failure(FailurePolicy, err.Error()), err
	}

	ep, ok := snap.Endpoint(req.ToolName)
	if !ok {
		err := &UnknownToolError{Tool: req.ToolName}
		span.RecordError(err)
		log.Warn().
			Str("correlation_id", req.CorrelationID).
			Str("tool", req.ToolName).
			Msg("gateway_unknown_tool")
		return Failure(FailureUnknownTool, err.Error()), err
	}

	if msg, ok := validateArguments(req.Arguments); !ok {
		log.Warn().
			Str("correlation_id", req.CorrelationID).
			Str("tool", req.ToolName).
			Str("reason", msg).
			Msg("gateway_invalid_arguments")
		return Failure(FailureInvalidArguments, msg), nil
	}

	result := g.call(ctx, ep, req)
	if result.OK {
		result = g.revalidateSources(snap, ep, req.CorrelationID, result)
		result = truncateResult(result, ep.MaxResultBytes)
	}
	span.SetAttributes(
		attribute.Bool("result.ok", result.OK),
		attribute.Bool("result.truncated", result.Truncated),
		attribute.Int("result.sources_stripped", len(result.AnomalousSources)),
	)
	return result, nil
}

// call performs the single outbound network call with the endpoint timeout.
func (g *Gateway) call(ctx context.Context, ep *policy.AgentEndpoint, req ToolCallRequest) AgentResult {
	ctx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	body, err := json.Marshal(agentRequest{
		Arguments:     req.Arguments,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return Failure(FailureTransport, fmt.Sprintf("encoding agent request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.InvocationTarget, bytes.NewReader(body))
	if err != nil {
		return Failure(FailureTransport, fmt.Sprintf("building agent request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			log.Warn().
				Str("correlation_id", req.CorrelationID).
				Str("tool", ep.Name).
				Dur("timeout", ep.Timeout).
				Msg("gateway_agent_timeout")
			return Failure(FailureTimeout, fmt.Sprintf("agent %s timed out after %s", ep.Name, ep.Timeout))
		}
		return Failure(FailureTransport, fmt.Sprintf("agent %s unreachable: %v", ep.Name, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Failure(FailureTransport, fmt.Sprintf("agent %s returned status %d", ep.Name, resp.StatusCode))
	}

	limit := int64(ep.MaxResultBytes + responseHeadroom)
	var wire agentResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, limit)).Decode(&wire); err != nil {
		return Failure(FailureTransport, fmt.Sprintf("agent %s returned malformed or oversized response: %v", ep.Name, err))
	}

	log.Debug().
		Str("correlation_id", req.CorrelationID).
		Str("tool", ep.Name).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("gateway_agent_responded")

	return AgentResult{
		OK:       true,
		Summary:  wire.Summary,
		Snippets: wire.Snippets,
		Sources:  wire.Sources,
	}
}

// revalidateSources strips sources whose URL fails the allowlist check.
// Stripped URLs are kept on the result as anomaly markers and logged —
// evidence of a policy violation is surfaced, never hidden.
func (g *Gateway) revalidateSources(snap *policy.Snapshot, ep *policy.AgentEndpoint, correlationID string, result AgentResult) AgentResult {
	if len(result.Sources) == 0 {
		return result
	}
	kept := result.Sources[:0]
	for _, src := range result.Sources {
		allowed, err := snap.IsDestinationAllowed(ep.Name, src.URL)
		if err == nil && allowed {
			kept = append(kept, src)
			continue
		}
		result.AnomalousSources = append(result.AnomalousSources, src.URL)
		log.Warn().
			Str("correlation_id", correlationID).
			Str("tool", ep.Name).
			Str("url", src.URL).
			Msg("gateway_source_stripped")
	}
	result.Sources = kept
	return result
}

// truncateResult caps summary and snippet bytes at maxBytes and marks the
// result partial when anything was cut.
func truncateResult(result AgentResult, maxBytes int) AgentResult {
	budget := maxBytes
	if len(result.Summary) > budget {
		result.Summary = result.Summary[:budget]
		result.Snippets = nil
		result.Truncated = true
		return result
	}
	budget -= len(result.Summary)
	for i, sn := range result.Snippets {
		if len(sn) > budget {
			if budget > 0 {
				result.Snippets[i] = sn[:budget]
				result.Snippets = result.Snippets[:i+1]
			} else {
				result.Snippets = result.Snippets[:i]
			}
			result.Truncated = true
			return result
		}
		budget -= len(sn)
	}
	return result
}

// validateArguments applies basic local validation before any network call:
// a "query" argument, when present, must be a non-empty string.
func validateArguments(args map[string]interface{}) (string, bool) {
	if len(args) == 0 {
		return "tool arguments must not be empty", false
	}
	if q, ok := args["query"]; ok {
		s, isString := q.(string)
		if !isString || s == "" {
			return "argument \"query\" must be a non-empty string", false
		}
	}
	return "", true
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
