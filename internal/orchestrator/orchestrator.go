// Package orchestrator runs the mediated turn loop: admit the prompt,
// drive the worker model through a bounded number of tool rounds, seal the
// turn record, and hand it to the watchdog for scoring.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wardenlabs/warden/internal/gateway"
	"github.com/wardenlabs/warden/internal/llm"
	wardenotel "github.com/wardenlabs/warden/internal/otel"
	"github.com/wardenlabs/warden/internal/policy"
	"github.com/wardenlabs/warden/internal/requestctx"
	"github.com/wardenlabs/warden/internal/turn"
)

var tracer = wardenotel.Tracer("github.com/wardenlabs/warden/internal/orchestrator")

// DefaultMaxToolRounds bounds the worker's tool loop per turn.
const DefaultMaxToolRounds = 5

const workerSystemPrompt = `You are a careful assistant. You may call the provided tools to gather
information. Cite tool results when you use them. When a tool call fails,
work with what you have instead of retrying the same call. Answer the
user's question directly and concisely.`

const loopExceededNote = `Tool limit reached for this turn. Do not request any more tool calls;
produce your final answer now using the information already gathered.`

// AdmissionError is returned when policy rejects the prompt before any
// worker call is made.
type AdmissionError struct {
	Reasons []string
}

func (e *AdmissionError) Error() string {
	return "turn rejected by admission policy: " + strings.Join(e.Reasons, "; ")
}

// TurnError attributes a mid-turn failure to its correlation ID so callers
// can point at the sealed audit record.
type TurnError struct {
	CorrelationID string
	Err           error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %s: %v", e.CorrelationID, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// Submitter accepts sealed records for asynchronous scoring.
type Submitter interface {
	Submit(rec turn.TurnRecord)
}

// TurnRequest is one user prompt to mediate.
type TurnRequest struct {
	KeyID  string
	Prompt string
}

// TurnResult is the synchronous outcome of one mediated turn. The verdict is
// produced asynchronously and retrieved through the audit API.
type TurnResult struct {
	CorrelationID    string   `json:"correlation_id"`
	Answer           string   `json:"answer"`
	ToolCalls        int      `json:"tool_calls"`
	ToolLoopExceeded bool     `json:"tool_loop_exceeded,omitempty"`
	RedactedEntities []string `json:"redacted_entities,omitempty"`
	PolicyVersion    string   `json:"policy_version"`
}

// Orchestrator drives the turn state machine. The policy engine pointer is
// swapped together with the store snapshot on reload.
type Orchestrator struct {
	store         *policy.Store
	engine        atomic.Pointer[policy.Engine]
	gateway       *gateway.Gateway
	recorder      *turn.Recorder
	worker        llm.Provider
	pool          Submitter
	model         string
	maxToolRounds int
}

// Config wires an orchestrator.
type Config struct {
	Store         *policy.Store
	Engine        *policy.Engine
	Gateway       *gateway.Gateway
	Recorder      *turn.Recorder
	Worker        llm.Provider
	Pool          Submitter
	Model         string
	MaxToolRounds int
}

// New creates an orchestrator. MaxToolRounds <= 0 falls back to the default.
func New(cfg Config) *Orchestrator {
	rounds := cfg.MaxToolRounds
	if rounds <= 0 {
		rounds = DefaultMaxToolRounds
	}
	o := &Orchestrator{
		store:         cfg.Store,
		gateway:       cfg.Gateway,
		recorder:      cfg.Recorder,
		worker:        cfg.Worker,
		pool:          cfg.Pool,
		model:         cfg.Model,
		maxToolRounds: rounds,
	}
	o.engine.Store(cfg.Engine)
	return o
}

// ReloadPolicy swaps in a freshly loaded snapshot and its engine. In-flight
// turns keep the snapshot they started with.
func (o *Orchestrator) ReloadPolicy(snap *policy.Snapshot, engine *policy.Engine) {
	o.store.Swap(snap)
	o.engine.Store(engine)
	log.Info().
		Str("policy_version", snap.Version()).
		Int("agents", len(snap.Endpoints())).
		Msg("policy_reloaded")
}

// HandleTurn mediates one turn end to end: admission, the worker tool loop,
// sealing, and watchdog submission. Sealing always runs, even when the
// worker fails mid-turn.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	correlationID := newCorrelationID()
	ctx, span := tracer.Start(ctx, "orchestrator.turn",
		trace.WithAttributes(
			attribute.String("correlation_id", correlationID),
			attribute.String("key_id", req.KeyID),
		))
	defer span.End()

	// The turn detaches from the caller's cancellation as soon as it is
	// received: a client disconnect must not leave a half-recorded turn.
	ctx = context.WithoutCancel(ctx)
	ctx = requestctx.SetCorrelationID(ctx, correlationID)

	snap := o.store.Snapshot()
	engine := o.engine.Load()

	allowed, reasons, err := engine.EvaluateTurn(ctx, len(req.Prompt))
	if err != nil {
		return nil, fmt.Errorf("evaluating admission policy: %w", err)
	}
	if !allowed {
		log.Warn().
			Str("correlation_id", correlationID).
			Str("key_id", req.KeyID).
			Strs("reasons", reasons).
			Msg("turn_admission_rejected")
		return nil, &AdmissionError{Reasons: reasons}
	}

	h, err := o.recorder.Begin(correlationID, req.Prompt)
	if err != nil {
		return nil, fmt.Errorf("beginning turn record: %w", err)
	}

	result, runErr := o.runWorkerLoop(ctx, snap, engine, h, req)

	answer := ""
	if result != nil {
		answer = result.answer
	}
	rec, sealErr := o.recorder.Seal(h, answer)
	if sealErr != nil {
		log.Error().Err(sealErr).Str("correlation_id", correlationID).Msg("turn_seal_failed")
	} else {
		o.pool.Submit(rec)
	}

	if runErr != nil {
		span.RecordError(runErr)
		return nil, &TurnError{CorrelationID: correlationID, Err: runErr}
	}

	span.SetAttributes(
		attribute.Int("turn.tool_calls", result.toolCalls),
		attribute.Bool("turn.tool_loop_exceeded", result.loopExceeded),
	)
	log.Info().
		Str("correlation_id", correlationID).
		Str("key_id", req.KeyID).
		Int("tool_calls", result.toolCalls).
		Bool("tool_loop_exceeded", result.loopExceeded).
		Func(wardenotel.LogTraceFields(ctx)).
		Msg("turn_completed")

	return &TurnResult{
		CorrelationID:    correlationID,
		Answer:           result.answer,
		ToolCalls:        result.toolCalls,
		ToolLoopExceeded: result.loopExceeded,
		RedactedEntities: rec.RedactedEntities,
		PolicyVersion:    snap.Version(),
	}, nil
}

type loopOutcome struct {
	answer       string
	toolCalls    int
	loopExceeded bool
}

// runWorkerLoop drives the worker model through tool rounds. Tool failures —
// policy rejections included — are fed back as tool results so the model can
// recover; only worker transport failures abort the turn.
func (o *Orchestrator) runWorkerLoop(ctx context.Context, snap *policy.Snapshot, engine *policy.Engine, h *turn.Handle, req TurnRequest) (*loopOutcome, error) {
	messages := []llm.Message{
		{Role: "system", Content: workerSystemPrompt},
		{Role: "user", Content: req.Prompt},
	}
	tools := toolDefinitions(snap)
	out := &loopOutcome{}

	for round := 0; ; round++ {
		if round >= o.maxToolRounds {
			if err := o.recorder.MarkToolLoopExceeded(h); err != nil {
				return nil, fmt.Errorf("marking tool loop exceeded: %w", err)
			}
			out.loopExceeded = true
			log.Warn().
				Str("correlation_id", h.CorrelationID()).
				Int("max_tool_rounds", o.maxToolRounds).
				Msg("turn_tool_loop_exceeded")

			// One last call with tools withdrawn forces a final answer.
			messages = append(messages, llm.Message{Role: "system", Content: loopExceededNote})
			resp, err := o.worker.Generate(ctx, &llm.Request{
				Model:    o.model,
				Messages: messages,
			})
			if err != nil {
				return nil, fmt.Errorf("worker final answer: %w", err)
			}
			out.answer = resp.Content
			return out, nil
		}

		resp, err := o.worker.Generate(ctx, &llm.Request{
			Model:    o.model,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return nil, fmt.Errorf("worker generate: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			out.answer = resp.Content
			return out, nil
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			result := o.dispatchToolCall(ctx, engine, h, req.KeyID, tc)
			out.toolCalls++
			if err := o.recorder.RecordToolCall(h, gateway.ToolCallRequest{
				ToolName:      tc.Name,
				Arguments:     tc.Arguments,
				CorrelationID: h.CorrelationID(),
			}, result); err != nil {
				return nil, fmt.Errorf("recording tool call: %w", err)
			}
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    result.ToolContext(),
			})
		}
	}
}

// dispatchToolCall runs one tool call through the forbidden-tool policy
// layer and then the gateway. Every outcome is an AgentResult; rejections
// never abort the turn.
func (o *Orchestrator) dispatchToolCall(ctx context.Context, engine *policy.Engine, h *turn.Handle, keyID string, tc llm.ToolCall) gateway.AgentResult {
	allowed, reasons, err := engine.EvaluateTool(ctx, keyID, tc.Name)
	if err != nil {
		log.Error().Err(err).
			Str("correlation_id", h.CorrelationID()).
			Str("tool", tc.Name).
			Msg("tool_policy_eval_failed")
		return gateway.Failure(gateway.FailurePolicy, "policy evaluation failed")
	}
	if !allowed {
		log.Warn().
			Str("correlation_id", h.CorrelationID()).
			Str("key_id", keyID).
			Str("tool", tc.Name).
			Strs("reasons", reasons).
			Msg("tool_call_forbidden")
		return gateway.Failure(gateway.FailurePolicy,
			fmt.Sprintf("tool %q is forbidden: %s", tc.Name, strings.Join(reasons, "; ")))
	}

	result, err := o.gateway.Invoke(ctx, gateway.ToolCallRequest{
		ToolName:      tc.Name,
		Arguments:     tc.Arguments,
		CorrelationID: h.CorrelationID(),
	}, keyID)
	if err != nil {
		// Pre-network rejection; the result already carries the failure.
		return result
	}
	return result
}

// toolDefinitions exposes every registered endpoint to the worker model.
// Scope enforcement happens at the gateway, not here: an out-of-scope call
// is recorded and fed back as a policy failure.
func toolDefinitions(snap *policy.Snapshot) []llm.Tool {
	var tools []llm.Tool
	for _, ep := range snap.Endpoints() {
		tools = append(tools, llm.Tool{
			Name:        ep.Name,
			Description: ep.Description,
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "the query or task for this tool",
					},
				},
				"required": []string{"query"},
			},
		})
	}
	return tools
}

// newCorrelationID builds a sortable unique turn identifier.
func newCorrelationID() string {
	return fmt.Sprintf("turn_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
