// Package turn assembles the correlation-keyed record of one conversation
// turn: prompt, tool calls made, agent results, and the final answer.
//
// Records are mutable only between Begin and Seal. Sealing freezes the record
// and hands back a copy, because the watchdog pool and the audit writer may
// outlive the request that produced it.
package turn

import (
	"fmt"
	"sync"
	"time"

	"github.com/wardenlabs/warden/internal/gateway"
	"github.com/wardenlabs/warden/internal/redact"
)

// DefaultSummaryCap bounds prompt and answer summaries stored on a record.
const DefaultSummaryCap = 2000

// ToolCallRecord pairs a tool-call request with the result it produced.
type ToolCallRecord struct {
	Request gateway.ToolCallRequest `json:"request"`
	Result  gateway.AgentResult     `json:"result"`
}

// TurnRecord is the sealed audit view of one conversation turn.
type TurnRecord struct {
	CorrelationID      string           `json:"correlation_id"`
	PromptSummary      string           `json:"prompt_summary"`
	ToolCalls          []ToolCallRecord `json:"tool_calls,omitempty"`
	FinalAnswerSummary string           `json:"final_answer_summary"`
	ToolLoopExceeded   bool             `json:"tool_loop_exceeded,omitempty"`
	RedactedEntities   []string         `json:"redacted_entities,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	SealedAt           time.Time        `json:"sealed_at"`
}

// Copy returns a deep copy safe to hand to another goroutine.
func (r TurnRecord) Copy() TurnRecord {
	out := r
	out.ToolCalls = make([]ToolCallRecord, len(r.ToolCalls))
	copy(out.ToolCalls, r.ToolCalls)
	out.RedactedEntities = append([]string(nil), r.RedactedEntities...)
	for i := range out.ToolCalls {
		tc := &out.ToolCalls[i]
		tc.Result.Snippets = append([]string(nil), tc.Result.Snippets...)
		tc.Result.Sources = append([]gateway.Source(nil), tc.Result.Sources...)
		tc.Result.AnomalousSources = append([]string(nil), tc.Result.AnomalousSources...)
		args := make(map[string]interface{}, len(tc.Request.Arguments))
		for k, v := range tc.Request.Arguments {
			args[k] = v
		}
		tc.Request.Arguments = args
	}
	return out
}

// DuplicateCorrelationError indicates two Begin calls with the same id —
// a programmer error in the id generator, never silently overwritten.
type DuplicateCorrelationError struct {
	CorrelationID string
}

func (e *DuplicateCorrelationError) Error() string {
	return fmt.Sprintf("turn %q already in progress", e.CorrelationID)
}

// AlreadySealedError indicates mutation of a sealed record.
type AlreadySealedError struct {
	CorrelationID string
}

func (e *AlreadySealedError) Error() string {
	return fmt.Sprintf("turn %q already sealed", e.CorrelationID)
}

// Handle references one in-progress record. All mutation goes through the
// Recorder that issued it.
type Handle struct {
	correlationID string
}

// CorrelationID returns the id of the turn this handle tracks.
func (h *Handle) CorrelationID() string { return h.correlationID }

// Recorder tracks in-progress turn records.
type Recorder struct {
	mu         sync.Mutex
	active     map[string]*TurnRecord
	scrubber   *redact.Scrubber
	summaryCap int
}

// NewRecorder creates a recorder. scrubber may be nil to disable summary
// redaction; summaryCap <= 0 falls back to DefaultSummaryCap.
func NewRecorder(scrubber *redact.Scrubber, summaryCap int) *Recorder {
	if summaryCap <= 0 {
		summaryCap = DefaultSummaryCap
	}
	return &Recorder{
		active:     make(map[string]*TurnRecord),
		scrubber:   scrubber,
		summaryCap: summaryCap,
	}
}

// Begin creates an in-progress record for the given correlation id.
// The prompt summary is redacted and size-capped before storage.
func (r *Recorder) Begin(correlationID, promptSummary string) (*Handle, error) {
	summary, entities := r.scrub(promptSummary)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[correlationID]; exists {
		return nil, &DuplicateCorrelationError{CorrelationID: correlationID}
	}
	r.active[correlationID] = &TurnRecord{
		CorrelationID:    correlationID,
		PromptSummary:    summary,
		RedactedEntities: entities,
		CreatedAt:        time.Now().UTC(),
	}
	return &Handle{correlationID: correlationID}, nil
}

// RecordToolCall appends a request/result pair in invocation order.
func (r *Recorder) RecordToolCall(h *Handle, req gateway.ToolCallRequest, res gateway.AgentResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[h.correlationID]
	if !ok {
		return &AlreadySealedError{CorrelationID: h.correlationID}
	}
	rec.ToolCalls = append(rec.ToolCalls, ToolCallRecord{Request: req, Result: res})
	return nil
}

// MarkToolLoopExceeded flags the record when the round-trip bound forced
// early finalization.
func (r *Recorder) MarkToolLoopExceeded(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[h.correlationID]
	if !ok {
		return &AlreadySealedError{CorrelationID: h.correlationID}
	}
	rec.ToolLoopExceeded = true
	return nil
}

// Seal freezes the record and returns a copy. A second Seal on the same
// handle fails with AlreadySealedError and does not alter the sealed record.
func (r *Recorder) Seal(h *Handle, finalAnswerSummary string) (TurnRecord, error) {
	summary, entities := r.scrub(finalAnswerSummary)

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[h.correlationID]
	if !ok {
		return TurnRecord{}, &AlreadySealedError{CorrelationID: h.correlationID}
	}
	delete(r.active, h.correlationID)

	rec.FinalAnswerSummary = summary
	rec.RedactedEntities = mergeEntities(rec.RedactedEntities, entities)
	rec.SealedAt = time.Now().UTC()
	return rec.Copy(), nil
}

// InProgress returns the number of unsealed turns, for status reporting.
func (r *Recorder) InProgress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Recorder) scrub(text string) (string, []string) {
	var entities []string
	if r.scrubber != nil {
		text, entities = r.scrubber.Scrub(text)
	}
	if len(text) > r.summaryCap {
		text = text[:r.summaryCap] + "..."
	}
	return text, entities
}

func mergeEntities(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a))
	for _, e := range a {
		seen[e] = true
	}
	for _, e := range b {
		if !seen[e] {
			a = append(a, e)
			seen[e] = true
		}
	}
	return a
}
