package policy

import (
	"context"
	"embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

// regoPolicy maps a Rego file to the OPA query used to extract deny messages.
type regoPolicy struct {
	file  string
	query string
}

var allPolicies = []regoPolicy{
	{file: "rego/turn_admission.rego", query: "data.warden.policy.admission.deny"},
	{file: "rego/tool_access.rego", query: "data.warden.policy.tool_access.deny"},
}

// Engine evaluates operator admission rules using embedded OPA queries.
// The snapshot's admission config is loaded as OPA data at construction.
type Engine struct {
	prepared map[string]rego.PreparedEvalQuery
}

// NewEngine creates an engine with precompiled Rego policies for the given
// snapshot's admission rules.
func NewEngine(ctx context.Context, snap *Snapshot) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	adm := snap.Admission()
	forbidden := adm.ForbiddenTools
	if forbidden == nil {
		forbidden = []string{}
	}
	opaData := map[string]interface{}{
		"policy": map[string]interface{}{
			"admission": map[string]interface{}{
				"max_prompt_chars": adm.MaxPromptChars,
				"forbidden_tools":  forbidden,
			},
		},
	}

	prepared := make(map[string]rego.PreparedEvalQuery, len(allPolicies))
	for _, rp := range allPolicies {
		content, err := embeddedPolicies.ReadFile(rp.file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded policy %s: %w", rp.file, err)
		}
		store := inmem.NewFromObject(opaData)
		r := rego.New(
			rego.Query(rp.query),
			rego.Module(rp.file, string(content)),
			rego.Store(store),
		)
		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("preparing Rego policy %s: %w", rp.file, err)
		}
		prepared[rp.query] = pq
	}
	span.SetAttributes(attribute.Int("policy.prepared_count", len(prepared)))
	return &Engine{prepared: prepared}, nil
}

// EvaluateTurn runs the turn-admission rules. Returns (allowed, deny reasons).
func (e *Engine) EvaluateTurn(ctx context.Context, promptChars int) (bool, []string, error) {
	return e.evaluate(ctx, "data.warden.policy.admission.deny", map[string]interface{}{
		"prompt_chars": promptChars,
	})
}

// EvaluateTool runs the tool-access rules for one dispatch.
func (e *Engine) EvaluateTool(ctx context.Context, keyID, tool string) (bool, []string, error) {
	return e.evaluate(ctx, "data.warden.policy.tool_access.deny", map[string]interface{}{
		"key_id": keyID,
		"tool":   tool,
	})
}

func (e *Engine) evaluate(ctx context.Context, query string, input map[string]interface{}) (bool, []string, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("policy.query", query))

	pq, ok := e.prepared[query]
	if !ok {
		return false, nil, fmt.Errorf("no prepared query for %s", query)
	}
	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.RecordError(err)
		return false, nil, fmt.Errorf("evaluating %s: %w", query, err)
	}

	var reasons []string
	for _, result := range results {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, v := range set {
				if msg, ok := v.(string); ok {
					reasons = append(reasons, msg)
				}
			}
		}
	}
	span.SetAttributes(attribute.Int("policy.deny_count", len(reasons)))
	return len(reasons) == 0, reasons, nil
}
