package policy

import (
	"context"
	"embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/wardenhq/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/wardenhq/warden/internal/policy")

//go:embed rego/*.rego
var embeddedValidators embed.FS

// regoValidator maps a Rego file to the OPA query used to extract messages.
type regoValidator struct {
	file  string
	query string
}

// semanticValidators are the fixed validators for business-document tools.
// Unlike dynamic rules they ship with the binary and cannot be disabled per
// request.
var semanticValidators = []regoValidator{
	{file: "rego/documents.rego", query: "data.warden.guardian.documents.deny"},
	{file: "rego/documents_warn.rego", query: "data.warden.guardian.documents.warn"},
}

// GuardianOptions configures the fixed semantic validators.
type GuardianOptions struct {
	// PriceWarnThreshold is the line-item price above which document writes
	// get a warn decision. Zero disables the threshold check.
	PriceWarnThreshold float64
}

// Guardian composes dynamic rules and semantic validators into one
// allow/reject/warn decision per tool call.
type Guardian struct {
	prepared map[string]rego.PreparedEvalQuery
}

// NewGuardian compiles the embedded semantic validators. The options are
// serialized into OPA data so Rego rules can reference thresholds without
// recompilation per call.
func NewGuardian(ctx context.Context, opts GuardianOptions) (*Guardian, error) {
	ctx, span := tracer.Start(ctx, "policy.guardian.new")
	defer span.End()

	opaData := map[string]interface{}{
		"policy": map[string]interface{}{
			"price_warn_threshold": opts.PriceWarnThreshold,
		},
	}

	prepared := make(map[string]rego.PreparedEvalQuery, len(semanticValidators))
	for _, rv := range semanticValidators {
		content, err := embeddedValidators.ReadFile(rv.file)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("reading embedded validator %s: %w", rv.file, err)
		}

		r := rego.New(
			rego.Query(rv.query),
			rego.Module(rv.file, string(content)),
			rego.Store(inmem.NewFromObject(opaData)),
		)

		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("preparing validator %s: %w", rv.file, err)
		}
		prepared[rv.file] = pq
	}

	span.SetAttributes(attribute.Int("policy.prepared_count", len(prepared)))
	return &Guardian{prepared: prepared}, nil
}

// Check evaluates dynamic rules first, then the fixed semantic validators,
// and returns the combined decision. A warn or require_confirmation outcome
// still has Allowed=true; the caller reacts to the action (e.g. requires a
// human confirmation before treating the effect as final).
func (g *Guardian) Check(ctx context.Context, userID, toolName string, args map[string]interface{}, rules []Rule) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.guardian.check",
		trace.WithAttributes(
			wardenotel.ToolName.String(toolName),
			wardenotel.UserID.String(userID),
			attribute.Int("policy.rule_count", len(rules)),
		))
	defer span.End()

	decision := evaluateRules(toolName, args, rules)
	if decision.Action == ActionReject {
		span.SetAttributes(
			wardenotel.PolicyAllowed.Bool(false),
			wardenotel.PolicyAction.String(string(decision.Action)),
		)
		return &decision, nil
	}

	input := map[string]interface{}{
		"tool_name": toolName,
		"params":    args,
	}

	denies, err := g.evaluateSet(ctx, "rego/documents.rego", input)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(denies) > 0 {
		decision = merge(decision, Decision{Allowed: false, Action: ActionReject, Message: denies[0]})
	} else {
		warns, err := g.evaluateSet(ctx, "rego/documents_warn.rego", input)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if len(warns) > 0 {
			decision = merge(decision, Decision{Allowed: true, Action: ActionWarn, Message: warns[0]})
		}
	}

	span.SetAttributes(
		wardenotel.PolicyAllowed.Bool(decision.Allowed),
		wardenotel.PolicyAction.String(string(decision.Action)),
	)
	if decision.Allowed {
		span.SetStatus(codes.Ok, "policy check passed")
	}
	return &decision, nil
}

// evaluateSet runs a prepared Rego query that produces a set of message
// strings. OPA returns the set as []interface{} or, occasionally,
// map[string]interface{}.
func (g *Guardian) evaluateSet(ctx context.Context, pkg string, input map[string]interface{}) ([]string, error) {
	pq, ok := g.prepared[pkg]
	if !ok {
		return nil, fmt.Errorf("validator %s not prepared", pkg)
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", pkg, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	var msgs []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, m := range v {
			if s, ok := m.(string); ok {
				msgs = append(msgs, s)
			}
		}
	case map[string]interface{}:
		for _, m := range v {
			if s, ok := m.(string); ok {
				msgs = append(msgs, s)
			}
		}
	}
	return msgs, nil
}
