// Package pipeline orchestrates governed tool execution: policy gate,
// read-before-write verification, the guarded main call, confidence scoring,
// and best-effort audit.
//
// Failures are data. A rejected, failed, or canceled call becomes a Result
// with its error encoded; nothing is thrown across the batch boundary and a
// failure in one call never aborts its siblings.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wardenhq/warden/internal/audit"
	wardenotel "github.com/wardenhq/warden/internal/otel"
	"github.com/wardenhq/warden/internal/policy"
	"github.com/wardenhq/warden/internal/scoring"
	"github.com/wardenhq/warden/internal/tools"
	"github.com/wardenhq/warden/internal/verify"
)

var tracer = wardenotel.Tracer("github.com/wardenhq/warden/internal/pipeline")

// DiffPreview shows the state a write is about to replace.
type DiffPreview struct {
	Before string `json:"before,omitempty"`
	After  string `json:"after"`
}

// Result is one annotated tool-call outcome. Verification results always
// carry confidence 1.0; they report observed state, not a judgment call.
type Result struct {
	tools.Call
	IsVerification bool          `json:"is_verification,omitempty"`
	Confidence     float64       `json:"confidence"`
	PolicyAction   policy.Action `json:"policy_action"`
	Allowed        bool          `json:"allowed"`
	Error          string        `json:"error,omitempty"`
	DiffPreview    *DiffPreview  `json:"diff_preview,omitempty"`
	DurationMS     int64         `json:"duration_ms"`
}

// Options configures a Pipeline. Guardian and Registry are required; the
// rest default sensibly when nil.
type Options struct {
	Guardian *policy.Guardian
	Registry *tools.Registry
	Scorer   *scoring.Scorer
	Planner  *verify.Planner
	Audit    *audit.Store // optional, best-effort
	Failures *FailureTracker
}

// Pipeline executes tool calls under governance. Safe for concurrent use.
type Pipeline struct {
	guardian *policy.Guardian
	registry *tools.Registry
	scorer   *scoring.Scorer
	planner  *verify.Planner
	audits   *audit.Store
	failures *FailureTracker
}

// New creates a pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Guardian == nil {
		return nil, errors.New("pipeline: guardian is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("pipeline: registry is required")
	}
	if opts.Scorer == nil {
		opts.Scorer = scoring.NewScorer(scoring.DefaultBase)
	}
	if opts.Planner == nil {
		opts.Planner = verify.NewPlanner()
	}
	if opts.Failures == nil {
		opts.Failures = NewFailureTracker(0, 0)
	}
	return &Pipeline{
		guardian: opts.Guardian,
		registry: opts.Registry,
		scorer:   opts.Scorer,
		planner:  opts.Planner,
		audits:   opts.Audit,
		failures: opts.Failures,
	}, nil
}

// ProcessTools runs a batch of tool calls sequentially. A failure in one
// call never aborts its siblings; cancellation stops new side effects and
// marks the remaining calls as canceled results.
func (p *Pipeline) ProcessTools(ctx context.Context, userID string, calls []tools.Call, rules []policy.Rule) []Result {
	ctx, span := tracer.Start(ctx, "pipeline.process_tools",
		trace.WithAttributes(
			wardenotel.UserID.String(userID),
			attribute.Int("tool_count", len(calls)),
		))
	defer span.End()

	var results []Result
	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			for _, skipped := range calls[i:] {
				results = append(results, Result{
					Call:         skipped,
					PolicyAction: policy.ActionAllow,
					Error:        fmt.Sprintf("canceled before execution: %v", err),
				})
			}
			break
		}
		results = append(results, p.ProcessTool(ctx, userID, call, rules)...)
	}
	return results
}

// ProcessTool runs one tool call through the full pipeline and returns its
// result sequence: zero or more verification results followed by the main
// result.
func (p *Pipeline) ProcessTool(ctx context.Context, userID string, call tools.Call, rules []policy.Rule) []Result {
	ctx, span := tracer.Start(ctx, "pipeline.process_tool",
		trace.WithAttributes(wardenotel.ToolCallAttributes(call.ID, call.Name, userID)...))
	defer span.End()

	decision, err := p.guardian.Check(ctx, userID, call.Name, call.Args, rules)
	if err != nil {
		span.RecordError(err)
		res := Result{
			Call:         call,
			PolicyAction: policy.ActionReject,
			Error:        fmt.Sprintf("policy check failed: %v", err),
		}
		res.ResultSummary = res.Error
		p.record(ctx, userID, res)
		return []Result{res}
	}

	span.SetAttributes(
		wardenotel.PolicyAction.String(string(decision.Action)),
		wardenotel.PolicyAllowed.Bool(decision.Allowed),
	)

	// A rejected call produces exactly one result with confidence 0 and no
	// underlying execution, verification included.
	if !decision.Allowed {
		res := Result{
			Call:         call,
			PolicyAction: decision.Action,
			Error:        decision.Message,
		}
		res.ResultSummary = "Rejected by policy: " + decision.Message
		log.Info().
			Str("user_id", userID).
			Str("tool_name", call.Name).
			Str("reason", decision.Message).
			Msg("tool_call_rejected")
		p.record(ctx, userID, res)
		return []Result{res}
	}

	var results []Result
	var before string
	for _, planned := range p.planner.Plan(call.Name, call.Args) {
		vres := p.runVerification(ctx, userID, planned)
		if before == "" && vres.Error == "" {
			before = vres.ResultSummary
		}
		results = append(results, vres)
	}

	results = append(results, p.runMain(ctx, userID, call, decision, before))
	return results
}

// runVerification executes one derived read check. Verification is advisory:
// a failed check is reported as context and never blocks the main call.
func (p *Pipeline) runVerification(ctx context.Context, userID string, planned verify.PlannedCall) Result {
	res := Result{
		Call: tools.Call{
			ID:   uuid.NewString(),
			Name: planned.Name,
			Args: planned.Args,
		},
		IsVerification: true,
		Confidence:     1.0,
		PolicyAction:   policy.ActionAllow,
		Allowed:        true,
	}

	start := time.Now()
	tool, ok := p.registry.Get(planned.Name)
	if !ok {
		res.Error = fmt.Sprintf("verification tool %s not registered", planned.Name)
		res.ResultSummary = "Verification failed: " + res.Error
		return res
	}

	summary, err := tool.Execute(ctx, planned.Args)
	res.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		res.ResultSummary = fmt.Sprintf("Verification failed: %v", err)
		log.Warn().
			Str("user_id", userID).
			Str("tool_name", planned.Name).
			Err(err).
			Msg("verification_call_failed")
		p.record(ctx, userID, res)
		return res
	}

	res.ResultSummary = summary
	p.record(ctx, userID, res)
	return res
}

// runMain executes the guarded main call and scores it.
func (p *Pipeline) runMain(ctx context.Context, userID string, call tools.Call, decision *policy.Decision, before string) Result {
	res := Result{
		Call:         call,
		PolicyAction: decision.Action,
		Allowed:      true,
	}

	start := time.Now()
	tool, ok := p.registry.Get(call.Name)
	if !ok {
		res.Error = fmt.Sprintf("tool %s not registered", call.Name)
		res.ResultSummary = "Error: " + res.Error
	} else {
		summary, err := tool.Execute(ctx, call.Args)
		if err != nil {
			res.Error = err.Error()
			res.ResultSummary = fmt.Sprintf("Error: %v", err)
			p.failures.Record(userID, call.Name, res.Error)
		} else {
			res.ResultSummary = summary
		}
	}
	res.DurationMS = time.Since(start).Milliseconds()

	res.Confidence = p.scorer.Score(res.Call, decision.Action, p.registry.RequiresArgs(call.Name))

	if p.planner.NeedsVerification(call.Name) {
		res.DiffPreview = &DiffPreview{Before: before, After: proposedState(call.Args)}
	}

	p.record(ctx, userID, res)
	return res
}

// proposedState renders the write arguments as the "after" side of the diff.
func proposedState(args map[string]interface{}) string {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(body)
}

// record writes the result to the audit trail, best effort.
func (p *Pipeline) record(ctx context.Context, userID string, res Result) {
	if p.audits == nil {
		return
	}
	rec := &audit.Record{
		UserID:         userID,
		ToolName:       res.Name,
		Action:         string(res.PolicyAction),
		Allowed:        res.Allowed,
		Confidence:     res.Confidence,
		IsVerification: res.IsVerification,
		ResultSummary:  res.ResultSummary,
		DurationMS:     res.DurationMS,
	}
	if err := p.audits.Write(ctx, rec); err != nil {
		log.Warn().Err(err).Str("tool_name", res.Name).Msg("audit_write_failed")
	}
}
