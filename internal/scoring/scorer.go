// Package scoring computes a heuristic confidence score for each tool-call
// outcome.
//
// The score is deterministic: fixed additive and subtractive adjustments
// applied in a fixed order, clamped to [0,1] at the end. It is a signal for
// the operator UI (e.g. "review this write"), not a probability.
package scoring

import (
	"strings"

	"github.com/wardenhq/warden/internal/policy"
	"github.com/wardenhq/warden/internal/tools"
)

// DefaultBase is the starting score before adjustments.
const DefaultBase = 0.85

// Adjustment constants. Order of application matters only for the reject
// short-circuit; all other adjustments are commutative under the final
// clamp, but the fixed order keeps scores reproducible.
const (
	penaltyRequireConfirmation = 0.35
	penaltyWarn                = 0.15
	penaltyWriteTool           = 0.10
	bonusReadTool              = 0.05
	penaltyMissingArgs         = 0.40
	bonusSuccessTokens         = 0.15
	penaltyFailureTokens       = 0.30
	penaltyManyArgs            = 0.10
	manyArgsThreshold          = 8
)

var (
	writePrefixes = []string{"create_", "update_", "delete_", "post_"}
	readPrefixes  = []string{"get_", "list_"}
	successTokens = []string{"success", "created", "updated", "completed", "ok"}
	failureTokens = []string{"error", "failed", "failure", "not found", "denied", "exception"}
)

// Scorer computes confidence scores. The zero value is not usable; construct
// with NewScorer.
type Scorer struct {
	base float64
}

// NewScorer creates a scorer with the given base score. Values outside (0,1]
// fall back to DefaultBase.
func NewScorer(base float64) *Scorer {
	if base <= 0 || base > 1 {
		base = DefaultBase
	}
	return &Scorer{base: base}
}

// Score computes the confidence for a completed tool call. policyAction is
// the Guardian's action when it was not a plain allow; requiresArgs reports
// whether the tool's schema structurally requires at least one argument.
func (s *Scorer) Score(call tools.Call, policyAction policy.Action, requiresArgs bool) float64 {
	if policyAction == policy.ActionReject {
		return 0
	}

	score := s.base

	if policyAction == policy.ActionRequireConfirmation {
		score -= penaltyRequireConfirmation
	}
	if policyAction == policy.ActionWarn {
		score -= penaltyWarn
	}

	if hasAnyPrefix(call.Name, writePrefixes) {
		score -= penaltyWriteTool
	}
	if hasAnyPrefix(call.Name, readPrefixes) {
		score += bonusReadTool
	}

	if requiresArgs && len(call.Args) == 0 {
		score -= penaltyMissingArgs
	}

	summary := strings.ToLower(call.ResultSummary)
	if containsAny(summary, successTokens) {
		score += bonusSuccessTokens
	}
	if containsAny(summary, failureTokens) {
		score -= penaltyFailureTokens
	}

	if len(call.Args) > manyArgsThreshold {
		score -= penaltyManyArgs
	}

	return clamp(score)
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

func containsAny(text string, tokens []string) bool {
	if text == "" {
		return false
	}
	for _, tok := range tokens {
		if strings.Contains(text, tok) {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
