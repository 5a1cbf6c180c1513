package policy

import (
	"fmt"
	"sort"
	"strings"
)

// evaluateRules applies dynamic rules to a tool call. Matching rules are
// tried in priority order (ascending, stable); the first rule whose tool and
// condition both match wins. Returns an allow decision when no rule matches.
func evaluateRules(toolName string, args map[string]interface{}, rules []Rule) Decision {
	ordered := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	for _, r := range ordered {
		if !ruleMatches(r, toolName, args) {
			continue
		}
		msg := r.Message
		if msg == "" && r.Action != ActionAllow {
			msg = fmt.Sprintf("matched rule %q", r.Name)
		}
		return Decision{
			Allowed: r.Action != ActionReject,
			Action:  r.Action,
			Message: msg,
		}
	}
	return Decision{Allowed: true, Action: ActionAllow}
}

func ruleMatches(r Rule, toolName string, args map[string]interface{}) bool {
	if r.Condition.Tool != "" && r.Condition.Tool != toolName {
		return false
	}
	if r.Condition.Field == "" {
		// Tool-only rule: matches on name alone.
		return r.Condition.Tool != ""
	}
	val, ok := args[r.Condition.Field]
	if !ok {
		return false
	}
	return compare(val, r.Condition.Operator, r.Condition.Value)
}

// compare applies a condition operator to an argument value. Numeric
// comparisons coerce both sides to float64; equality falls back to string
// forms when types differ; contains does substring matching on strings and
// membership on slices.
func compare(got interface{}, op Operator, want interface{}) bool {
	switch op {
	case OpLess, OpGreater:
		gf, gok := toFloat(got)
		wf, wok := toFloat(want)
		if !gok || !wok {
			return false
		}
		if op == OpLess {
			return gf < wf
		}
		return gf > wf
	case OpEqual:
		return looselyEqual(got, want)
	case OpNotEqual:
		return !looselyEqual(got, want)
	case OpContains:
		switch g := got.(type) {
		case string:
			return strings.Contains(g, fmt.Sprintf("%v", want))
		case []interface{}:
			for _, item := range g {
				if looselyEqual(item, want) {
					return true
				}
			}
		}
		return false
	}
	return false
}

func looselyEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}
