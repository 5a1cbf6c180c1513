// Package verify implements the read-before-write workflow: for every
// write-style tool call it derives the read-style checks that ground the
// write in current system state.
//
// Verification is best-effort and advisory. When no read correspondence can
// be derived the plan is empty and the pipeline proceeds; a failed
// verification call is surfaced as context but never blocks the main call.
package verify

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// writeMarkers identify write-style operations by substring match.
var writeMarkers = []string{"create_", "update_", "delete_", "post_"}

// PlannedCall is one derived read-style check.
type PlannedCall struct {
	Name string
	Args map[string]interface{}
}

// Planner derives verification plans from tool calls. Stateless and safe for
// concurrent use.
type Planner struct{}

// NewPlanner creates a verification planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// NeedsVerification reports whether the tool name marks a write operation.
func (p *Planner) NeedsVerification(toolName string) bool {
	for _, marker := range writeMarkers {
		if strings.Contains(toolName, marker) {
			return true
		}
	}
	return false
}

// lineItem is the structurally relevant part of a document line item.
type lineItem struct {
	ProductName string `mapstructure:"product_name"`
}

// Plan returns the ordered read checks for a write call. For a multi-item
// document write, one stock lookup per line item in item order; for a
// single-entity write, one fetch by id or name. Returns nil when no
// correspondence can be derived.
func (p *Planner) Plan(toolName string, args map[string]interface{}) []PlannedCall {
	if !p.NeedsVerification(toolName) {
		return nil
	}

	if items, ok := args["items"].([]interface{}); ok {
		return planLineItems(items)
	}
	return planEntityFetch(toolName, args)
}

// planLineItems derives one get_stock call per line item, preserving order.
// Items without a product name are skipped (nothing to look up).
func planLineItems(items []interface{}) []PlannedCall {
	var plan []PlannedCall
	for _, raw := range items {
		var item lineItem
		if err := mapstructure.Decode(raw, &item); err != nil || item.ProductName == "" {
			continue
		}
		plan = append(plan, PlannedCall{
			Name: "get_stock",
			Args: map[string]interface{}{"product_name": item.ProductName},
		})
	}
	return plan
}

// planEntityFetch derives a single get_<entity> call for a single-entity
// write, keyed by id or name.
func planEntityFetch(toolName string, args map[string]interface{}) []PlannedCall {
	entity := entityName(toolName)
	if entity == "" {
		return nil
	}

	for _, key := range []string{"id", "name"} {
		if val, ok := args[key]; ok && val != nil && fmt.Sprintf("%v", val) != "" {
			return []PlannedCall{{
				Name: "get_" + entity,
				Args: map[string]interface{}{key: val},
			}}
		}
	}
	return nil
}

// entityName extracts the entity from a write tool name: "update_product"
// → "product". Returns "" when the name has no entity suffix.
func entityName(toolName string) string {
	for _, marker := range writeMarkers {
		idx := strings.Index(toolName, marker)
		if idx < 0 {
			continue
		}
		entity := toolName[idx+len(marker):]
		if entity != "" {
			return entity
		}
	}
	return ""
}
