package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeedsVerification(t *testing.T) {
	p := NewPlanner()

	tests := []struct {
		toolName string
		want     bool
	}{
		{"create_invoice", true},
		{"update_product", true},
		{"delete_order", true},
		{"post_payment", true},
		{"erp_create_invoice", true}, // substring match, not prefix
		{"get_stock", false},
		{"list_products", false},
		{"search_documents", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.toolName, func(t *testing.T) {
			assert.Equal(t, tt.want, p.NeedsVerification(tt.toolName))
		})
	}
}

func TestPlan_MultiItemWriteGetsPerItemStockChecks(t *testing.T) {
	p := NewPlanner()

	args := map[string]interface{}{
		"customer": "ACME",
		"items": []interface{}{
			map[string]interface{}{"product_name": "Widget", "quantity": 10, "price": 5},
			map[string]interface{}{"product_name": "Gadget", "quantity": 2, "price": 9},
			map[string]interface{}{"product_name": "Gizmo", "quantity": 1, "price": 3},
		},
	}

	plan := p.Plan("create_invoice", args)
	require.Len(t, plan, 3)

	wantOrder := []string{"Widget", "Gadget", "Gizmo"}
	for i, call := range plan {
		assert.Equal(t, "get_stock", call.Name)
		assert.Equal(t, wantOrder[i], call.Args["product_name"], "item order must be preserved")
	}
}

func TestPlan_ItemsWithoutProductNameAreSkipped(t *testing.T) {
	p := NewPlanner()

	args := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"product_name": "Widget"},
			map[string]interface{}{"sku": "X-1"},
		},
	}
	plan := p.Plan("create_order", args)
	require.Len(t, plan, 1)
	assert.Equal(t, "Widget", plan[0].Args["product_name"])
}

func TestPlan_SingleEntityWriteFetchesById(t *testing.T) {
	p := NewPlanner()

	plan := p.Plan("update_product", map[string]interface{}{"id": "p-42", "price": 7})
	require.Len(t, plan, 1)
	assert.Equal(t, "get_product", plan[0].Name)
	assert.Equal(t, "p-42", plan[0].Args["id"])
}

func TestPlan_SingleEntityWriteFallsBackToName(t *testing.T) {
	p := NewPlanner()

	plan := p.Plan("delete_customer", map[string]interface{}{"name": "ACME Corp"})
	require.Len(t, plan, 1)
	assert.Equal(t, "get_customer", plan[0].Name)
	assert.Equal(t, "ACME Corp", plan[0].Args["name"])
}

func TestPlan_IdTakesPrecedenceOverName(t *testing.T) {
	p := NewPlanner()

	plan := p.Plan("update_product", map[string]interface{}{"id": "p-1", "name": "Widget"})
	require.Len(t, plan, 1)
	assert.Equal(t, "p-1", plan[0].Args["id"])
	assert.NotContains(t, plan[0].Args, "name")
}

func TestPlan_NoCorrespondenceYieldsEmptyPlan(t *testing.T) {
	p := NewPlanner()

	assert.Empty(t, p.Plan("create_report", map[string]interface{}{"format": "pdf"}),
		"no id, name, or items: verification is best-effort")
	assert.Empty(t, p.Plan("get_stock", map[string]interface{}{"product_name": "Widget"}),
		"read tools need no verification")
	assert.Empty(t, p.Plan("create_invoice", map[string]interface{}{"items": []interface{}{}}),
		"empty item list derives nothing")
}
