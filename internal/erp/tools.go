package erp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wardenhq/warden/internal/breaker"
	"github.com/wardenhq/warden/internal/tools"
)

// businessAction describes one registered action surface.
type businessAction struct {
	name        string
	description string
	schema      json.RawMessage
}

var businessActions = []businessAction{
	{
		name:        "get_stock",
		description: "Look up current stock for a product by name",
		schema:      json.RawMessage(`{"type":"object","properties":{"product_name":{"type":"string"}},"required":["product_name"]}`),
	},
	{
		name:        "get_product",
		description: "Fetch a product by id or name",
		schema:      json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"},"name":{"type":"string"}}}`),
	},
	{
		name:        "list_products",
		description: "List the product catalog",
		schema:      json.RawMessage(`{"type":"object","properties":{}}`),
	},
	{
		name:        "create_invoice",
		description: "Create an invoice with line items",
		schema:      json.RawMessage(`{"type":"object","properties":{"customer":{"type":"string"},"items":{"type":"array"}},"required":["items"]}`),
	},
	{
		name:        "update_product",
		description: "Update a product's price or stock",
		schema:      json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"},"price":{"type":"number"},"stock":{"type":"number"}},"required":["id"]}`),
	},
	{
		name:        "delete_invoice",
		description: "Delete an invoice by id",
		schema:      json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
	},
}

// RegisterBusinessTools registers the adapter's action surface on the
// registry, each action wrapped in its own circuit breaker keyed by provider
// and action so failures in one action never suppress unrelated ones.
func RegisterBusinessTools(reg *tools.Registry, adapter Adapter, breakers *breaker.Registry) {
	for _, action := range businessActions {
		action := action
		key := fmt.Sprintf("%s:%s", adapter.Provider(), action.name)
		reg.Register(&tools.Func{
			ToolName:        action.name,
			ToolDescription: action.description,
			Schema:          action.schema,
			Fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
				return breakers.Get(key).Fire(ctx, func(ctx context.Context) (string, error) {
					return adapter.Execute(ctx, action.name, args)
				})
			},
		})
	}
}
