package erp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// DemoAdapter is an in-memory business system used for local development and
// tests. It implements the full action surface against a seeded product
// catalog and deduplicates invoice creation by idempotency key.
type DemoAdapter struct {
	mu          sync.Mutex
	products    map[string]*demoProduct
	invoices    map[string]*demoInvoice
	invoiceKeys map[string]string // idempotency key -> invoice id
	nextInvoice int
}

type demoProduct struct {
	ID    string
	Name  string
	Price float64
	Stock int
}

type demoInvoice struct {
	ID       string
	Customer string
	Items    []demoItem
	Total    float64
}

type demoItem struct {
	ProductName string  `mapstructure:"product_name"`
	Quantity    float64 `mapstructure:"quantity"`
	Price       float64 `mapstructure:"price"`
}

// NewDemoAdapter creates a demo adapter with a seeded catalog.
func NewDemoAdapter() *DemoAdapter {
	return &DemoAdapter{
		products: map[string]*demoProduct{
			"p-1": {ID: "p-1", Name: "Widget", Price: 5.00, Stock: 42},
			"p-2": {ID: "p-2", Name: "Gadget", Price: 9.50, Stock: 7},
			"p-3": {ID: "p-3", Name: "Gizmo", Price: 3.25, Stock: 0},
		},
		invoices:    make(map[string]*demoInvoice),
		invoiceKeys: make(map[string]string),
		nextInvoice: 1000,
	}
}

// Provider implements Adapter.
func (d *DemoAdapter) Provider() string { return "demo" }

// Execute implements Adapter.
func (d *DemoAdapter) Execute(ctx context.Context, action string, args map[string]interface{}) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch action {
	case "get_stock":
		return d.getStock(args)
	case "get_product":
		return d.getProduct(args)
	case "list_products":
		return d.listProducts()
	case "create_invoice":
		return d.createInvoice(args)
	case "update_product":
		return d.updateProduct(args)
	case "delete_invoice":
		return d.deleteInvoice(args)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
}

func (d *DemoAdapter) getStock(args map[string]interface{}) (string, error) {
	name, _ := args["product_name"].(string)
	p := d.findByName(name)
	if p == nil {
		return "", fmt.Errorf("product %q not found", name)
	}
	return fmt.Sprintf("%s: %d units in stock (ok)", p.Name, p.Stock), nil
}

func (d *DemoAdapter) getProduct(args map[string]interface{}) (string, error) {
	if id, ok := args["id"].(string); ok && id != "" {
		if p, ok := d.products[id]; ok {
			return formatProduct(p), nil
		}
		return "", fmt.Errorf("product %q not found", id)
	}
	if name, ok := args["name"].(string); ok && name != "" {
		if p := d.findByName(name); p != nil {
			return formatProduct(p), nil
		}
		return "", fmt.Errorf("product %q not found", name)
	}
	return "", fmt.Errorf("get_product requires id or name")
}

func (d *DemoAdapter) listProducts() (string, error) {
	ids := make([]string, 0, len(d.products))
	for id := range d.products {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, formatProduct(d.products[id]))
	}
	return fmt.Sprintf("%d products:\n%s", len(ids), strings.Join(lines, "\n")), nil
}

func (d *DemoAdapter) createInvoice(args map[string]interface{}) (string, error) {
	key := IdempotencyKey("create_invoice", args)
	if id, ok := d.invoiceKeys[key]; ok {
		inv := d.invoices[id]
		return fmt.Sprintf("Invoice %s already created for %s (total %.2f)", inv.ID, inv.Customer, inv.Total), nil
	}

	customer, _ := args["customer"].(string)
	rawItems, _ := args["items"].([]interface{})
	if len(rawItems) == 0 {
		return "", fmt.Errorf("create_invoice requires at least one item")
	}

	inv := &demoInvoice{Customer: customer}
	for i, raw := range rawItems {
		var item demoItem
		if err := mapstructure.Decode(raw, &item); err != nil {
			return "", fmt.Errorf("invalid item %d: %w", i, err)
		}
		inv.Items = append(inv.Items, item)
		inv.Total += item.Quantity * item.Price
	}

	d.nextInvoice++
	inv.ID = fmt.Sprintf("INV-%d", d.nextInvoice)
	d.invoices[inv.ID] = inv
	d.invoiceKeys[key] = inv.ID

	return fmt.Sprintf("Invoice %s created for %s (%d items, total %.2f)",
		inv.ID, inv.Customer, len(inv.Items), inv.Total), nil
}

func (d *DemoAdapter) updateProduct(args map[string]interface{}) (string, error) {
	id, _ := args["id"].(string)
	p, ok := d.products[id]
	if !ok {
		if name, ok := args["name"].(string); ok {
			p = d.findByName(name)
		}
	}
	if p == nil {
		return "", fmt.Errorf("product not found")
	}

	if price, ok := toNumber(args["price"]); ok {
		p.Price = price
	}
	if stock, ok := toNumber(args["stock"]); ok {
		p.Stock = int(stock)
	}
	return fmt.Sprintf("Product %s updated: %s", p.ID, formatProduct(p)), nil
}

func (d *DemoAdapter) deleteInvoice(args map[string]interface{}) (string, error) {
	id, _ := args["id"].(string)
	if _, ok := d.invoices[id]; !ok {
		return "", fmt.Errorf("invoice %q not found", id)
	}
	delete(d.invoices, id)
	return fmt.Sprintf("Invoice %s deleted (completed)", id), nil
}

func (d *DemoAdapter) findByName(name string) *demoProduct {
	for _, p := range d.products {
		if strings.EqualFold(p.Name, name) {
			return p
		}
	}
	return nil
}

func formatProduct(p *demoProduct) string {
	return fmt.Sprintf("%s %s: price %.2f, stock %d", p.ID, p.Name, p.Price, p.Stock)
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
