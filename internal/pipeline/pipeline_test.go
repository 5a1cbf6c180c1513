package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/policy"
	"github.com/wardenhq/warden/internal/tools"
)

const signingKey = "0123456789abcdef0123456789abcdef"

// counters tracks executions per tool name so tests can assert side effects.
type counters map[string]*int

func (c counters) register(reg *tools.Registry, name, schema, summary string, execErr error) {
	n := new(int)
	c[name] = n
	reg.Register(&tools.Func{
		ToolName:        name,
		ToolDescription: name,
		Schema:          json.RawMessage(schema),
		Fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
			*n++
			if execErr != nil {
				return "", execErr
			}
			return summary, nil
		},
	})
}

func (c counters) count(name string) int { return *c[name] }

func newTestPipeline(t *testing.T, mutate func(*Options)) (*Pipeline, counters) {
	t.Helper()

	guardian, err := policy.NewGuardian(context.Background(), policy.GuardianOptions{PriceWarnThreshold: 10000})
	require.NoError(t, err)

	reg := tools.NewRegistry()
	c := counters{}
	c.register(reg, "get_stock",
		`{"type":"object","properties":{"product_name":{"type":"string"}},"required":["product_name"]}`,
		"Widget: 42 units in stock", nil)
	c.register(reg, "create_invoice",
		`{"type":"object","properties":{"items":{"type":"array"}},"required":["items"]}`,
		"Invoice INV-1 drafted", nil)

	opts := Options{Guardian: guardian, Registry: reg}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p, c
}

func invoiceArgs() map[string]interface{} {
	return map[string]interface{}{
		"customer": "ACME",
		"items": []interface{}{
			map[string]interface{}{"product_name": "Widget", "quantity": 10, "price": 5},
		},
	}
}

func TestProcessTool_WriteGetsVerificationThenMain(t *testing.T) {
	p, c := newTestPipeline(t, nil)

	results := p.ProcessTool(context.Background(), "u-1",
		tools.Call{ID: "tc-1", Name: "create_invoice", Args: invoiceArgs()}, nil)
	require.Len(t, results, 2)

	v := results[0]
	assert.Equal(t, "get_stock", v.Name)
	assert.True(t, v.IsVerification)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Contains(t, v.ResultSummary, "42 units")

	main := results[1]
	assert.Equal(t, "create_invoice", main.Name)
	assert.False(t, main.IsVerification)
	assert.Less(t, main.Confidence, 0.85, "write-op penalty must apply")
	assert.InDelta(t, 0.75, main.Confidence, 1e-9)
	require.NotNil(t, main.DiffPreview)
	assert.Contains(t, main.DiffPreview.Before, "42 units")
	assert.Contains(t, main.DiffPreview.After, "ACME")

	assert.Equal(t, 1, c.count("get_stock"))
	assert.Equal(t, 1, c.count("create_invoice"))
}

func TestProcessTool_ReadHasNoVerification(t *testing.T) {
	p, c := newTestPipeline(t, nil)

	results := p.ProcessTool(context.Background(), "u-1",
		tools.Call{ID: "tc-1", Name: "get_stock", Args: map[string]interface{}{"product_name": "Widget"}}, nil)
	require.Len(t, results, 1)

	assert.False(t, results[0].IsVerification)
	assert.Nil(t, results[0].DiffPreview)
	assert.Equal(t, 1, c.count("get_stock"))
	assert.Zero(t, c.count("create_invoice"))
}

func TestProcessTool_RejectRuleMeansNoSideEffect(t *testing.T) {
	p, c := newTestPipeline(t, nil)
	rules := []policy.Rule{{
		ID: "r-1", Name: "freeze invoicing", Priority: 1, Enabled: true,
		Condition: policy.Condition{Tool: "create_invoice"},
		Action:    policy.ActionReject, Message: "invoicing is frozen",
	}}

	results := p.ProcessTool(context.Background(), "u-1",
		tools.Call{ID: "tc-1", Name: "create_invoice", Args: invoiceArgs()}, rules)
	require.Len(t, results, 1, "no verification entry for a rejected call")

	res := results[0]
	assert.Equal(t, 0.0, res.Confidence)
	assert.False(t, res.Allowed)
	assert.Equal(t, policy.ActionReject, res.PolicyAction)
	assert.Contains(t, res.ResultSummary, "invoicing is frozen")

	assert.Zero(t, c.count("create_invoice"), "rejected call must not execute")
	assert.Zero(t, c.count("get_stock"), "rejected call must not even verify")
}

func TestProcessTool_VerificationFailureIsAdvisory(t *testing.T) {
	p, c := newTestPipeline(t, func(opts *Options) {
		reg := tools.NewRegistry()
		broken := counters{}
		broken.register(reg, "get_stock",
			`{"type":"object","required":["product_name"]}`, "", errors.New("upstream 503"))
		broken.register(reg, "create_invoice",
			`{"type":"object","required":["items"]}`, "Invoice INV-1 drafted", nil)
		opts.Registry = reg
	})
	_ = c

	results := p.ProcessTool(context.Background(), "u-1",
		tools.Call{ID: "tc-1", Name: "create_invoice", Args: invoiceArgs()}, nil)
	require.Len(t, results, 2)

	v := results[0]
	assert.True(t, v.IsVerification)
	assert.Equal(t, 1.0, v.Confidence, "verification results always carry confidence 1.0")
	assert.Contains(t, v.ResultSummary, "Verification failed")

	main := results[1]
	assert.Empty(t, main.Error, "failed verification must not block the write")
	assert.Contains(t, main.ResultSummary, "drafted")
}

func TestProcessTool_ExecutorErrorBecomesFailureResult(t *testing.T) {
	failures := NewFailureTracker(10, time.Minute)
	p, _ := newTestPipeline(t, func(opts *Options) {
		reg := tools.NewRegistry()
		c := counters{}
		c.register(reg, "get_stock",
			`{"type":"object","required":["product_name"]}`, "", errors.New("upstream 503"))
		opts.Registry = reg
		opts.Failures = failures
	})

	results := p.ProcessTool(context.Background(), "u-1",
		tools.Call{ID: "tc-1", Name: "get_stock", Args: map[string]interface{}{"product_name": "Widget"}}, nil)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, "upstream 503", res.Error)
	assert.Contains(t, res.ResultSummary, "Error")
	assert.Less(t, res.Confidence, 0.85, "failure tokens drag the score down")
	assert.Equal(t, 1, failures.Count("u-1"))
}

func TestProcessTool_UnknownTool(t *testing.T) {
	p, _ := newTestPipeline(t, nil)

	results := p.ProcessTool(context.Background(), "u-1",
		tools.Call{ID: "tc-1", Name: "get_weather", Args: map[string]interface{}{"city": "Oslo"}}, nil)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Error, "not registered")
}

func TestProcessTools_SiblingFailureDoesNotAbortBatch(t *testing.T) {
	p, c := newTestPipeline(t, func(opts *Options) {
		reg := tools.NewRegistry()
		cc := counters{}
		cc.register(reg, "get_stock",
			`{"type":"object","required":["product_name"]}`, "", errors.New("upstream 503"))
		cc.register(reg, "list_products", `{"type":"object"}`, "3 products", nil)
		opts.Registry = reg
	})
	_ = c

	results := p.ProcessTools(context.Background(), "u-1", []tools.Call{
		{ID: "tc-1", Name: "get_stock", Args: map[string]interface{}{"product_name": "Widget"}},
		{ID: "tc-2", Name: "list_products"},
	}, nil)
	require.Len(t, results, 2)

	assert.NotEmpty(t, results[0].Error)
	assert.Empty(t, results[1].Error, "sibling must still run after a failure")
	assert.Equal(t, "3 products", results[1].ResultSummary)
}

func TestProcessTools_CancellationPreventsSideEffects(t *testing.T) {
	p, c := newTestPipeline(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := p.ProcessTools(ctx, "u-1", []tools.Call{
		{ID: "tc-1", Name: "get_stock", Args: map[string]interface{}{"product_name": "Widget"}},
		{ID: "tc-2", Name: "create_invoice", Args: invoiceArgs()},
	}, nil)
	require.Len(t, results, 2)

	for _, res := range results {
		assert.Contains(t, res.Error, "canceled")
		assert.Equal(t, 0.0, res.Confidence)
	}
	assert.Zero(t, c.count("get_stock"))
	assert.Zero(t, c.count("create_invoice"))
}

func TestProcessTool_WritesAuditTrail(t *testing.T) {
	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"), signingKey)
	require.NoError(t, err)
	defer store.Close()

	p, _ := newTestPipeline(t, func(opts *Options) { opts.Audit = store })

	p.ProcessTool(context.Background(), "u-1",
		tools.Call{ID: "tc-1", Name: "create_invoice", Args: invoiceArgs()}, nil)

	records, err := store.List(context.Background(), "u-1", "", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, records, 2, "verification and main result are both audited")

	verified, err := store.Verify(context.Background(), records[0].ID)
	require.NoError(t, err)
	assert.True(t, verified)
}

func TestNew_RequiredDependencies(t *testing.T) {
	guardian, err := policy.NewGuardian(context.Background(), policy.GuardianOptions{})
	require.NoError(t, err)

	_, err = New(Options{Registry: tools.NewRegistry()})
	assert.Error(t, err)
	_, err = New(Options{Guardian: guardian})
	assert.Error(t, err)
}
