// Package tools provides the thread-safe registry of invocable tools and the
// tool-call types that flow through the execution pipeline.
//
// A request-handling layer assembles the registry per deployment: built-in
// business actions, third-party tool-server tools, and user skills all
// register under a name with an input schema and an executor. The pipeline
// never invokes an executor directly; every call goes through the Guardian
// first.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Call is a structured action request emitted by the language model.
// It is annotated in place through the pipeline and never mutated after the
// pipeline returns.
type Call struct {
	ID            string                 `json:"tool_call_id"`
	Name          string                 `json:"tool_name"`
	Args          map[string]interface{} `json:"args"`
	ResultSummary string                 `json:"result_summary,omitempty"`
}

// Tool is the interface all invocable tools implement.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Registry manages registered tools. Thread-safe for concurrent access.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry, replacing any tool of the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	return result
}

// RequiresArgs reports whether the named tool's input schema declares at
// least one required property. Unknown tools report false.
func (r *Registry) RequiresArgs(name string) bool {
	tool, ok := r.Get(name)
	if !ok {
		return false
	}
	var schema struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(tool.InputSchema(), &schema); err != nil {
		return false
	}
	return len(schema.Required) > 0
}

// Func adapts a plain function into a Tool. Most built-in business actions
// are registered this way.
type Func struct {
	ToolName        string
	ToolDescription string
	Schema          json.RawMessage
	Fn              func(ctx context.Context, args map[string]interface{}) (string, error)
}

func (f *Func) Name() string                 { return f.ToolName }
func (f *Func) Description() string          { return f.ToolDescription }
func (f *Func) InputSchema() json.RawMessage { return f.Schema }

func (f *Func) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if f.Fn == nil {
		return "", fmt.Errorf("tool %s has no executor", f.ToolName)
	}
	return f.Fn(ctx, args)
}
