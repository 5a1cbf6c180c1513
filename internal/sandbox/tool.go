package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wardenhq/warden/internal/tools"
)

// RegisterTool exposes the executor as the "run_skill" tool: user-authored
// code plus an input object, run under the sandbox limits.
func RegisterTool(reg *tools.Registry, e *Executor) {
	reg.Register(&tools.Func{
		ToolName:        "run_skill",
		ToolDescription: "Run a user-authored skill in an isolated sandbox",
		Schema: json.RawMessage(`{"type":"object","properties":{"code":{"type":"string"},"input":{"type":"object"}},"required":["code"]}`),
		Fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
			code, _ := args["code"].(string)
			if code == "" {
				return "", fmt.Errorf("run_skill requires a code argument")
			}
			input, _ := args["input"].(map[string]interface{})
			return e.Execute(ctx, code, input)
		},
	})
}
