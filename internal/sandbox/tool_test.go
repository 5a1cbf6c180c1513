package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/tools"
)

func TestRegisterTool(t *testing.T) {
	reg := tools.NewRegistry()
	RegisterTool(reg, NewExecutor(Options{NodePath: "/nonexistent/interpreter"}))

	tool, ok := reg.Get("run_skill")
	require.True(t, ok)
	assert.True(t, reg.RequiresArgs("run_skill"))

	_, err := tool.Execute(context.Background(), map[string]interface{}{})
	assert.Error(t, err, "code argument is required")

	// Denylisted code is rejected without touching the interpreter.
	_, err = tool.Execute(context.Background(), map[string]interface{}{
		"code": `require("fs")`,
	})
	assert.ErrorIs(t, err, ErrRejected)
}
