package sandbox

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireNode(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("node"); err != nil {
		t.Skip("node not installed")
	}
}

func TestDeniedToken(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"clean arithmetic", "return input.a + input.b;", ""},
		{"require call", `const fs = require("fs");`, "require"},
		{"process access", "return process.env;", "process"},
		{"eval", `return eval("1+1");`, "eval"},
		{"function constructor", `return Function("return 1")();`, "Function"},
		{"dynamic import", `return import("fs");`, "import"},
		{"fetch", `return fetch("https://x");`, "fetch"},
		{"identifier substring is allowed", "return input.professor;", ""},
		{"transfers is not fs", "return input.transfers;", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeniedToken(tt.code))
		})
	}
}

func TestExecute_RejectsBeforeSpawn(t *testing.T) {
	// Point at a nonexistent interpreter: if the denylist fires first, the
	// interpreter is never resolved and no spawn error can surface.
	e := NewExecutor(Options{NodePath: "/nonexistent/interpreter"})

	_, err := e.Execute(context.Background(), `require("child_process")`, nil)
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "require")
}

func TestExecute_DisabledMode(t *testing.T) {
	e := NewExecutor(Options{Mode: "off"})

	_, err := e.Execute(context.Background(), "return 1;", nil)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestExecute_ReturnsResult(t *testing.T) {
	requireNode(t)
	e := NewExecutor(Options{Timeout: 10 * time.Second})

	got, err := e.Execute(context.Background(), "return input.a + input.b;",
		map[string]interface{}{"a": 2, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, "5", got)
}

func TestExecute_UserOutputDoesNotCorruptResponse(t *testing.T) {
	requireNode(t)
	e := NewExecutor(Options{Timeout: 10 * time.Second})

	got, err := e.Execute(context.Background(),
		`console.log("debug line one"); console.log('{"ok":false}'); return "done";`, nil)
	require.NoError(t, err)
	assert.Equal(t, `"done"`, got)
}

func TestExecute_ThrownErrorIsCrash(t *testing.T) {
	requireNode(t)
	e := NewExecutor(Options{Timeout: 10 * time.Second})

	_, err := e.Execute(context.Background(), `throw new Error("boom");`, nil)
	require.ErrorIs(t, err, ErrCrashed)
	assert.Contains(t, err.Error(), "boom")
}

func TestExecute_InfiniteLoopTimesOut(t *testing.T) {
	requireNode(t)
	timeout := 500 * time.Millisecond
	e := NewExecutor(Options{Timeout: timeout})

	var pid int
	e.onStart = func(p int) { pid = p }

	start := time.Now()
	_, err := e.Execute(context.Background(), "for(;;){}", nil)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, 5*time.Second, "kill must not wait for natural exit")
	assert.GreaterOrEqual(t, elapsed, timeout)

	// The child must be killed and reaped by the time the call returns.
	require.NotZero(t, pid)
	assert.ErrorIs(t, syscall.Kill(pid, syscall.Signal(0)), syscall.ESRCH,
		"child process still exists after timeout")
}

func TestExecute_OutputOverflowKillsProcess(t *testing.T) {
	requireNode(t)
	e := NewExecutor(Options{Timeout: 10 * time.Second, MaxOutputBytes: 1024})

	_, err := e.Execute(context.Background(),
		`for (let i = 0; i < 100000; i++) console.log("x".repeat(80));`, nil)
	require.ErrorIs(t, err, ErrOutputOverflow)
}

func TestExecute_ContextCancellation(t *testing.T) {
	requireNode(t)
	e := NewExecutor(Options{Timeout: 30 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := e.Execute(ctx, "for(;;){}", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLastResponse(t *testing.T) {
	t.Run("final line wins", func(t *testing.T) {
		resp, ok := lastResponse([]byte("noise\nmore noise\n{\"ok\":true,\"result\":7}\n"))
		require.True(t, ok)
		assert.True(t, resp.OK)
		assert.Equal(t, "7", string(resp.Result))
	})
	t.Run("non-json tail fails", func(t *testing.T) {
		_, ok := lastResponse([]byte("{\"ok\":true}\ntrailing garbage"))
		assert.False(t, ok)
	})
	t.Run("empty stdout fails", func(t *testing.T) {
		_, ok := lastResponse(nil)
		assert.False(t, ok)
	})
}

func TestCountingWriter_SharedBudget(t *testing.T) {
	overflowed := 0
	counter := &outputCounter{limit: 10}
	counter.onOverflow = func() { overflowed++ }

	var a, b bytes.Buffer
	wa := counter.wrap(&a)
	wb := counter.wrap(&b)

	_, err := wa.Write([]byte("12345"))
	require.NoError(t, err)
	_, err = wb.Write([]byte("67890"))
	require.NoError(t, err)
	assert.Zero(t, overflowed, "exactly at the limit is not overflow")

	_, err = wa.Write([]byte("x"))
	require.NoError(t, err)
	_, err = wb.Write([]byte(strings.Repeat("y", 100)))
	require.NoError(t, err)
	assert.Equal(t, 1, overflowed, "overflow callback fires exactly once")
	assert.Equal(t, "12345", a.String(), "overflowing writes are not forwarded")
}
