// Package sandbox executes user-authored skill code in an isolated OS
// process with strict resource caps.
//
// The isolation boundary is the process: one fresh interpreter per
// invocation, no reuse, a minimal allowlisted environment, and three
// independent limits enforced concurrently: wall-clock timeout, a combined
// stdout+stderr byte cap, and a heap ceiling passed to the child runtime at
// spawn time. Completion is first-writer-wins, so exactly one of response,
// timeout, output overflow, or crash resolves the call.
//
// The static denylist check is a textual pre-filter, defense in depth, NOT a
// capability restriction: code that slips past it is still confined by the
// process limits, but the denylist alone must never be treated as a hard
// security boundary.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/wardenhq/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/wardenhq/warden/internal/sandbox")

// Skill fault taxonomy. None of these are retried: untrusted code that times
// out or overflows is assumed hostile or broken, not transient.
var (
	ErrDisabled       = errors.New("sandbox disabled")
	ErrRejected       = errors.New("sandbox rejected code")
	ErrTimeout        = errors.New("sandbox timeout")
	ErrOutputOverflow = errors.New("sandbox output overflow")
	ErrCrashed        = errors.New("sandbox crashed")
)

// denylist rejects identifiers for process, filesystem, network, and
// dynamic-evaluation primitives before any process is spawned.
var denylist = regexp.MustCompile(
	`(?:^|[^\w$])(require|process|child_process|fs|net|http|https|dns|os|eval|Function|fetch|XMLHttpRequest|WebSocket|Worker|import)(?:[^\w$]|$)`)

// Options configures the executor. Zero values fall back to defaults.
type Options struct {
	Mode           string        // "off" or "isolated" (default "isolated")
	Timeout        time.Duration // wall-clock cap (default 5s)
	MemoryMB       int           // child heap ceiling (default 128)
	MaxOutputBytes int           // combined stdout+stderr cap (default 64 KiB)
	NodePath       string        // interpreter binary (default "node")
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = "isolated"
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MemoryMB <= 0 {
		o.MemoryMB = 128
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = 64 * 1024
	}
	if o.NodePath == "" {
		o.NodePath = "node"
	}
	return o
}

// Executor runs skill code under the configured limits. Safe for concurrent
// use; each Execute spawns its own process.
type Executor struct {
	opts Options

	// onStart observes the child pid once it is spawned. Test hook only.
	onStart func(pid int)
}

// NewExecutor creates a sandbox executor.
func NewExecutor(opts Options) *Executor {
	return &Executor{opts: opts.withDefaults()}
}

// request is the wire shape passed to the child over stdin.
type request struct {
	Code  string                 `json:"code"`
	Input map[string]interface{} `json:"input"`
}

// response is the wire shape the harness writes to stdout.
type response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// outcome is the single resolution of one invocation.
type outcome struct {
	result string
	err    error
}

// Execute runs code with input in a fresh isolated process and returns the
// JSON-encoded result. The static check runs before any process is spawned.
func (e *Executor) Execute(ctx context.Context, code string, input map[string]interface{}) (string, error) {
	ctx, span := tracer.Start(ctx, "sandbox.execute",
		trace.WithAttributes(
			wardenotel.SandboxMode.String(e.opts.Mode),
			attribute.Int("sandbox.code_bytes", len(code)),
		))
	defer span.End()

	if e.opts.Mode == "off" {
		return "", ErrDisabled
	}
	if tok := DeniedToken(code); tok != "" {
		span.SetAttributes(attribute.String("sandbox.denied_token", tok))
		return "", fmt.Errorf("%w: forbidden identifier %q", ErrRejected, tok)
	}

	result, err := e.run(ctx, code, input)
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Int("code_bytes", len(code)).Msg("skill_execution_failed")
		return "", err
	}
	return result, nil
}

// DeniedToken returns the first denylisted identifier found in code, or ""
// when the code passes the static check.
func DeniedToken(code string) string {
	m := denylist.FindStringSubmatch(code)
	if m == nil {
		return ""
	}
	return m[1]
}

// run spawns the child process and enforces the three runtime limits.
//
//nolint:gocyclo // limit plumbing is inherently branched
func (e *Executor) run(ctx context.Context, code string, input map[string]interface{}) (string, error) {
	reqBody, err := json.Marshal(request{Code: code, Input: input})
	if err != nil {
		return "", fmt.Errorf("encoding sandbox request: %w", err)
	}

	// #nosec G204 -- NodePath is operator config, code never reaches argv.
	cmd := exec.Command(e.opts.NodePath,
		fmt.Sprintf("--max-old-space-size=%d", e.opts.MemoryMB),
		"-e", harness)

	// Minimal allowlisted environment: the child sees no ambient secrets.
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"NODE_OPTIONS=",
	}

	resolve, resolved := newResolver()

	var stdout, stderr bytes.Buffer
	counter := &outputCounter{limit: int64(e.opts.MaxOutputBytes)}
	counter.onOverflow = func() {
		resolve(outcome{err: fmt.Errorf("%w: output exceeded %d bytes", ErrOutputOverflow, e.opts.MaxOutputBytes)})
		killProcess(cmd)
	}
	cmd.Stdout = counter.wrap(&stdout)
	cmd.Stderr = counter.wrap(&stderr)
	cmd.Stdin = bytes.NewReader(reqBody)

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawning sandbox process: %w", err)
	}
	if e.onStart != nil {
		e.onStart(cmd.Process.Pid)
	}

	timer := time.AfterFunc(e.opts.Timeout, func() {
		resolve(outcome{err: fmt.Errorf("%w: exceeded %s", ErrTimeout, e.opts.Timeout)})
		killProcess(cmd)
	})
	defer timer.Stop()

	cancelDone := make(chan struct{})
	defer close(cancelDone)
	go func() {
		select {
		case <-ctx.Done():
			resolve(outcome{err: fmt.Errorf("sandbox canceled: %w", ctx.Err())})
			killProcess(cmd)
		case <-cancelDone:
		}
	}()

	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		waitErr := cmd.Wait()
		resolve(parseExit(stdout.Bytes(), waitErr))
	}()

	out := <-resolved

	// The child is dead or dying by now; wait for process reaping so no
	// zombie outlives the call, then report the first-writer outcome.
	killProcess(cmd)
	<-waitDone

	return out.result, out.err
}

// newResolver returns a first-writer-wins resolution function and the
// channel carrying the winning outcome. Later resolutions are ignored.
func newResolver() (func(outcome), <-chan outcome) {
	ch := make(chan outcome, 1)
	var once sync.Once
	return func(o outcome) {
		once.Do(func() { ch <- o })
	}, ch
}

// parseExit converts process completion into an outcome. A normal exit
// without a parseable response is a crash, not a success.
func parseExit(stdout []byte, waitErr error) outcome {
	if resp, ok := lastResponse(stdout); ok {
		if resp.OK {
			return outcome{result: string(resp.Result)}
		}
		return outcome{err: fmt.Errorf("%w: %s", ErrCrashed, resp.Error)}
	}
	if waitErr != nil {
		return outcome{err: fmt.Errorf("%w: %v", ErrCrashed, waitErr)}
	}
	return outcome{err: fmt.Errorf("%w: process exited without responding", ErrCrashed)}
}

// lastResponse parses the final non-empty stdout line as the harness
// response. User code may write its own lines first; only the harness writes
// the last one.
func lastResponse(stdout []byte) (response, bool) {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var resp response
		if err := json.Unmarshal([]byte(line), &resp); err == nil {
			return resp, true
		}
		return response{}, false
	}
	return response{}, false
}

func killProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// outputCounter enforces the combined byte cap across both output streams.
type outputCounter struct {
	limit      int64
	written    int64
	onOverflow func()
	overflowed atomic.Bool
}

// wrap returns a writer that counts into the shared budget before
// forwarding to dst.
func (c *outputCounter) wrap(dst *bytes.Buffer) *countingWriter {
	return &countingWriter{counter: c, dst: dst}
}

type countingWriter struct {
	counter *outputCounter
	dst     *bytes.Buffer
	mu      sync.Mutex
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := atomic.AddInt64(&w.counter.written, int64(len(p)))
	if total > w.counter.limit {
		if w.counter.overflowed.CompareAndSwap(false, true) && w.counter.onOverflow != nil {
			w.counter.onOverflow()
		}
		// Swallow the write: the call is already resolving as overflow.
		return len(p), nil
	}
	return w.dst.Write(p)
}
