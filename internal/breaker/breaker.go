// Package breaker implements per-operation circuit breakers for calls to
// unreliable upstream business systems.
//
// Each operation key (one per business-system action kind, e.g.
// "erp:create_invoice") gets an independent breaker so failures in one
// action never suppress unrelated ones. A breaker records call outcomes in
// a rolling time window; when the windowed error percentage crosses the
// threshold the circuit opens and calls fail fast with ErrOpen until the
// reset timeout elapses, after which a single probe call is allowed.
//
// Fallback on an open circuit is the caller's decision: the breaker always
// propagates ErrOpen and never fabricates data.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/wardenhq/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/wardenhq/warden/internal/breaker")

// ErrOpen is returned when the circuit is open and the wrapped call was not
// invoked. Callers must either propagate it as an upstream-degraded error or
// apply an explicit, clearly-labeled fallback, never silently faked data.
var ErrOpen = errors.New("circuit open: upstream degraded")

// State represents the breaker state.
type State int

const (
	Closed   State = iota // normal: calls pass through
	Open                  // tripped: calls fail immediately
	HalfOpen              // probe: one trial call allowed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Options tunes breaker behavior. Zero values fall back to defaults.
type Options struct {
	ErrorThreshold int           // windowed error percentage that opens the circuit (default 50)
	Window         time.Duration // rolling outcome window (default 60s)
	ResetTimeout   time.Duration // open → half-open delay (default 30s)
	MinSamples     int           // minimum outcomes in window before tripping (default 5)
	MaxKeys        int           // bound on distinct breaker keys, LRU evicted (default 1024)
}

func (o Options) withDefaults() Options {
	if o.ErrorThreshold <= 0 || o.ErrorThreshold > 100 {
		o.ErrorThreshold = 50
	}
	if o.Window <= 0 {
		o.Window = 60 * time.Second
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = 30 * time.Second
	}
	if o.MinSamples <= 0 {
		o.MinSamples = 5
	}
	if o.MaxKeys <= 0 {
		o.MaxKeys = 1024
	}
	return o
}

type outcome struct {
	at time.Time
	ok bool
}

// Breaker is the per-key state machine. Safe for concurrent use.
type Breaker struct {
	mu            sync.Mutex
	key           string
	opts          Options
	state         State
	outcomes      []outcome
	openedAt      time.Time
	probeInFlight bool
	inFlight      int // calls currently inside Fire; guards LRU eviction
	lastUsed      time.Time
}

// Registry hands out breakers lazily per operation key. The key set is
// bounded: when MaxKeys is exceeded the least-recently-used idle breaker is
// dropped. A breaker with calls in flight is never an eviction candidate.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     Options
}

// NewRegistry creates a breaker registry with the given options.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts.withDefaults(),
	}
}

// Get returns the breaker for the given operation key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		if len(r.breakers) >= r.opts.MaxKeys {
			r.evictIdleLocked()
		}
		b = &Breaker{key: key, opts: r.opts, lastUsed: time.Now()}
		r.breakers[key] = b
	}
	return b
}

// evictIdleLocked removes the least-recently-used breaker that has no call
// in flight. If every breaker is busy, nothing is evicted and the map grows
// past MaxKeys temporarily.
func (r *Registry) evictIdleLocked() {
	var victim string
	var oldest time.Time
	for key, b := range r.breakers {
		b.mu.Lock()
		idle := b.inFlight == 0
		used := b.lastUsed
		b.mu.Unlock()
		if !idle {
			continue
		}
		if victim == "" || used.Before(oldest) {
			victim = key
			oldest = used
		}
	}
	if victim != "" {
		delete(r.breakers, victim)
	}
}

// Len returns the number of tracked breaker keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}

// Fire runs fn through the breaker. When the circuit is open the call fails
// immediately with ErrOpen and fn is not invoked. In half-open state exactly
// one probe call is admitted; its outcome closes or reopens the circuit.
func (b *Breaker) Fire(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	ctx, span := tracer.Start(ctx, "breaker.fire",
		trace.WithAttributes(wardenotel.BreakerKey.String(b.key)))
	defer span.End()

	if err := b.admit(); err != nil {
		span.SetAttributes(wardenotel.BreakerState.String(b.State().String()))
		span.RecordError(err)
		return "", err
	}

	result, err := fn(ctx)
	b.record(err == nil)
	span.SetAttributes(
		wardenotel.BreakerState.String(b.State().String()),
		attribute.Bool("breaker.call_ok", err == nil),
	)
	return result, err
}

// admit decides whether a call may proceed and transitions open → half-open
// after the reset timeout. It also marks the call as in flight.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUsed = time.Now()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.opts.ResetTimeout {
			return fmt.Errorf("operation %s: %w", b.key, ErrOpen)
		}
		// Reset timeout elapsed: this call is the single half-open probe.
		b.state = HalfOpen
		b.probeInFlight = true
	case HalfOpen:
		if b.probeInFlight {
			return fmt.Errorf("operation %s: probe in progress: %w", b.key, ErrOpen)
		}
		b.probeInFlight = true
	}

	b.inFlight++
	return nil
}

// record registers the call outcome and applies state transitions.
func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inFlight--
	now := time.Now()

	if b.state == HalfOpen {
		b.probeInFlight = false
		if ok {
			b.state = Closed
			b.outcomes = nil
		} else {
			b.state = Open
			b.openedAt = now
		}
		return
	}

	cutoff := now.Add(-b.opts.Window)
	kept := b.outcomes[:0]
	for _, o := range b.outcomes {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	b.outcomes = append(kept, outcome{at: now, ok: ok})

	failures := 0
	for _, o := range b.outcomes {
		if !o.ok {
			failures++
		}
	}
	total := len(b.outcomes)
	if total >= b.opts.MinSamples && failures*100 >= b.opts.ErrorThreshold*total {
		b.state = Open
		b.openedAt = now
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit and clears the outcome window (operator override).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.outcomes = nil
	b.probeInFlight = false
}
