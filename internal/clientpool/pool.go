// Package clientpool caches upstream API clients keyed by a fingerprint of
// ephemeral per-request credentials.
//
// Credentials arrive with every request and are never persisted; the pool
// exists so concurrent requests carrying the same credential tuple share one
// client instead of re-doing connection setup per call. Entries are
// reference-counted: an entry is only removed once its refcount reaches zero
// AND its TTL has elapsed, so a client is never torn down under an in-flight
// call. A background sweep removes long-idle entries as a safety net against
// missed removal timers.
package clientpool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/wardenhq/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/wardenhq/warden/internal/clientpool")

// Credentials is the ephemeral upstream credential tuple. Value-equal
// credentials map to the same pooled client regardless of object identity.
type Credentials struct {
	APIKey   string
	Provider string
	BaseURL  string
}

// Fingerprint returns the cryptographic hash of the full credential tuple.
// Only the fingerprint is ever used as a map key or logged; raw key material
// stays inside the Credentials value.
func (c Credentials) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.APIKey))
	h.Write([]byte{0})
	h.Write([]byte(c.Provider))
	h.Write([]byte{0})
	h.Write([]byte(c.BaseURL))
	return hex.EncodeToString(h.Sum(nil))
}

type entry struct {
	client    *openai.Client
	refCount  uint
	createdAt time.Time
	lastUsed  time.Time
}

// Options tunes pool behavior. Zero values fall back to defaults.
type Options struct {
	Capacity      int           // max entries; LRU zero-ref eviction on insert (default 64)
	OneShotTTL    time.Duration // removal delay after release for one-shot calls (default 1m)
	StreamingTTL  time.Duration // removal delay for streaming calls, which tend to reconnect (default 5m)
	SweepInterval time.Duration // background sweep period (default 2m)
	MaxIdle       time.Duration // sweep removes zero-ref entries idle longer than this (default 10m)
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = 64
	}
	if o.OneShotTTL <= 0 {
		o.OneShotTTL = time.Minute
	}
	if o.StreamingTTL <= 0 {
		o.StreamingTTL = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 2 * time.Minute
	}
	if o.MaxIdle <= 0 {
		o.MaxIdle = 10 * time.Minute
	}
	return o
}

// Pool is a concurrency-safe cache of upstream clients. Construct with New
// and call Close when the process shuts down.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options
	stop    chan struct{}
	stopped sync.Once
}

// New creates a client pool and starts its background sweep.
func New(opts Options) *Pool {
	p := &Pool{
		entries: make(map[string]*entry),
		opts:    opts.withDefaults(),
		stop:    make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Close stops the background sweep. Pooled clients hold no resources that
// outlive their entries, so no further teardown is needed.
func (p *Pool) Close() {
	p.stopped.Do(func() { close(p.stop) })
}

// WithClient runs fn with the pooled client for the given credentials,
// constructing one on first use. The entry's refcount is held for the whole
// call and released even when fn fails. streaming selects the longer
// post-release TTL because streaming callers tend to reconnect immediately.
func (p *Pool) WithClient(ctx context.Context, creds Credentials, streaming bool, fn func(*openai.Client) error) error {
	ctx, span := tracer.Start(ctx, "clientpool.with_client",
		trace.WithAttributes(
			attribute.String("pool.provider", creds.Provider),
			attribute.Bool("pool.streaming", streaming),
		))
	defer span.End()

	fp := creds.Fingerprint()
	client := p.acquire(fp, creds)
	defer p.release(fp, streaming)

	err := fn(client)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// acquire returns the entry's client, creating the entry if needed, and
// increments its refcount.
func (p *Pool) acquire(fp string, creds Credentials) *openai.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[fp]
	if !ok {
		if len(p.entries) >= p.opts.Capacity {
			p.evictLRULocked()
		}
		now := time.Now()
		e = &entry{client: newClient(creds), createdAt: now, lastUsed: now}
		p.entries[fp] = e
		log.Debug().Str("fingerprint", fp[:12]).Str("provider", creds.Provider).Msg("pool_client_created")
	}
	e.refCount++
	e.lastUsed = time.Now()
	return e.client
}

// release decrements the refcount and, at zero, schedules removal after the
// usage-mode TTL. The removal re-checks the refcount: a caller may have
// re-acquired the entry in the meantime.
func (p *Pool) release(fp string, streaming bool) {
	p.mu.Lock()
	e, ok := p.entries[fp]
	if !ok {
		p.mu.Unlock()
		return
	}
	if e.refCount > 0 {
		e.refCount--
	}
	e.lastUsed = time.Now()
	idle := e.refCount == 0
	p.mu.Unlock()

	if !idle {
		return
	}

	ttl := p.opts.OneShotTTL
	if streaming {
		ttl = p.opts.StreamingTTL
	}
	time.AfterFunc(ttl, func() {
		p.removeIfIdle(fp, ttl)
	})
}

// removeIfIdle deletes the entry only when it is still zero-ref and has been
// idle for at least ttl.
func (p *Pool) removeIfIdle(fp string, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[fp]
	if !ok {
		return
	}
	if e.refCount > 0 || time.Since(e.lastUsed) < ttl {
		return
	}
	delete(p.entries, fp)
	log.Debug().Str("fingerprint", fp[:12]).Msg("pool_client_expired")
}

// evictLRULocked removes the least-recently-used zero-ref entry to make room.
// Entries with a positive refcount are never eviction candidates; if all
// entries are in use the pool grows past capacity temporarily.
func (p *Pool) evictLRULocked() {
	var victim string
	var oldest time.Time
	for fp, e := range p.entries {
		if e.refCount > 0 {
			continue
		}
		if victim == "" || e.lastUsed.Before(oldest) {
			victim = fp
			oldest = e.lastUsed
		}
	}
	if victim != "" {
		delete(p.entries, victim)
		log.Debug().Str("fingerprint", victim[:12]).Msg("pool_client_evicted")
	}
}

// sweepLoop periodically drops zero-ref entries idle longer than MaxIdle,
// independent of the per-release timers.
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.opts.MaxIdle)
	for fp, e := range p.entries {
		if e.refCount == 0 && e.lastUsed.Before(cutoff) {
			delete(p.entries, fp)
			log.Debug().Str("fingerprint", fp[:12]).Msg("pool_client_swept")
		}
	}
}

// Len returns the current number of pooled entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// refCountOf exposes an entry's refcount to tests.
func (p *Pool) refCountOf(fp string) (uint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[fp]
	if !ok {
		return 0, false
	}
	return e.refCount, true
}

// newClient builds an upstream client for the credential tuple. All
// providers currently speak the OpenAI-compatible API surface; a custom
// BaseURL routes to self-hosted or proxy deployments.
func newClient(creds Credentials) *openai.Client {
	if creds.BaseURL != "" {
		cfg := openai.DefaultConfig(creds.APIKey)
		cfg.BaseURL = creds.BaseURL + "/v1"
		return openai.NewClientWithConfig(cfg)
	}
	return openai.NewClient(creds.APIKey)
}
