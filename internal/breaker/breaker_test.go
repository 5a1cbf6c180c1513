package breaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream exploded")

func failing(context.Context) (string, error) { return "", errUpstream }
func succeeding(context.Context) (string, error) { return "ok", nil }

func newTestRegistry(reset time.Duration) *Registry {
	return NewRegistry(Options{
		ErrorThreshold: 50,
		Window:         time.Minute,
		ResetTimeout:   reset,
		MinSamples:     4,
	})
}

func TestBreaker_OpensAtErrorThreshold(t *testing.T) {
	b := newTestRegistry(30 * time.Second).Get("erp:create_invoice")
	ctx := context.Background()

	// 2 successes + 2 failures = 50% error rate over 4 samples.
	_, _ = b.Fire(ctx, succeeding)
	_, _ = b.Fire(ctx, succeeding)
	_, _ = b.Fire(ctx, failing)
	_, _ = b.Fire(ctx, failing)

	assert.Equal(t, Open, b.State())

	called := false
	_, err := b.Fire(ctx, func(context.Context) (string, error) {
		called = true
		return "should not run", nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open circuit must not invoke the wrapped function")
}

func TestBreaker_StaysClosedUnderMinSamples(t *testing.T) {
	b := newTestRegistry(30 * time.Second).Get("erp:get_stock")
	ctx := context.Background()

	_, _ = b.Fire(ctx, failing)
	_, _ = b.Fire(ctx, failing)
	_, _ = b.Fire(ctx, failing)

	assert.Equal(t, Closed, b.State(), "3 failures < MinSamples should not trip")
	result, err := b.Fire(ctx, succeeding)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	b := newTestRegistry(50 * time.Millisecond).Get("erp:update_product")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = b.Fire(ctx, failing)
	}
	require.Equal(t, Open, b.State())

	time.Sleep(60 * time.Millisecond)

	// The probe call is admitted; a concurrent second call is rejected while
	// the probe is in flight.
	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		_, err := b.Fire(ctx, func(context.Context) (string, error) {
			close(probeStarted)
			<-probeRelease
			return "ok", nil
		})
		probeDone <- err
	}()

	<-probeStarted
	_, err := b.Fire(ctx, succeeding)
	require.Error(t, err, "second call during half-open probe must fail fast")
	assert.ErrorIs(t, err, ErrOpen)

	close(probeRelease)
	require.NoError(t, <-probeDone)
	assert.Equal(t, Closed, b.State(), "probe success closes the circuit")
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := newTestRegistry(50 * time.Millisecond).Get("erp:delete_order")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = b.Fire(ctx, failing)
	}
	time.Sleep(60 * time.Millisecond)

	_, err := b.Fire(ctx, failing)
	assert.ErrorIs(t, err, errUpstream, "probe call reaches the upstream")
	assert.Equal(t, Open, b.State(), "failed probe reopens immediately")

	_, err = b.Fire(ctx, succeeding)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_ProbeSuccessClearsWindow(t *testing.T) {
	b := newTestRegistry(50 * time.Millisecond).Get("erp:post_payment")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = b.Fire(ctx, failing)
	}
	time.Sleep(60 * time.Millisecond)
	_, err := b.Fire(ctx, succeeding)
	require.NoError(t, err)

	// A single new failure must not re-trip against the stale window.
	_, _ = b.Fire(ctx, failing)
	assert.Equal(t, Closed, b.State())
}

func TestRegistry_PerKeyIsolation(t *testing.T) {
	reg := newTestRegistry(30 * time.Second)
	ctx := context.Background()

	bad := reg.Get("erp:create_invoice")
	good := reg.Get("erp:get_stock")

	for i := 0; i < 4; i++ {
		_, _ = bad.Fire(ctx, failing)
	}
	require.Equal(t, Open, bad.State())

	result, err := good.Fire(ctx, succeeding)
	require.NoError(t, err, "unrelated operation keys must be unaffected")
	assert.Equal(t, "ok", result)
}

func TestRegistry_SameKeySameBreaker(t *testing.T) {
	reg := newTestRegistry(30 * time.Second)
	assert.Same(t, reg.Get("erp:get_stock"), reg.Get("erp:get_stock"))
}

func TestRegistry_BoundsKeyCount(t *testing.T) {
	reg := NewRegistry(Options{MaxKeys: 8})
	for i := 0; i < 32; i++ {
		reg.Get(fmt.Sprintf("erp:op_%d", i))
	}
	assert.LessOrEqual(t, reg.Len(), 9, "key set must stay bounded by LRU eviction")
}

func TestRegistry_NeverEvictsBusyBreaker(t *testing.T) {
	reg := NewRegistry(Options{MaxKeys: 1})
	ctx := context.Background()

	busy := reg.Get("erp:slow")
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_, _ = busy.Fire(ctx, func(context.Context) (string, error) {
			close(started)
			<-release
			return "ok", nil
		})
		close(done)
	}()
	<-started

	reg.Get("erp:other") // would normally evict the only entry
	assert.Same(t, busy, reg.Get("erp:slow"), "in-flight breaker must survive eviction pressure")

	close(release)
	<-done
}

func TestBreaker_Reset(t *testing.T) {
	b := newTestRegistry(time.Hour).Get("erp:create_invoice")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = b.Fire(ctx, failing)
	}
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
	_, err := b.Fire(ctx, succeeding)
	assert.NoError(t, err)
}
