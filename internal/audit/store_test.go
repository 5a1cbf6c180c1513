package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef" // 32 raw bytes

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "audit.db"), testKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_WriteAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &Record{
		UserID:        "u-1",
		ToolName:      "create_invoice",
		Action:        "allow",
		Allowed:       true,
		Confidence:    0.75,
		ResultSummary: "Invoice INV-1001 created",
		DurationMS:    12,
	}
	require.NoError(t, store.Write(ctx, rec))
	assert.NotEmpty(t, rec.ID, "id is filled in")
	assert.True(t, strings.HasPrefix(rec.Signature, "warden-hmac-v1:"))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "create_invoice", got.ToolName)
	assert.Equal(t, 0.75, got.Confidence)
	assert.Equal(t, rec.Signature, got.Signature)
}

func TestStore_VerifyDetectsIntegrity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &Record{UserID: "u-1", ToolName: "get_stock", Action: "allow", Allowed: true, Confidence: 0.9}
	require.NoError(t, store.Write(ctx, rec))

	ok, err := store.Verify(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Tamper with the stored JSON directly.
	_, err = store.db.ExecContext(ctx,
		`UPDATE audit SET record_json = replace(record_json, '"confidence":0.9', '"confidence":1') WHERE id = ?`,
		rec.ID)
	require.NoError(t, err)

	ok, err = store.Verify(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok, "tampered record must fail verification")
}

func TestStore_ListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, rec := range []*Record{
		{UserID: "u-1", ToolName: "get_stock", Action: "allow", Allowed: true},
		{UserID: "u-1", ToolName: "create_invoice", Action: "warn", Allowed: true},
		{UserID: "u-2", ToolName: "get_stock", Action: "reject"},
	} {
		require.NoError(t, store.Write(ctx, rec))
	}

	all, err := store.List(ctx, "", "", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byUser, err := store.List(ctx, "u-1", "", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	byTool, err := store.List(ctx, "", "get_stock", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, byTool, 2)

	limited, err := store.List(ctx, "", "", time.Time{}, time.Time{}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_Purge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := &Record{UserID: "u-1", ToolName: "get_stock", CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &Record{UserID: "u-1", ToolName: "get_stock"}
	require.NoError(t, store.Write(ctx, old))
	require.NoError(t, store.Write(ctx, fresh))

	purged, err := store.Purge(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	remaining, err := store.List(ctx, "", "", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.ID, remaining[0].ID)
}

func TestNewSigner_KeyValidation(t *testing.T) {
	_, err := NewSigner("short")
	assert.Error(t, err)

	_, err = NewSigner(testKey)
	assert.NoError(t, err)

	// 64 hex chars decoding to 32 bytes.
	_, err = NewSigner(strings.Repeat("ab", 32))
	assert.NoError(t, err)
}
