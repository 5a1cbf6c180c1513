package cmd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/erp"
	"github.com/wardenhq/warden/internal/vault"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	viper.Set(config.KeyDataDir, t.TempDir())
	t.Cleanup(func() { viper.Set(config.KeyDataDir, "") })

	cfg, err := config.Load()
	require.NoError(t, err)
	require.NoError(t, cfg.EnsureDataDir())
	return cfg
}

func TestBuildComponents(t *testing.T) {
	cfg := testConfig(t)

	comps, err := buildComponents(context.Background(), cfg, "")
	require.NoError(t, err)
	defer comps.close()

	for _, name := range []string{"get_stock", "create_invoice", "run_skill"} {
		_, ok := comps.registry.Get(name)
		assert.True(t, ok, "tool %s must be registered", name)
	}
	assert.Empty(t, comps.rules)
}

func TestBuildComponents_LoadsRules(t *testing.T) {
	cfg := testConfig(t)

	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")
	rules := `version: 1
rules:
  - id: r-1
    name: no deletes
    priority: 1
    enabled: true
    condition:
      tool: delete_invoice
    action: reject
    message: deletes are disabled
`
	require.NoError(t, os.WriteFile(rulesPath, []byte(rules), 0o600))

	comps, err := buildComponents(context.Background(), cfg, rulesPath)
	require.NoError(t, err)
	defer comps.close()

	require.Len(t, comps.rules, 1)
	assert.Equal(t, "r-1", comps.rules[0].ID)
}

func TestBuildComponents_BadRulesFile(t *testing.T) {
	cfg := testConfig(t)

	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte("rules:\n  - id: r-1\n    action: explode\n"), 0o600))

	_, err := buildComponents(context.Background(), cfg, rulesPath)
	assert.Error(t, err)
}

func TestResolvedVersion(t *testing.T) {
	assert.NotEmpty(t, resolvedVersion())
}

func TestVaultFallback(t *testing.T) {
	store, err := vault.NewStore(filepath.Join(t.TempDir(), "vault.db"), "0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	defer store.Close()

	settings := erp.Settings{Provider: "demo", BaseURL: "https://erp.example", APIKey: "sk-fallback"}
	raw, err := json.Marshal(settings)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "erp_settings", raw))

	got, err := vaultFallback(store, "erp_settings")(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, settings, *got)

	got, err = vaultFallback(store, "nonesuch")(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got, "absent credential means no fallback is provisioned")

	require.NoError(t, store.Put(context.Background(), "garbled", []byte("not json")))
	_, err = vaultFallback(store, "garbled")(context.Background())
	assert.Error(t, err)
}
