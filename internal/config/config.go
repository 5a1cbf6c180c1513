// Package config holds OPERATOR-LEVEL configuration for a warden process.
//
// This is infrastructure config set by whoever deploys warden, NOT end-user
// or per-request configuration. The boundary is:
//
//   - Operator config (this package): data directory, audit signing key,
//     vault encryption key, sandbox limits, breaker and pool tuning.
//     Set via env vars (WARDEN_*) or config file (warden.config.yaml).
//
//   - Request config: ephemeral upstream credentials (ERP/LLM API keys) and
//     policy rules travel inside each request and are never persisted.
//     Operator-fallback keys live only in the encrypted vault
//     (internal/vault), never in env vars or this config.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/rs/zerolog/log"
)

// Viper keys. Each maps to an env var with the WARDEN_ prefix
// (e.g. "signing_key" → WARDEN_SIGNING_KEY) and to a YAML field in
// warden.config.yaml.
const (
	KeyDataDir            = "data_dir"
	KeySigningKey         = "signing_key"
	KeyVaultKey           = "vault_key"
	KeyListenAddr         = "listen_addr"
	KeySandboxMode        = "sandbox_mode"
	KeySandboxTimeoutMS   = "sandbox_timeout_ms"
	KeySandboxMemoryMB    = "sandbox_memory_mb"
	KeySandboxMaxOutputKB = "sandbox_max_output_kb"
	KeyBreakerThreshold   = "breaker_error_threshold"
	KeyBreakerWindowSec   = "breaker_window_sec"
	KeyBreakerResetSec    = "breaker_reset_sec"
	KeyPoolCapacity       = "pool_capacity"
	KeyPoolOneShotTTLSec  = "pool_oneshot_ttl_sec"
	KeyPoolStreamTTLSec   = "pool_streaming_ttl_sec"
	KeyPriceWarnThreshold = "price_warn_threshold"
	KeyFallbackCredential = "fallback_credential"
	KeyAuditRetentionDays = "audit_retention_days"
	KeyGlobalRPM          = "rate_global_rpm"
	KeyPerUserRPM         = "rate_per_user_rpm"
)

// Defaults that do NOT involve crypto material. Crypto keys intentionally
// have no baked-in defaults: when unset we derive a per-machine fallback
// and warn loudly.
const (
	DefaultListenAddr         = ":8787"
	DefaultSandboxMode        = "isolated"
	DefaultSandboxTimeoutMS   = 5000
	DefaultSandboxMemoryMB    = 128
	DefaultSandboxMaxOutputKB = 64
	DefaultBreakerThreshold   = 50
	DefaultBreakerWindowSec   = 60
	DefaultBreakerResetSec    = 30
	DefaultPoolCapacity       = 64
	DefaultPoolOneShotTTLSec  = 60
	DefaultPoolStreamTTLSec   = 300
	DefaultPriceWarn          = 10000.0
	DefaultFallbackCredential = "erp_settings"
	DefaultAuditRetentionDays = 90
	DefaultGlobalRPM          = 600
	DefaultPerUserRPM         = 60
)

// Config holds resolved operator-level configuration for a warden process.
type Config struct {
	DataDir            string  // base directory for all state (~/.warden)
	SigningKey         string  // HMAC-SHA256 key for audit signing (≥32 bytes)
	VaultKey           string  // secretbox key for the credential vault (32 bytes or 64 hex)
	ListenAddr         string  // HTTP listen address
	SandboxMode        string  // "off" or "isolated"
	SandboxTimeoutMS   int     // wall-clock cap per skill execution
	SandboxMemoryMB    int     // child heap ceiling
	SandboxMaxOutputKB int     // combined stdout+stderr cap
	BreakerThreshold   int     // windowed error percentage that opens a breaker
	BreakerWindow      time.Duration
	BreakerReset       time.Duration
	PoolCapacity       int
	PoolOneShotTTL     time.Duration
	PoolStreamingTTL   time.Duration
	PriceWarnThreshold float64 // line-item price above which Guardian warns
	FallbackCredential string  // vault credential name holding fallback upstream settings
	AuditRetentionDays int
	GlobalRPM          int
	PerUserRPM         int

	usingDefaultSigningKey bool
	usingDefaultVaultKey   bool
}

func init() {
	viper.SetEnvPrefix("WARDEN")
	viper.AutomaticEnv()
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeySandboxMode, DefaultSandboxMode)
	viper.SetDefault(KeySandboxTimeoutMS, DefaultSandboxTimeoutMS)
	viper.SetDefault(KeySandboxMemoryMB, DefaultSandboxMemoryMB)
	viper.SetDefault(KeySandboxMaxOutputKB, DefaultSandboxMaxOutputKB)
	viper.SetDefault(KeyBreakerThreshold, DefaultBreakerThreshold)
	viper.SetDefault(KeyBreakerWindowSec, DefaultBreakerWindowSec)
	viper.SetDefault(KeyBreakerResetSec, DefaultBreakerResetSec)
	viper.SetDefault(KeyPoolCapacity, DefaultPoolCapacity)
	viper.SetDefault(KeyPoolOneShotTTLSec, DefaultPoolOneShotTTLSec)
	viper.SetDefault(KeyPoolStreamTTLSec, DefaultPoolStreamTTLSec)
	viper.SetDefault(KeyPriceWarnThreshold, DefaultPriceWarn)
	viper.SetDefault(KeyFallbackCredential, DefaultFallbackCredential)
	viper.SetDefault(KeyAuditRetentionDays, DefaultAuditRetentionDays)
	viper.SetDefault(KeyGlobalRPM, DefaultGlobalRPM)
	viper.SetDefault(KeyPerUserRPM, DefaultPerUserRPM)
}

// Load reads configuration from viper (env vars, config file, defaults)
// and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:            resolveDataDir(),
		SigningKey:         viper.GetString(KeySigningKey),
		VaultKey:           viper.GetString(KeyVaultKey),
		ListenAddr:         viper.GetString(KeyListenAddr),
		SandboxMode:        viper.GetString(KeySandboxMode),
		SandboxTimeoutMS:   viper.GetInt(KeySandboxTimeoutMS),
		SandboxMemoryMB:    viper.GetInt(KeySandboxMemoryMB),
		SandboxMaxOutputKB: viper.GetInt(KeySandboxMaxOutputKB),
		BreakerThreshold:   viper.GetInt(KeyBreakerThreshold),
		BreakerWindow:      time.Duration(viper.GetInt(KeyBreakerWindowSec)) * time.Second,
		BreakerReset:       time.Duration(viper.GetInt(KeyBreakerResetSec)) * time.Second,
		PoolCapacity:       viper.GetInt(KeyPoolCapacity),
		PoolOneShotTTL:     time.Duration(viper.GetInt(KeyPoolOneShotTTLSec)) * time.Second,
		PoolStreamingTTL:   time.Duration(viper.GetInt(KeyPoolStreamTTLSec)) * time.Second,
		PriceWarnThreshold: viper.GetFloat64(KeyPriceWarnThreshold),
		FallbackCredential: viper.GetString(KeyFallbackCredential),
		AuditRetentionDays: viper.GetInt(KeyAuditRetentionDays),
		GlobalRPM:          viper.GetInt(KeyGlobalRPM),
		PerUserRPM:         viper.GetInt(KeyPerUserRPM),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing-----")
		cfg.usingDefaultSigningKey = true
	}
	if cfg.VaultKey == "" {
		cfg.VaultKey = deriveDefaultKey(cfg.DataDir, "vault-encryption--")
		cfg.usingDefaultVaultKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// AuditDBPath returns the full path to the audit SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// VaultDBPath returns the full path to the credential vault SQLite database.
func (c *Config) VaultDBPath() string {
	return filepath.Join(c.DataDir, "vault.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// UsingDefaultKeys returns true if either crypto key fell back to a derived
// default. Commands should warn when this is the case.
func (c *Config) UsingDefaultKeys() bool {
	return c.usingDefaultSigningKey || c.usingDefaultVaultKey
}

// WarnIfDefaultKeys logs a warning when crypto keys are not explicitly set.
func (c *Config) WarnIfDefaultKeys() {
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using derived default WARDEN_SIGNING_KEY — set via env var or config file for production")
	}
	if c.usingDefaultVaultKey {
		log.Warn().Msg("Using derived default WARDEN_VAULT_KEY — set via env var or config file for production")
	}
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. NOT cryptographically strong; it exists
// so a first run works out of the box while still signing and encrypting
// with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("warden:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if c.SandboxMode != "off" && c.SandboxMode != "isolated" {
		return fmt.Errorf("sandbox_mode must be \"off\" or \"isolated\" (got %q)", c.SandboxMode)
	}
	if c.SandboxTimeoutMS <= 0 {
		return fmt.Errorf("sandbox_timeout_ms must be positive")
	}
	if c.SandboxMemoryMB <= 0 {
		return fmt.Errorf("sandbox_memory_mb must be positive")
	}
	if c.SandboxMaxOutputKB <= 0 {
		return fmt.Errorf("sandbox_max_output_kb must be positive")
	}
	if c.BreakerThreshold <= 0 || c.BreakerThreshold > 100 {
		return fmt.Errorf("breaker_error_threshold must be in (0,100] (got %d)", c.BreakerThreshold)
	}
	if c.PoolCapacity <= 0 {
		return fmt.Errorf("pool_capacity must be positive")
	}
	if len(c.SigningKey) < 32 {
		return fmt.Errorf("signing_key must be at least 32 bytes (got %d); set WARDEN_SIGNING_KEY", len(c.SigningKey))
	}
	if err := validateVaultKey(c.VaultKey); err != nil {
		return err
	}
	return nil
}

// validateVaultKey accepts either 32 raw bytes or 64 hex characters
// (decoding to the 32 bytes secretbox requires).
func validateVaultKey(key string) error {
	n := len(key)
	if n == 32 {
		return nil
	}
	if n == 64 && isHexString(key) {
		return nil
	}
	return fmt.Errorf("vault_key must be exactly 32 bytes or 64 hex characters (got %d); set WARDEN_VAULT_KEY", n)
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
