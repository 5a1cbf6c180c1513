// Package erp defines the business-system adapter boundary: per-request
// connection settings, the adapter interface tool executors are built on,
// and deterministic idempotency keys for write actions.
//
// Settings carry ephemeral credentials. They arrive with each request, feed
// the client pool fingerprint, and are never written to durable storage; only
// the fingerprint may appear in logs or breaker keys.
package erp

import (
	"errors"
	"fmt"
	"time"

	"github.com/wardenhq/warden/internal/clientpool"
)

// ErrUnknownAction is returned by adapters for action names they do not
// implement.
var ErrUnknownAction = errors.New("unknown business action")

// Settings is the per-request connection configuration for a business system.
type Settings struct {
	Provider  string `json:"provider" mapstructure:"provider"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	TimeoutMS int    `json:"timeout_ms" mapstructure:"timeout_ms"`
}

// Validate checks the settings are usable.
func (s Settings) Validate() error {
	if s.Provider == "" {
		return errors.New("erp settings: provider is required")
	}
	if s.TimeoutMS < 0 {
		return fmt.Errorf("erp settings: negative timeout %d", s.TimeoutMS)
	}
	return nil
}

// Timeout returns the per-call timeout, defaulting to 30s.
func (s Settings) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// Credentials maps the settings onto a pool credential key.
func (s Settings) Credentials() clientpool.Credentials {
	return clientpool.Credentials{
		APIKey:   s.APIKey,
		Provider: s.Provider,
		BaseURL:  s.BaseURL,
	}
}

// Fingerprint returns the credential fingerprint. Safe to log.
func (s Settings) Fingerprint() string {
	return s.Credentials().Fingerprint()
}
