package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/clientpool"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/erp"
	"github.com/wardenhq/warden/internal/server"
	"github.com/wardenhq/warden/internal/vault"
)

var (
	serveAddr      string
	serveRulesFile string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the warden HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serveCmd.Flags().StringVar(&serveRulesFile, "rules", "", "path to a YAML policy rules file applied to every request")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	comps, err := buildComponents(ctx, cfg, serveRulesFile)
	if err != nil {
		return err
	}
	defer comps.close()

	pool := clientpool.New(clientpool.Options{
		Capacity:     cfg.PoolCapacity,
		OneShotTTL:   cfg.PoolOneShotTTL,
		StreamingTTL: cfg.PoolStreamingTTL,
	})
	defer pool.Close()

	vaultStore, err := vault.NewStore(cfg.VaultDBPath(), cfg.VaultKey)
	if err != nil {
		return fmt.Errorf("opening credential vault: %w", err)
	}
	defer vaultStore.Close()

	// Nightly audit retention sweep.
	scheduler := cron.New()
	_, err = scheduler.AddFunc("0 3 * * *", func() {
		cutoff := time.Now().AddDate(0, 0, -cfg.AuditRetentionDays)
		purged, err := comps.auditStore.Purge(context.Background(), cutoff)
		if err != nil {
			log.Error().Err(err).Msg("audit_retention_sweep_failed")
			return
		}
		log.Info().Int64("purged", purged).Int("retention_days", cfg.AuditRetentionDays).Msg("audit_retention_sweep")
	})
	if err != nil {
		return fmt.Errorf("registering retention sweep: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.NewServer(comps.pipeline,
		server.WithPool(pool),
		server.WithAuditStore(comps.auditStore),
		server.WithRateLimiter(server.NewRateLimiter(cfg.GlobalRPM, cfg.PerUserRPM)),
		server.WithBaseRules(comps.rules),
		server.WithFallbackSettings(vaultFallback(vaultStore, cfg.FallbackCredential)),
	)

	addr := serveAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("server_listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// vaultFallback resolves the named vault credential into upstream settings
// for requests that carry no credentials of their own. The credential value
// is the JSON encoding of erp settings, stored via "warden vault set". An
// absent credential means no fallback is provisioned, not an error.
func vaultFallback(store *vault.Store, name string) func(context.Context) (*erp.Settings, error) {
	return func(ctx context.Context) (*erp.Settings, error) {
		raw, err := store.Get(ctx, name)
		if errors.Is(err, vault.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		var settings erp.Settings
		if err := json.Unmarshal(raw, &settings); err != nil {
			return nil, fmt.Errorf("decoding fallback credential %s: %w", name, err)
		}
		return &settings, nil
	}
}
