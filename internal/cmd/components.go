package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/breaker"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/erp"
	"github.com/wardenhq/warden/internal/pipeline"
	"github.com/wardenhq/warden/internal/policy"
	"github.com/wardenhq/warden/internal/sandbox"
	"github.com/wardenhq/warden/internal/scoring"
	"github.com/wardenhq/warden/internal/tools"
	"github.com/wardenhq/warden/internal/verify"
)

// components bundles the assembled governance stack shared by run and serve.
type components struct {
	pipeline   *pipeline.Pipeline
	registry   *tools.Registry
	breakers   *breaker.Registry
	auditStore *audit.Store
	rules      []policy.Rule
}

func (c *components) close() {
	if c.auditStore != nil {
		_ = c.auditStore.Close()
	}
}

// buildComponents assembles the pipeline from operator config: guardian,
// demo business adapter behind per-action breakers, sandboxed skill tool,
// scorer, planner, and the audit store.
func buildComponents(ctx context.Context, cfg *config.Config, rulesPath string) (*components, error) {
	guardian, err := policy.NewGuardian(ctx, policy.GuardianOptions{
		PriceWarnThreshold: cfg.PriceWarnThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("building guardian: %w", err)
	}

	breakers := breaker.NewRegistry(breaker.Options{
		ErrorThreshold: cfg.BreakerThreshold,
		Window:         cfg.BreakerWindow,
		ResetTimeout:   cfg.BreakerReset,
	})

	registry := tools.NewRegistry()
	erp.RegisterBusinessTools(registry, erp.NewDemoAdapter(), breakers)

	executor := sandbox.NewExecutor(sandbox.Options{
		Mode:           cfg.SandboxMode,
		Timeout:        time.Duration(cfg.SandboxTimeoutMS) * time.Millisecond,
		MemoryMB:       cfg.SandboxMemoryMB,
		MaxOutputBytes: cfg.SandboxMaxOutputKB * 1024,
	})
	sandbox.RegisterTool(registry, executor)

	auditStore, err := audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("initializing audit store: %w", err)
	}

	var rules []policy.Rule
	if rulesPath != "" {
		rules, err = policy.LoadRules(rulesPath)
		if err != nil {
			auditStore.Close()
			return nil, fmt.Errorf("loading rules: %w", err)
		}
		log.Info().Int("rule_count", len(rules)).Str("path", rulesPath).Msg("rules_loaded")
	} else if _, statErr := os.Stat("warden.rules.yaml"); statErr == nil {
		rules, err = policy.LoadRules("warden.rules.yaml")
		if err != nil {
			auditStore.Close()
			return nil, fmt.Errorf("loading warden.rules.yaml: %w", err)
		}
		log.Info().Int("rule_count", len(rules)).Msg("rules_loaded")
	}

	p, err := pipeline.New(pipeline.Options{
		Guardian: guardian,
		Registry: registry,
		Scorer:   scoring.NewScorer(scoring.DefaultBase),
		Planner:  verify.NewPlanner(),
		Audit:    auditStore,
	})
	if err != nil {
		auditStore.Close()
		return nil, err
	}

	return &components{
		pipeline:   p,
		registry:   registry,
		breakers:   breakers,
		auditStore: auditStore,
		rules:      rules,
	}, nil
}
