package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/tools"
)

var (
	runToolsFile string
	runRulesFile string
	runUserID    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch of tool calls through the governance pipeline",
	Long: `Reads a JSON array of tool calls from --tools-file, runs each through the
full pipeline (policy gate, verification, execution, scoring, audit), and
writes the annotated results as JSON to stdout.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runToolsFile, "tools-file", "", "path to a JSON array of tool calls (required)")
	runCmd.Flags().StringVar(&runRulesFile, "rules", "", "path to a YAML policy rules file")
	runCmd.Flags().StringVar(&runUserID, "user", "default", "user id attributed in audit records")
	_ = runCmd.MarkFlagRequired("tools-file")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	raw, err := os.ReadFile(runToolsFile)
	if err != nil {
		return fmt.Errorf("reading tools file: %w", err)
	}
	var calls []tools.Call
	if err := json.Unmarshal(raw, &calls); err != nil {
		return fmt.Errorf("parsing tools file: %w", err)
	}
	if len(calls) == 0 {
		return fmt.Errorf("tools file contains no tool calls")
	}

	comps, err := buildComponents(ctx, cfg, runRulesFile)
	if err != nil {
		return err
	}
	defer comps.close()

	results := comps.pipeline.ProcessTools(ctx, runUserID, calls, comps.rules)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
