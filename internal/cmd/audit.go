package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/config"
)

var (
	auditUser  string
	auditTool  string
	auditLimit int
	auditDays  int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the signed audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit records as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openAuditStore()
		if err != nil {
			return err
		}
		defer store.Close()

		var from time.Time
		if auditDays > 0 {
			from = time.Now().AddDate(0, 0, -auditDays)
		}
		records, err := store.List(cmd.Context(), auditUser, auditTool, from, time.Time{}, auditLimit)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <record-id>",
	Short: "Verify the HMAC signature of an audit record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openAuditStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ok, err := store.Verify(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("record %s FAILED signature verification", args[0])
		}
		fmt.Printf("record %s: signature valid\n", args[0])
		return nil
	},
}

var auditPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete audit records older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openAuditStoreWithConfig()
		if err != nil {
			return err
		}
		defer store.Close()

		days := auditDays
		if days <= 0 {
			days = cfg.AuditRetentionDays
		}
		purged, err := store.Purge(cmd.Context(), time.Now().AddDate(0, 0, -days))
		if err != nil {
			return err
		}
		fmt.Printf("purged %d records older than %d days\n", purged, days)
		return nil
	},
}

func openAuditStore() (*audit.Store, error) {
	_, store, err := openAuditStoreWithConfig()
	return store, err
}

func openAuditStoreWithConfig() (*config.Config, *audit.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}
	store, err := audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit store: %w", err)
	}
	return cfg, store, nil
}

func init() {
	auditListCmd.Flags().StringVar(&auditUser, "user", "", "filter by user id")
	auditListCmd.Flags().StringVar(&auditTool, "tool", "", "filter by tool name")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum records")
	auditListCmd.Flags().IntVar(&auditDays, "days", 0, "only records from the last N days")
	auditPurgeCmd.Flags().IntVar(&auditDays, "days", 0, "retention window override in days")

	auditCmd.AddCommand(auditListCmd, auditVerifyCmd, auditPurgeCmd)
	rootCmd.AddCommand(auditCmd)
}
