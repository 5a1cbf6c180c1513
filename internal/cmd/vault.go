package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/vault"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage encrypted fallback credentials",
	Long: `The vault holds operator-provisioned fallback credentials, encrypted at
rest. Per-request credentials never touch the vault; store here only what
warden should fall back to when a request carries no credentials.`,
}

var vaultSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store a credential value read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openVault()
		if err != nil {
			return err
		}
		defer store.Close()

		value, err := readSecret(cmd)
		if err != nil {
			return err
		}
		if err := store.Put(cmd.Context(), args[0], value); err != nil {
			return err
		}
		fmt.Printf("stored %s\n", args[0])
		return nil
	},
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credential names (never values)",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openVault()
		if err != nil {
			return err
		}
		defer store.Close()

		metas, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(metas)
	},
}

var vaultDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a stored credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openVault()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

func openVault() (*vault.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()
	return vault.NewStore(cfg.VaultDBPath(), cfg.VaultKey)
}

// readSecret reads the credential value from stdin so it never appears in
// shell history or process listings.
func readSecret(cmd *cobra.Command) ([]byte, error) {
	raw, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("reading value from stdin: %w", err)
	}
	value := strings.TrimRight(string(raw), "\n")
	if value == "" {
		return nil, fmt.Errorf("empty credential value")
	}
	return []byte(value), nil
}

func init() {
	vaultCmd.AddCommand(vaultSetCmd, vaultListCmd, vaultDeleteCmd)
	rootCmd.AddCommand(vaultCmd)
}
