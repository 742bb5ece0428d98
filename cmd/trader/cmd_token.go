package main

import (
	"encoding/json"
	"os"

	"github.com/ksred/klear-trader/internal/auth"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/spf13/cobra"
)

var (
	tokenClient   string
	tokenReadOnly bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an ops API token with the configured secret",
	RunE:  runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenClient, "client", "ops-cli", "Client id embedded in the token")
	tokenCmd.Flags().BoolVar(&tokenReadOnly, "read-only", false, "Omit the control permission")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	perms := []string{auth.PermissionRead}
	if !tokenReadOnly {
		perms = append(perms, auth.PermissionControl)
	}

	tok, err := auth.NewService(cfg.Server).Issue(tokenClient, perms...)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(tok)
}
