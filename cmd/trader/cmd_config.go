package main

import (
	"fmt"
	"os"

	"github.com/ksred/klear-trader/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var checkConfigPrint bool

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and optionally print it",
	Long: `Load the config file, apply environment overrides and validate the
result. With --print the effective configuration is written as YAML with
secrets masked.`,
	RunE: runCheckConfig,
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
	checkConfigCmd.Flags().BoolVar(&checkConfigPrint, "print", false, "Print the effective configuration")
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	if checkConfigPrint {
		out, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return err
		}
		os.Stdout.Write(out)
	}
	fmt.Fprintln(os.Stderr, "config OK")
	return nil
}
