package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ksred/klear-trader/internal/config"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "Intraday options trading engine",
	Long: `trader runs the options trading engine: strategy loops, order
reconciliation against the broker, position tracking and account-level
risk enforcement, with an ops API for inspection and control.`,
	SilenceUsage: true,
}

// init configures pretty console logging outside production. The level is
// set again once the config is loaded.
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (defaults plus env overrides when empty)")
}

// configureLogging applies the configured level unless DEBUG forces debug
func configureLogging(cfg config.LogConfig) {
	if os.Getenv("DEBUG") == "true" {
		return
	}
	zerolog.SetGlobalLevel(cfg.ZerologLevel())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
