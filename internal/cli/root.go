package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chainseal/internal/config"
	"github.com/ppiankov/chainseal/internal/logging"
)

var (
	configPath string
	logLevel   string

	// Populated by the root PersistentPreRunE.
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "chainseal",
	Short: "Mandatory access control with a signed forensic ledger",
	Long: "chainseal enforces Bell-LaPadula style labels on protected operations,\n" +
		"records every instrumented run into an Ed25519-signed hash-chained ledger,\n" +
		"and attests tracked artifacts against their recorded baselines.",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadRuntime,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default: $CHAINSEAL_CONFIG or ~/.chainseal/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
}

func loadRuntime(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger, logCloser, err = logging.Open(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		return err
	}
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
