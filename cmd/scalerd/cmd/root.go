// Package cmd implements the CLI commands for scalerd.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/jmylchreest/scalerd/internal/config"
	"github.com/jmylchreest/scalerd/internal/observability"
	"github.com/jmylchreest/scalerd/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string

	// appConfig is loaded once before any subcommand runs.
	appConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "scalerd",
	Short:   "Image scaling task dispatch service",
	Version: version.Short(),
	Long: `scalerd dispatches image scaling tasks to pluggable scaler backends.

Each engine runs one task at a time in FIFO order, reports completion and
buffer release through per-session callbacks, and supports aborting a
session's outstanding work.`,
	SilenceUsage: true,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// initialize references rootCmd, so it is wired here
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initialize(rootCmd.PersistentFlags())
	}

	// Global flags are not bound to viper. They override config/env values
	// only when explicitly set, preserving: CLI flag > env var > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ./configs, /etc/scalerd, $HOME/.scalerd)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initialize loads configuration and configures the default logger.
func initialize(flags *pflag.FlagSet) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	overrideString(flags, "log-level", &cfg.Logging.Level)
	overrideString(flags, "log-format", &cfg.Logging.Format)
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}

	observability.SetDefault(observability.NewLoggerWithWriter(cfg.Logging, os.Stderr))
	appConfig = cfg
	return nil
}

// overrideString copies flag name into dst when the user set it.
func overrideString(flags *pflag.FlagSet, name string, dst *string) {
	if flags.Changed(name) {
		if v, err := flags.GetString(name); err == nil {
			*dst = v
		}
	}
}

// overrideInt copies flag name into dst when the user set it.
func overrideInt(flags *pflag.FlagSet, name string, dst *int) {
	if flags.Changed(name) {
		if v, err := flags.GetInt(name); err == nil {
			*dst = v
		}
	}
}
