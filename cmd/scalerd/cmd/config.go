package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/scalerd/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing scalerd configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format.

With no config file and no SCALERD_ variables set this prints every option
with its default value. Redirect it to a file to create a template:

  scalerd config dump > config.yaml

Environment variables use the SCALERD_ prefix and underscores for nesting.
Example: scaler.pool_capacity -> SCALERD_SCALER_POOL_CAPACITY`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return dumpConfig(cmd.OutOrStdout(), appConfig)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// dumpConfig writes cfg as YAML preceded by a short header.
func dumpConfig(w io.Writer, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	header := `# scalerd configuration
#
# Duration format: 30s, 5m, 1h
# Stats schedule: cron expression (5 or 6 fields) or descriptor such as "@every 1m"
# Backends: blit (synchronous), vfe (asynchronous, delayed buffer release)
#
`
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
