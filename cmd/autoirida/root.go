package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/autoirida/internal/config"
	"github.com/mattjoyce/autoirida/internal/parser"
)

// cliOptions holds the persistent flags shared by every command.
type cliOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:   "autoirida",
		Short: "Upload staged sequencing runs to IRIDA",
		Long: "autoirida polls runs_to_upload_dir, skips excluded and already uploaded runs,\n" +
			"and uploads the rest to IRIDA, recording progress in a local SQLite database.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides log_level")

	rootCmd.AddCommand(newRunsCommand(opts))
	rootCmd.AddCommand(newDoctorCommand(opts))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// loadConfig reads and validates the configuration named by --config.
func (o *cliOptions) loadConfig() (*config.Config, error) {
	if strings.TrimSpace(o.configPath) == "" {
		return nil, fmt.Errorf("%w: --config is required", config.ErrConfig)
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = strings.ToLower(o.logLevel)
	}
	return cfg, nil
}

// selectParser resolves the configured parser strategy.
func selectParser(cfg *config.Config) (parser.Parser, error) {
	registry := parser.DefaultRegistry()
	p, ok := registry.Get(cfg.Parser)
	if !ok {
		return nil, fmt.Errorf("%w: unknown parser %q (available: %s)",
			config.ErrConfig, cfg.Parser, strings.Join(registry.Names(), ", "))
	}
	return p, nil
}
