// Package cli implements the pagewatch command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/osbits/pagewatch/internal/observability"
)

var (
	version = "dev"
	commit  = "none"
)

type rootOptions struct {
	configPath string
	dotEnv     string
	logFormat  string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	defaultConfig := os.Getenv("MONITOR_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yml"
	}

	cmd := &cobra.Command{
		Use:           "pagewatch",
		Short:         "Watch product category pages for data and layout changes",
		Long:          "pagewatch scrapes product pages on a schedule, alerts when product data disappears, and reports which page elements changed.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", defaultConfig, "path to configuration file (falls back to environment variables when missing)")
	flags.StringVar(&opts.dotEnv, "env-file", observability.DefaultDotEnvPath, "dotenv file loaded before configuration")
	flags.StringVar(&opts.logFormat, "log-format", "json", "log format: json or text")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newOnceCmd(opts))
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	return cmd
}

// NewRootCmdForTest returns the root command for testing.
func NewRootCmdForTest() *cobra.Command {
	return newRootCmd()
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
