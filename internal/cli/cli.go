// Package cli provides the command-line interface for trino-lb.
// Unlike a control-plane client CLI, trino-lb's binary IS the service:
// "serve" runs the admission/proxy/scaler daemon in the foreground.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/stackabletech/trino-lb/internal/config"
)

// Exit codes.
const (
	ExitSuccess    = 0
	ExitValidation = 1
	ExitInternal   = 2
)

// Version information, set at build time via -ldflags.
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// CLI holds command-line state shared across subcommands.
type CLI struct {
	rootCmd *cobra.Command
	cfg     *config.Config

	configPath string
	debug      bool
}

// New creates a CLI instance.
func New() *CLI {
	c := &CLI{}
	c.rootCmd = c.newRootCmd()
	return c
}

// Execute runs the CLI and returns a process exit code.
func (c *CLI) Execute() int {
	if err := c.rootCmd.Execute(); err != nil {
		if _, ok := err.(*validationError); ok {
			return ExitValidation
		}
		return ExitInternal
	}
	return ExitSuccess
}

func (c *CLI) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trino-lb",
		Short: "Load balancer, router and queueing proxy for Trino clusters",
		Long: `trino-lb sits in front of a fleet of Trino coordinators. It routes each
incoming statement to a cluster group, admits it onto a cluster only
when that cluster has spare running-query capacity, queues it
otherwise, and drives cluster lifecycle through a pluggable autoscaler
backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default: trino-lb.yaml in ~/.trino-lb or the current directory)")
	cmd.PersistentFlags().BoolVar(&c.debug, "debug", false, "verbose debug logging")

	cmd.AddCommand(c.newServeCmd())
	cmd.AddCommand(c.newVersionCmd())

	return cmd
}

func (c *CLI) initConfig() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return &validationError{cause: err}
	}
	c.cfg = cfg
	return nil
}

// validationError marks a config-load/validation failure so Execute can
// map it to ExitValidation rather than the generic ExitInternal.
type validationError struct {
	cause error
}

func (e *validationError) Error() string { return e.cause.Error() }
func (e *validationError) Unwrap() error { return e.cause }
