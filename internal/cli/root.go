// Package cli implements the fakesocket command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format    string // "json" | "text"
	LogLevel  string
	LogFormat string
	Backend   string
	Namespace string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the fakesocket CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fakesocket",
		Short: "fakesocket - long-polling pub/sub server",
		Long: `A long-polling publish/subscribe server. Clients register, poll for presence
and broadcast deltas, and post messages over plain HTTP requests.

Settings are read from FAKESOCKET_* environment variables; flags override them.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.LogFormat != "" && !slices.Contains(ValidFormats, opts.LogFormat) {
				return fmt.Errorf("invalid log format %q: must be one of %v", opts.LogFormat, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), overrides FAKESOCKET_LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (json|text), overrides FAKESOCKET_LOG_FORMAT")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "storage backend (file|memory|redis|postgres), overrides FAKESOCKET_BACKEND")
	cmd.PersistentFlags().StringVar(&opts.Namespace, "namespace", "", "collection namespace, overrides FAKESOCKET_NAMESPACE")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewOnlineCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewAnnounceCommand(opts))

	return cmd
}
