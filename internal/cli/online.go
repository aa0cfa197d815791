package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ggoodman/fakesocket-go/protocol"
)

// NewOnlineCommand creates the online command.
func NewOnlineCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "online",
		Short:         "List the clients online right now",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnline(cmd.Context(), opts, cmd)
		},
	}
}

func runOnline(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := opts.open(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	clients, err := rt.sock.Online(ctx)
	if err != nil {
		return err
	}
	if clients == nil {
		clients = []protocol.ClientUpdate{}
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(w, clients)
	}
	for _, c := range clients {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", c.Hash, compact(c.RegisterData)); err != nil {
			return err
		}
	}
	return nil
}
