package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// AnnounceOptions holds flags for the announce command.
type AnnounceOptions struct {
	*RootOptions
	JSON bool
}

// NewAnnounceCommand creates the announce command.
func NewAnnounceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AnnounceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "announce <message>",
		Short: "Broadcast a server message to every client",
		Long: `Append a server message to the broadcast log. Clients receive it on their
next poll with an empty "from".

Example:
  fakesocket announce "maintenance at noon"
  fakesocket announce --json '{"motd":"hello"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnnounce(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "parse the message as a JSON value")

	return cmd
}

func runAnnounce(ctx context.Context, opts *AnnounceOptions, arg string, cmd *cobra.Command) error {
	var message any = arg
	if opts.JSON {
		if err := json.Unmarshal([]byte(arg), &message); err != nil {
			return fmt.Errorf("invalid JSON message: %w", err)
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := opts.open(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	id, err := rt.sock.Broadcast(ctx, message)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(w, map[string]int64{"id": id})
	}
	_, err = fmt.Fprintf(w, "announced as broadcast %d\n", id)
	return err
}
