package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// SweepOptions holds flags for the sweep command.
type SweepOptions struct {
	*RootOptions
	Force bool
}

type sweepOutput struct {
	Swept             bool     `json:"swept"`
	Reaped            []string `json:"reaped"`
	PresenceEvicted   int      `json:"presenceEvicted"`
	BroadcastsEvicted int      `json:"broadcastsEvicted"`
	AuditEvicted      int      `json:"auditEvicted"`
	NextRun           int64    `json:"nextRun,omitempty"`
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run maintenance now",
		Long: `Reap expired clients and evict expired log entries.

Without --force the sweep only runs once the maintenance window has elapsed,
exactly as it would during a client request.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "ignore the maintenance window")

	return cmd
}

func runSweep(ctx context.Context, opts *SweepOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := opts.open(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	report, swept, err := rt.sock.Sweep(ctx, opts.Force)
	if err != nil {
		return err
	}
	out := sweepOutput{
		Swept:             swept,
		Reaped:            report.Reaped,
		PresenceEvicted:   report.PresenceEvicted,
		BroadcastsEvicted: report.BroadcastsEvicted,
		AuditEvicted:      report.AuditEvicted,
		NextRun:           report.NextRun,
	}
	if out.Reaped == nil {
		out.Reaped = []string{}
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(w, out)
	}
	if !swept {
		_, err := fmt.Fprintln(w, "skipped: maintenance window has not elapsed")
		return err
	}
	_, err = fmt.Fprintf(w, "reaped %d clients, evicted %d presence, %d broadcast and %d audit entries\n",
		len(out.Reaped), out.PresenceEvicted, out.BroadcastsEvicted, out.AuditEvicted)
	return err
}
