package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ggoodman/fakesocket-go/storage"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Raw bool
}

type inspectRecord struct {
	Key    string         `json:"key"`
	Record storage.Record `json:"record"`
}

type inspectOutput struct {
	Collection string          `json:"collection"`
	NextKey    int64           `json:"nextKey"`
	Records    []inspectRecord `json:"records"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <collection>",
		Short: "Print the records of a collection",
		Long: `Print the records of a collection in stored order.

The collection name is resolved inside the socket namespace unless --raw is
given, so "clients" reads "fakeSocket/clients" by default. The collection is
locked while it is read.

Example:
  fakesocket inspect clients
  fakesocket inspect broadcasts --format json
  fakesocket inspect --raw fakeSocket/logs`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "treat the argument as a full collection name")

	return cmd
}

func runInspect(ctx context.Context, opts *InspectOptions, name string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := opts.open(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	if !opts.Raw {
		name = rt.sock.CollectionName(name)
	}
	col, err := rt.store.Open(ctx, name, storage.WithoutAutoIncrement())
	if err != nil {
		return err
	}
	out := inspectOutput{Collection: name, NextKey: col.NextKey(), Records: []inspectRecord{}}
	col.Each(func(key string, rec storage.Record) {
		out.Records = append(out.Records, inspectRecord{Key: key, Record: rec})
	})
	if err := col.Close(ctx); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(w, out)
	}
	for _, r := range out.Records {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", r.Key, compact(r.Record)); err != nil {
			return err
		}
	}
	return nil
}
