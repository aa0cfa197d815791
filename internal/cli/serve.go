package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/fakesocket-go/config"
	"github.com/ggoodman/fakesocket-go/pollhttp"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
	Path string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the socket over HTTP",
		Long: `Serve the chat socket over HTTP until interrupted.

When FAKESOCKET_OPTIONS_FILE is set the file is watched and changed socket
options are applied without a restart.

Example:
  fakesocket serve --addr :8080 --path /chat
  FAKESOCKET_BACKEND=redis fakesocket serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address, overrides FAKESOCKET_ADDR")
	cmd.Flags().StringVar(&opts.Path, "path", "", "socket path, overrides FAKESOCKET_PATH")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := opts.open(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := rt.cfg
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}
	if opts.Path != "" {
		cfg.Path = opts.Path
	}

	h, err := pollhttp.New(rt.sock, cfg.Path,
		pollhttp.WithLogger(rt.log),
		pollhttp.WithAllowOrigin(cfg.AllowOrigin),
	)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.log.InfoContext(gctx, "server.listen",
			slog.String("addr", cfg.Addr),
			slog.String("path", cfg.Path),
			slog.String("backend", cfg.Backend),
			slog.String("namespace", cfg.Namespace),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		rt.log.InfoContext(shutdownCtx, "server.shutdown")
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.OptionsFile != "" {
		g.Go(func() error {
			return config.WatchOptions(gctx, cfg.OptionsFile, rt.log, rt.sock.SetOptions)
		})
	}

	return g.Wait()
}
