package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/fakesocket-go/chat"
	"github.com/ggoodman/fakesocket-go/config"
	"github.com/ggoodman/fakesocket-go/internal/logctx"
	"github.com/ggoodman/fakesocket-go/socket"
	"github.com/ggoodman/fakesocket-go/storage"
	"github.com/ggoodman/fakesocket-go/storage/filestore"
	"github.com/ggoodman/fakesocket-go/storage/memory"
	"github.com/ggoodman/fakesocket-go/storage/postgres"
	"github.com/ggoodman/fakesocket-go/storage/redis"
)

// runtime is the wired engine shared by every command.
type runtime struct {
	cfg   config.Server
	log   *slog.Logger
	store *storage.Store
	sock  *socket.Socket
}

// settings loads settings from the environment and applies flag overrides.
func (o *RootOptions) settings() (config.Server, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Server{}, err
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.LogFormat = o.LogFormat
	}
	if o.Backend != "" {
		cfg.Backend = o.Backend
	}
	if o.Namespace != "" {
		cfg.Namespace = o.Namespace
	}
	return cfg, cfg.Validate()
}

func (o *RootOptions) open(ctx context.Context, logOut io.Writer) (*runtime, error) {
	cfg, err := o.settings()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(logOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(ctx, cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	sockOpts := []socket.Option{
		socket.WithNamespace(cfg.Namespace),
		socket.WithLogger(log),
		socket.WithAuditRetention(cfg.AuditRetention),
	}
	if cfg.OptionsFile != "" {
		opts, err := config.LoadOptions(cfg.OptionsFile)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		sockOpts = append(sockOpts, socket.WithOptions(opts))
	}

	store := storage.New(backend, storage.WithLogger(log))
	return &runtime{
		cfg:   cfg,
		log:   log,
		store: store,
		sock:  socket.New(store, chat.New(chat.WithLogger(log)), sockOpts...),
	}, nil
}

func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		r.log.Warn("storage.backend.close.fail", slog.String("err", err.Error()))
	}
}

func openBackend(ctx context.Context, name string) (storage.Backend, error) {
	switch name {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendFile:
		var fc filestore.Config
		if err := envdecode.Decode(&fc); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil, fmt.Errorf("decode environment: %w", err)
		}
		return filestore.New(fc)
	case config.BackendRedis:
		return redis.NewFromEnv()
	case config.BackendPostgres:
		return postgres.NewFromEnv(ctx)
	}
	return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalidConfig, name)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	hopts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}
