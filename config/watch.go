package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ggoodman/fakesocket-go/socket"
)

const reloadDebounce = 100 * time.Millisecond

// WatchOptions reloads the options file whenever it changes and passes the
// result to apply. Files that fail to parse are logged and skipped, keeping
// the options in effect. It blocks until ctx is done.
func WatchOptions(ctx context.Context, path string, log *slog.Logger, apply func(socket.Options) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = w.Close()
	}()

	// Watch the directory: editors and config management replace files
	// rather than writing them in place.
	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	reload := func() {
		o, err := LoadOptions(path)
		if err != nil {
			log.WarnContext(ctx, "config.options.reload.fail", slog.String("path", path), slog.String("err", err.Error()))
			return
		}
		if err := apply(o); err != nil {
			log.WarnContext(ctx, "config.options.apply.fail", slog.String("path", path), slog.String("err", err.Error()))
			return
		}
		log.InfoContext(ctx, "config.options.reload", slog.String("path", path))
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "config.watch.error", slog.String("err", err.Error()))
		case <-debounce:
			debounce = nil
			reload()
		}
	}
}
