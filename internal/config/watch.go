package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

const watchDebounce = 250 * time.Millisecond

// Override adjusts a freshly read config before validation, typically to
// reapply command-line flags.
type Override func(*Config)

// Watch reloads the config file at path whenever it changes, applies override
// (when non-nil), validates, and hands the result to onChange. Invalid edits
// are logged and skipped. The watcher stops when ctx is done.
func Watch(ctx context.Context, path string, override Override, onChange func(Config)) error {
	if path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "config: watcher")
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return errors.Wrapf(err, "config: watch %s", path)
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				// Editors that save by rename drop the watch; re-arm it.
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("config watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(watchDebounce)
				}
			case <-debounce.C:
				cfg, err := reload(path, override)
				if err != nil {
					slog.Error("config reload failed", "path", path, "err", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("config watch error", "err", err)
			}
		}
	}()
	return nil
}

func reload(path string, override Override) (Config, error) {
	cfg, err := ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if override != nil {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
