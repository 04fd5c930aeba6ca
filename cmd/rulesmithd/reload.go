package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rulesmith/internal/logging"
)

// cacheClearer is satisfied by *credentials.Resolver.
type cacheClearer interface {
	Clear()
}

// reloader clears the credential cache on SIGHUP or when the config file
// changes. The file watch is optional; SIGHUP works without it.
type reloader struct {
	path    string
	cache   cacheClearer
	hup     <-chan os.Signal
	watcher *fsnotify.Watcher
	logger  *logging.Logger
}

// newReloader watches the directory holding path, so editors that replace
// the file by rename are still seen. A failed watch is logged and the
// reloader falls back to SIGHUP only.
func newReloader(ctx context.Context, path string, cache cacheClearer, hup <-chan os.Signal, logger *logging.Logger) *reloader {
	r := &reloader{
		path:   filepath.Clean(path),
		cache:  cache,
		hup:    hup,
		logger: logger.Named("reload"),
	}
	w, err := watchDir(filepath.Dir(r.path))
	if err != nil {
		r.logger.Warn(ctx, "config file watch disabled, SIGHUP still clears the credential cache", zap.Error(err))
		return r
	}
	r.watcher = w
	return r
}

func watchDir(dir string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	return watcher, nil
}

// Watching reports whether config file changes are being watched.
func (r *reloader) Watching() bool {
	return r.watcher != nil
}

// Run blocks until ctx is done.
func (r *reloader) Run(ctx context.Context) {
	// Nil channels block forever, which disables the watch cases.
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if r.watcher != nil {
		events, errs = r.watcher.Events, r.watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.hup:
			r.logger.Info(ctx, "SIGHUP received, clearing credential cache")
			r.cache.Clear()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.logger.Info(ctx, "config file changed, clearing credential cache", zap.String("op", event.Op.String()))
			r.cache.Clear()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.Warn(ctx, "config watch error", zap.Error(err))
		}
	}
}

// Close stops the watcher, if any.
func (r *reloader) Close() {
	if r.watcher != nil {
		_ = r.watcher.Close()
	}
}
