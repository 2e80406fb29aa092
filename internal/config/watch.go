package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file whenever it changes on disk and hands the
// validated result to a callback. Invalid files are logged and ignored so the
// previous config stays in effect.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	onChange func(*Config)
	log      *slog.Logger
	done     chan struct{}
}

// Watch starts watching path. The parent directory is watched rather than the
// file itself so that editors replacing the file via rename are still seen.
func Watch(path string, logger *slog.Logger, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		fs:       fsw,
		onChange: onChange,
		log:      logger,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload rejected", "path", w.path, "err", err)
				continue
			}
			w.log.Info("config reloaded", "path", w.path)
			w.onChange(cfg)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", "err", err)
		}
	}
}
