package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch re-loads the config file whenever it changes on disk and invokes
// onReload with the fresh snapshot. Editors replace files via rename, so the
// parent directory is watched rather than the file itself. The watcher stops
// when ctx is cancelled.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	if path == "" || onReload == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	target := filepath.Clean(path)
	go func() {
		defer func() { _ = watcher.Close() }()

		// Debounce: editors often emit several events per save.
		var pending *time.Timer
		reload := func() {
			cfg, err := Load(path)
			if err != nil {
				log.WithError(err).Warn("config reload failed, keeping previous configuration")
				return
			}
			log.Info("configuration reloaded")
			onReload(cfg)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(250*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			}
		}
	}()
	return nil
}
