package config

import (
	"context"
	"os"
	"time"

	"github.com/harborline/go-skipper/internal/log"
)

// Watcher polls the config file and delivers a fresh Snapshot whenever
// the file changes. Snapshots are whole replacements; a reload that fails
// validation is logged and dropped, leaving the previous snapshot live.
type Watcher struct {
	path     string
	interval time.Duration
	version  int
	modTime  time.Time
	apply    func(Snapshot)
}

// NewWatcher creates a watcher for path. apply is invoked with version 1
// for the initial parameters and again on every successful reload.
func NewWatcher(path string, interval time.Duration, initial Params, apply func(Snapshot)) *Watcher {
	w := &Watcher{
		path:     path,
		interval: interval,
		apply:    apply,
	}
	if st, err := os.Stat(path); err == nil {
		w.modTime = st.ModTime()
	}
	w.version = 1
	apply(Snapshot{Version: 1, Params: initial})
	return w
}

// Run polls until ctx is cancelled. Call in its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	if w.path == "" {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	st, err := os.Stat(w.path)
	if err != nil {
		return
	}
	if !st.ModTime().After(w.modTime) {
		return
	}
	w.modTime = st.ModTime()

	cfg, err := Load(w.path)
	if err != nil {
		log.Warn("config reload rejected", "path", w.path, "error", err)
		return
	}
	w.version++
	log.Info("config reloaded", "path", w.path, "version", w.version)
	w.apply(Snapshot{Version: w.version, Params: cfg.Params})
}
