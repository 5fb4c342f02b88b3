// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// CONFIG WATCHER
// =============================================================================

// Watcher reloads the configuration when the config file changes on disk,
// allowing provider API keys to be rotated without restarting the service.
type Watcher struct {
	live     *Live
	watcher  *fsnotify.Watcher
	debounce time.Duration
	dir      string

	mu      sync.Mutex
	pending time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatcher creates a watcher over the default config directory.
func NewWatcher(live *Live, debounce time.Duration) (*Watcher, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		live:     live,
		watcher:  fw,
		debounce: debounce,
		dir:      dir,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Watch starts watching for config file changes.
func (w *Watcher) Watch() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	go w.processEvents()
	go w.processPending()
	return nil
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

// processEvents records write/create events on config files. Editors often
// emit bursts of events for one save, so reloads are debounced.
func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if name != "config.toml" && name != "config.json" {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG_WATCH_ERROR | error=%v", err)
		}
	}
}

// processPending reloads the configuration once events quiesce.
func (w *Watcher) processPending() {
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			pending := w.pending
			w.mu.Unlock()

			if pending.IsZero() || time.Since(pending) < w.debounce {
				continue
			}

			w.mu.Lock()
			w.pending = time.Time{}
			w.mu.Unlock()

			cfg, err := Load()
			if err != nil {
				log.Printf("CONFIG_RELOAD_FAILED | error=%v", err)
				continue
			}
			w.live.Replace(cfg)
			log.Printf("CONFIG_RELOADED | port=%d gemini_configured=%t openai_configured=%t",
				cfg.Server.Port, cfg.Providers.GeminiKey != "", cfg.Providers.OpenAIKey != "")
		}
	}
}
