package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events editors produce on save.
const DefaultDebounce = 250 * time.Millisecond

// ChangeFunc is told which tenant changed after a successful reload.
// An empty tenantID means the shared library changed and every tenant is affected.
type ChangeFunc func(tenantID string)

// Watch reloads the configuration when files in the directory change and
// reports what changed through onChange. It blocks until ctx is done.
// Embedded defaults never change, so Watch returns immediately for them.
func (s *Source) Watch(ctx context.Context, debounce time.Duration, onChange ChangeFunc) error {
	if s.dir == "" {
		slog.Debug("ConfigSource.Watch: embedded configuration, nothing to watch")
		return nil
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}
	tenantsDir := filepath.Join(s.dir, TenantsDir)
	if err := w.Add(tenantsDir); err != nil {
		slog.Warn("ConfigSource.Watch: tenants directory not watched", "dir", tenantsDir, "error", err)
	}
	slog.Info("ConfigSource.Watch: watching configuration", "dir", s.dir)

	pending := make(map[string]bool)
	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			tenant, relevant := s.classify(ev.Name)
			if !relevant {
				continue
			}
			slog.Debug("ConfigSource.Watch: change detected", "file", ev.Name, "op", ev.Op.String())
			pending[tenant] = true
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("ConfigSource.Watch: watcher error", "error", err)
		case <-timer.C:
			changed := pending
			pending = make(map[string]bool)
			if err := s.Reload(); err != nil {
				continue
			}
			if onChange == nil {
				continue
			}
			if changed[""] {
				onChange("")
				continue
			}
			for id := range changed {
				onChange(id)
			}
		}
	}
}

// classify maps a changed path to the tenant it belongs to. The library file
// maps to the empty tenant.
func (s *Source) classify(name string) (string, bool) {
	base := filepath.Base(name)
	if !isYAML(base) {
		return "", false
	}
	switch filepath.Clean(filepath.Dir(name)) {
	case filepath.Clean(s.dir):
		return "", base == LibraryFile
	case filepath.Clean(filepath.Join(s.dir, TenantsDir)):
		return strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml"), true
	}
	return "", false
}
