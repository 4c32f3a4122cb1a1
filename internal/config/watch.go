package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"duck-audit/internal/audit"
	"duck-audit/internal/output"
)

const defaultDebounce = 250 * time.Millisecond

// PolicyWatcher reloads the audit policy file into a PolicyHolder. Statements
// already running keep the policy they started with.
type PolicyWatcher struct {
	path     string
	holder   *audit.PolicyHolder
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	output   output.Settings
	onReload func(error)
}

// NewPolicyWatcher creates a watcher for path. current is the output section
// in effect; output changes need a restart and are only reported.
func NewPolicyWatcher(path string, holder *audit.PolicyHolder, current output.Settings, logger *slog.Logger) *PolicyWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyWatcher{
		path:     path,
		holder:   holder,
		logger:   logger,
		debounce: defaultDebounce,
		output:   current,
	}
}

// OnReload registers a callback run after every reload attempt.
func (w *PolicyWatcher) OnReload(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Reload reads the policy file and publishes it. An invalid file leaves the
// current policy in place.
func (w *PolicyWatcher) Reload(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := LoadAuditConfig(w.path)
	if err == nil {
		w.holder.Store(cfg.Policy)
		if !reflect.DeepEqual(cfg.Output, w.output) {
			w.logger.Warn("audit output settings changed; restart to apply", "path", w.path)
		}
		w.logger.Info("audit policy reloaded", "path", w.path, "sections", len(cfg.Policy.Rules))
	} else {
		w.logger.Warn("audit policy reload failed; keeping current policy", "path", w.path, "error", err)
	}
	if w.onReload != nil {
		w.onReload(err)
	}
	return err
}

// Run watches the policy file's directory until ctx ends. Watching the
// directory catches editors and config management that replace the file.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close() //nolint:errcheck

	target := filepath.Clean(w.path)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	w.logger.Info("watching audit policy", "path", target)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", "error", err)
		case <-timer.C:
			_ = w.Reload(ctx)
		}
	}
}
