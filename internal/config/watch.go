package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/Automattic/pingbridge/internal/log"
	"github.com/Automattic/pingbridge/internal/policy"
)

const defaultDebounce = 500 * time.Millisecond

// PolicyWatcher recompiles the policy whenever the policy file changes and
// hands the result to Apply. A file that fails to parse leaves the current
// policy in force.
type PolicyWatcher struct {
	Config   Config
	Apply    func(*policy.Policy)
	Debounce time.Duration

	log zerolog.Logger
}

// NewPolicyWatcher returns a watcher for cfg.PolicyFile.
func NewPolicyWatcher(cfg Config, apply func(*policy.Policy)) *PolicyWatcher {
	return &PolicyWatcher{
		Config:   cfg,
		Apply:    apply,
		Debounce: defaultDebounce,
		log:      log.WithComponent("config"),
	}
}

// Run watches until ctx is done. It returns nil straight away when no
// policy file is configured.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	if w.Config.PolicyFile == "" {
		w.log.Debug().Str(log.FieldEvent, "policy.watcher_disabled").Msg("no policy file to watch")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so that editors which replace the file by rename
	// are still noticed.
	target := filepath.Clean(w.Config.PolicyFile)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch policy file: %w", err)
	}
	w.log.Info().
		Str(log.FieldEvent, "policy.watcher_started").
		Str(log.FieldPath, target).
		Msg("watching policy file for changes")

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Str(log.FieldEvent, "policy.watcher_stopped").Msg("policy watcher stopped")
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.log.Debug().
				Str(log.FieldEvent, "policy.file_changed").
				Str("op", ev.Op.String()).
				Msg("policy file changed")
			if timer == nil {
				timer = time.NewTimer(w.Debounce)
			} else {
				timer.Reset(w.Debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				w.log.Error().
					Err(err).
					Str(log.FieldEvent, "policy.reload_failed").
					Msg("policy reload failed, keeping the current policy")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Str(log.FieldEvent, "policy.watcher_error").Msg("policy watcher error")
		}
	}
}

// Reload compiles the policy now and applies it.
func (w *PolicyWatcher) Reload() error {
	p, err := w.Config.Policy()
	if err != nil {
		return err
	}
	w.Apply(p)
	w.log.Info().Str(log.FieldEvent, "policy.reloaded").Msg("policy reloaded")
	return nil
}
