package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloads the policy file into a Holder whenever it changes on disk. Invalid files are logged and ignored; the
// previous policy stays live.
type Watcher struct {
	Path     string
	Holder   *Holder
	Logger   *slog.Logger
	Debounce time.Duration
}

func NewWatcher(path string, holder *Holder, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		Path:     path,
		Holder:   holder,
		Logger:   logger.With("component", "policy-watcher", "path", path),
		Debounce: 500 * time.Millisecond,
	}
}

// Blocks until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// editors and config management usually replace the file by rename, which drops a watch on the file itself
	target := filepath.Clean(w.Path)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			w.Logger.Debug("policy file changed", "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.Debounce)
			} else {
				timer.Reset(w.Debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Error("policy watcher error", "err", err)
		case <-fire:
			fire = nil
			w.Reload()
		}
	}
}

// Loads the file once, replacing the live policy if it is valid.
func (w *Watcher) Reload() bool {
	p, err := LoadFile(w.Path)
	if err != nil {
		policyReloads.WithLabelValues("invalid").Inc()
		w.Logger.Error("rejected policy file, keeping current policy", "err", err, "current", w.Holder.Get().Version)
		return false
	}
	policyReloads.WithLabelValues("ok").Inc()
	w.Holder.Set(p)
	w.Logger.Info("loaded policy", "version", p.Version)
	return true
}
