package signing

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates cached certificates when their files change. It
// watches parent directories so atomic replaces (rename over) are seen.
type Watcher struct {
	fs       *fsnotify.Watcher
	provider *Provider
	log      *slog.Logger

	mu    sync.Mutex
	dirs  map[string]bool
	files map[string]bool
}

// NewWatcher creates a watcher bound to provider and registers it.
func NewWatcher(provider *Provider, log *slog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fs:       fs,
		provider: provider,
		log:      log.With("component", "certificate_watcher"),
		dirs:     make(map[string]bool),
		files:    make(map[string]bool),
	}
	provider.UseWatcher(w)
	return w, nil
}

// Watch starts tracking path.
func (w *Watcher) Watch(path string) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path] = true
	if w.dirs[dir] {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return err
	}
	w.dirs[dir] = true
	return nil
}

func (w *Watcher) tracked(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[path]
}

// Run handles events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			path := filepath.Clean(event.Name)
			if !w.tracked(path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.log.Info("certificate file changed", "path", path, "op", event.Op.String())
				w.provider.InvalidatePath(path)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Error("certificate watcher error", "error", err)
		}
	}
}
