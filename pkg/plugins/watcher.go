package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultReloadDebounce coalesces bursts of writes to one plugin directory
const DefaultReloadDebounce = 250 * time.Millisecond

// PluginSink receives plugins discovered or removed by the Watcher
type PluginSink interface {
	AddLocalPlugin(ctx context.Context, cfg PluginConfig) error
	RemoveLocalPlugin(ctx context.Context, name string) error
}

// Watcher hot-reloads plugin directories on manifest or bytecode changes
type Watcher struct {
	loader   *Loader
	sink     PluginSink
	fs       *fsnotify.Watcher
	debounce time.Duration
	log      *logrus.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	roots  map[string]bool
}

// NewWatcher watches every root of loader and each plugin directory below it
func NewWatcher(loader *Loader, sink PluginSink, debounce time.Duration, log *logrus.Logger) (*Watcher, error) {
	if log == nil {
		log = logrus.New()
	}
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		loader:   loader,
		sink:     sink,
		fs:       fsw,
		debounce: debounce,
		log:      log,
		timers:   make(map[string]*time.Timer),
		roots:    make(map[string]bool),
	}

	for _, root := range loader.Dirs() {
		if err := w.watchRoot(root); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) watchRoot(root string) error {
	root = filepath.Clean(root)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		w.log.Debugf("Plugin directory does not exist, not watching: %s", root)
		return nil
	}
	if err := w.fs.Add(root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	w.roots[root] = true

	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read plugin directory %s: %w", root, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := w.fs.Add(filepath.Join(root, entry.Name())); err != nil {
				w.log.Warnf("Error watching plugin directory %s: %v", entry.Name(), err)
			}
		}
	}
	return nil
}

// Run processes filesystem events until ctx is done
func (w *Watcher) Run(ctx context.Context) {
	w.log.Infof("Started watching plugin directories %v", w.loader.Dirs())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warnf("Watcher error: %v", err)
		}
	}
}

// Close stops the underlying watcher and pending reloads
func (w *Watcher) Close() error {
	w.mu.Lock()
	for dir, t := range w.timers {
		t.Stop()
		delete(w.timers, dir)
	}
	w.mu.Unlock()
	return w.fs.Close()
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	parent := filepath.Dir(path)

	// Direct child of a root: a plugin directory appeared or went away
	if w.roots[parent] {
		switch {
		case event.Op&fsnotify.Create != 0:
			fi, err := os.Stat(path)
			if err == nil && fi.IsDir() {
				w.log.Debugf("New plugin directory: %s", path)
				if err := w.fs.Add(path); err != nil {
					w.log.Warnf("Error watching new directory: %v", err)
				}
				w.schedule(ctx, path)
			}
		case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
			w.remove(ctx, path)
		}
		return
	}

	if !w.roots[filepath.Dir(parent)] {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Base(path) == ManifestFile || filepath.Ext(path) == ".wasm" {
		w.schedule(ctx, parent)
	}
}

func (w *Watcher) schedule(ctx context.Context, pluginDir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[pluginDir]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[pluginDir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, pluginDir)
		w.mu.Unlock()
		w.reload(ctx, pluginDir)
	})
}

func (w *Watcher) reload(ctx context.Context, pluginDir string) {
	if _, err := os.Stat(filepath.Join(pluginDir, ManifestFile)); err != nil {
		return
	}

	previous, hadPrevious := w.loader.PluginNameForDir(pluginDir)

	cfg, err := w.loader.LoadPlugin(ctx, pluginDir)
	if err != nil {
		w.log.Warnf("Failed to reload plugin from %s: %v", pluginDir, err)
		return
	}

	if err := w.sink.AddLocalPlugin(ctx, cfg); err != nil {
		w.log.Warnf("Failed to register reloaded plugin %s: %v", cfg.Metadata.Name, err)
		return
	}

	// A manifest rename leaves the old name registered
	if hadPrevious && previous != cfg.Metadata.Name {
		if err := w.sink.RemoveLocalPlugin(ctx, previous); err != nil && !IsNotFound(err) {
			w.log.Warnf("Failed to remove renamed plugin %s: %v", previous, err)
		}
	}
	w.log.Infof("Reloaded plugin: %s v%s", cfg.Metadata.Name, cfg.Metadata.Version)
}

func (w *Watcher) remove(ctx context.Context, pluginDir string) {
	w.mu.Lock()
	if t, ok := w.timers[pluginDir]; ok {
		t.Stop()
		delete(w.timers, pluginDir)
	}
	w.mu.Unlock()

	name, ok := w.loader.Forget(pluginDir)
	if !ok {
		return
	}
	if err := w.sink.RemoveLocalPlugin(ctx, name); err != nil && !IsNotFound(err) {
		w.log.Warnf("Failed to remove plugin %s: %v", name, err)
		return
	}
	w.log.Infof("Removed plugin: %s (directory %s deleted)", name, pluginDir)
}
