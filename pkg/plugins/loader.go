package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Loader discovers plugins shipped as directories (plugin.yaml plus a .wasm file)
type Loader struct {
	pluginDirs []string
	loaded     map[string]string // plugin dir -> plugin name
	mu         sync.RWMutex
	log        *logrus.Logger
}

// NewLoader creates a new plugin loader
func NewLoader(dirs []string, log *logrus.Logger) *Loader {
	if log == nil {
		log = logrus.New()
	}

	return &Loader{
		pluginDirs: dirs,
		loaded:     make(map[string]string),
		log:        log,
	}
}

// Dirs returns the configured plugin root directories
func (l *Loader) Dirs() []string {
	return l.pluginDirs
}

// DiscoverPlugins scans every plugin root and returns one config per valid plugin directory.
// Broken plugins are logged and skipped.
func (l *Loader) DiscoverPlugins(ctx context.Context) ([]PluginConfig, error) {
	var configs []PluginConfig

	for _, dir := range l.pluginDirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			l.log.Debugf("Plugin directory does not exist: %s", dir)
			continue
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			l.log.Warnf("Failed to read plugin directory %s: %v", dir, err)
			continue
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return configs, err
			}
			if !entry.IsDir() {
				continue
			}

			pluginDir := filepath.Join(dir, entry.Name())
			if _, err := os.Stat(filepath.Join(pluginDir, ManifestFile)); os.IsNotExist(err) {
				continue
			}

			cfg, err := l.LoadPlugin(ctx, pluginDir)
			if err != nil {
				l.log.Warnf("Failed to load plugin from %s: %v", pluginDir, err)
				continue
			}

			configs = append(configs, cfg)
		}
	}

	return configs, nil
}

// LoadPlugin reads the manifest and bytecode in pluginDir and returns the resulting config
func (l *Loader) LoadPlugin(ctx context.Context, pluginDir string) (PluginConfig, error) {
	manifest, err := LoadManifestFromDir(pluginDir)
	if err != nil {
		return PluginConfig{}, fmt.Errorf("failed to load manifest: %w", err)
	}

	bytecode, err := os.ReadFile(manifest.WasmPath(pluginDir))
	if err != nil {
		return PluginConfig{}, fmt.Errorf("failed to read bytecode: %w", err)
	}

	cfg := manifest.ToConfig(bytecode)
	if errs := ValidateConfig(&cfg); len(errs) > 0 {
		return PluginConfig{}, fmt.Errorf("manifest validation failed: %s", DeniedWithErrors(errs).Message)
	}

	l.mu.Lock()
	l.loaded[filepath.Clean(pluginDir)] = cfg.Metadata.Name
	l.mu.Unlock()

	l.log.Infof("Discovered plugin: %s v%s (%s)", cfg.Metadata.Name, cfg.Metadata.Version, pluginDir)

	return cfg, nil
}

// Forget drops the record of pluginDir and returns the plugin name it held
func (l *Loader) Forget(pluginDir string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := filepath.Clean(pluginDir)
	name, ok := l.loaded[key]
	if ok {
		delete(l.loaded, key)
	}
	return name, ok
}

// PluginNameForDir returns the plugin last loaded from pluginDir
func (l *Loader) PluginNameForDir(pluginDir string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	name, ok := l.loaded[filepath.Clean(pluginDir)]
	return name, ok
}

// LoadedDirs returns the plugin directories currently tracked, sorted
func (l *Loader) LoadedDirs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	dirs := make([]string, 0, len(l.loaded))
	for d := range l.loaded {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}
