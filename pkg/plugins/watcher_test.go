package plugins

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	added   map[string]PluginConfig
	removed []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{added: make(map[string]PluginConfig)}
}

func (s *recordingSink) AddLocalPlugin(_ context.Context, cfg PluginConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added[cfg.Metadata.Name] = cfg
	return nil
}

func (s *recordingSink) RemoveLocalPlugin(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, name)
	return nil
}

func (s *recordingSink) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.added[name]
	return ok
}

func (s *recordingSink) wasRemoved(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.removed {
		if n == name {
			return true
		}
	}
	return false
}

func TestWatcher_ReloadAndRemove(t *testing.T) {
	root := t.TempDir()
	dir := writePluginDir(t, root, "a", "alpha")

	loader := NewLoader([]string{root}, nil)
	_, err := loader.DiscoverPlugins(context.Background())
	require.NoError(t, err)

	sink := newRecordingSink()
	w, err := NewWatcher(loader, sink, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// rewrite the bytecode: alpha is re-registered
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.wasm"), wasmHeader, 0644))
	assert.Eventually(t, func() bool { return sink.has("alpha") }, 5*time.Second, 20*time.Millisecond)

	// a new plugin directory is picked up
	writePluginDir(t, root, "b", "beta")
	assert.Eventually(t, func() bool { return sink.has("beta") }, 5*time.Second, 20*time.Millisecond)

	// deleting a directory removes its plugin
	require.NoError(t, os.RemoveAll(dir))
	assert.Eventually(t, func() bool { return sink.wasRemoved("alpha") }, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_MissingRoot(t *testing.T) {
	loader := NewLoader([]string{filepath.Join(t.TempDir(), "nope")}, nil)
	w, err := NewWatcher(loader, newRecordingSink(), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultReloadDebounce, w.debounce)
	assert.NoError(t, w.Close())
}
