package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
)

const (
	// EntryValidate is the required admission entrypoint
	EntryValidate = "validate"
	// EntryProcessTrigger is the optional database trigger entrypoint
	EntryProcessTrigger = "process_trigger"

	wasmPageSize = 65536
	maxWasmPages = 65536
)

// CachedModule is a compiled plugin together with the runtime that owns it
type CachedModule struct {
	Metadata   plugins.PluginMetadata
	CompiledAt time.Time
	SHA256     string

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	exports  map[string]bool
	inflight sync.WaitGroup
}

// HasEntry reports whether the module exports entry with the () -> i32 signature
func (m *CachedModule) HasEntry(entry string) bool {
	return m.exports[entry]
}

func (m *CachedModule) close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

// ModuleCache compiles plugins and keeps them keyed by plugin name.
// Executions hold the read lock only while taking a reference, so a
// reload never waits for a running plugin and never tears an entry.
type ModuleCache struct {
	mu      sync.RWMutex
	modules map[string]*CachedModule

	compilation wazero.CompilationCache
	logger      *logrus.Logger
}

// NewModuleCache creates an empty cache sharing one compilation cache across plugins
func NewModuleCache(logger *logrus.Logger) *ModuleCache {
	if logger == nil {
		logger = logrus.New()
	}
	return &ModuleCache{
		modules:     make(map[string]*CachedModule),
		compilation: wazero.NewCompilationCache(),
		logger:      logger,
	}
}

// memoryLimitPages converts a byte ceiling into whole wasm pages
func memoryLimitPages(maxBytes uint64) uint32 {
	pages := maxBytes / wasmPageSize
	if pages == 0 {
		pages = 1
	}
	if pages > maxWasmPages {
		pages = maxWasmPages
	}
	return uint32(pages)
}

// isMemoryOverLimit reports whether wazero rejected a module because its
// memory section declares more pages than the runtime limit.
func isMemoryOverLimit(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "memory") && strings.Contains(msg, "over limit of")
}

// Load verifies, compiles and interface-checks bytecode, then installs it
// under meta.Name. entrypoints default to validate.
func (c *ModuleCache) Load(ctx context.Context, bytecode []byte, meta plugins.PluginMetadata, entrypoints ...string) error {
	name := meta.Name
	if name == "" {
		return plugins.NewError(plugins.KindInterface, "", "plugin name is required", nil)
	}
	if len(entrypoints) == 0 {
		entrypoints = []string{EntryValidate}
	}
	meta.Limits = meta.Limits.WithDefaults()

	sum := sha256.Sum256(bytecode)
	digest := hex.EncodeToString(sum[:])
	if meta.SHA256 != "" && !strings.EqualFold(meta.SHA256, digest) {
		return plugins.NewError(plugins.KindIntegrity, name,
			fmt.Sprintf("sha256 mismatch: expected %s, got %s", strings.ToLower(meta.SHA256), digest), nil)
	}

	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryLimitPages(meta.Limits.MaxMemoryBytes)).
		WithCloseOnContextDone(true).
		WithCompilationCache(c.compilation)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if err := instantiateHost(ctx, rt); err != nil {
		rt.Close(ctx)
		return plugins.NewError(plugins.KindInstantiation, name, "host setup", err)
	}

	compiled, err := rt.CompileModule(experimental.WithFunctionListenerFactory(ctx, fuelListenerFactory{}), bytecode)
	if err != nil {
		rt.Close(ctx)
		if isMemoryOverLimit(err) {
			return plugins.NewResourceError(plugins.ResourceMemory, name,
				fmt.Sprintf("declared memory exceeds limit of %d bytes", meta.Limits.MaxMemoryBytes), err)
		}
		return plugins.NewError(plugins.KindCompile, name, "", err)
	}

	exports, err := checkInterface(compiled, entrypoints)
	if err != nil {
		rt.Close(ctx)
		return plugins.NewError(plugins.KindInterface, name, err.Error(), nil)
	}

	mod := &CachedModule{
		Metadata:   meta,
		CompiledAt: time.Now(),
		SHA256:     digest,
		runtime:    rt,
		compiled:   compiled,
		exports:    exports,
	}

	c.mu.Lock()
	old := c.modules[name]
	c.modules[name] = mod
	c.mu.Unlock()

	if old != nil {
		c.retire(old)
	}

	c.logger.Infof("Loaded plugin module: %s v%s (sha256 %s)", name, meta.Version, digest[:12])
	return nil
}

// checkInterface validates exports and imports of a compiled module.
// It returns the set of entrypoints with a usable signature.
func checkInterface(compiled wazero.CompiledModule, required []string) (map[string]bool, error) {
	funcs := compiled.ExportedFunctions()
	exports := make(map[string]bool)

	for _, entry := range required {
		def, ok := funcs[entry]
		if !ok {
			return nil, fmt.Errorf("missing required export %q", entry)
		}
		if !isStatusEntry(def) {
			return nil, fmt.Errorf("export %q must have type () -> i32", entry)
		}
		exports[entry] = true
	}
	for _, entry := range []string{EntryValidate, EntryProcessTrigger} {
		if def, ok := funcs[entry]; ok && !exports[entry] {
			if !isStatusEntry(def) {
				return nil, fmt.Errorf("export %q must have type () -> i32", entry)
			}
			exports[entry] = true
		}
	}

	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		return nil, fmt.Errorf("missing exported memory %q", "memory")
	}
	if len(compiled.ImportedMemories()) > 0 {
		return nil, fmt.Errorf("memory imports are not allowed")
	}

	for _, def := range compiled.ImportedFunctions() {
		module, fn, _ := def.Import()
		switch module {
		case WASIModule:
		case HostModule:
			sig, ok := hostFunctions[fn]
			if !ok {
				return nil, fmt.Errorf("unknown host function %s.%s", module, fn)
			}
			if !sameTypes(def.ParamTypes(), sig.params) || !sameTypes(def.ResultTypes(), sig.results) {
				return nil, fmt.Errorf("host function %s.%s imported with wrong signature", module, fn)
			}
		default:
			return nil, fmt.Errorf("import from module %q is not allowed (%s)", module, fn)
		}
	}

	return exports, nil
}

func isStatusEntry(def api.FunctionDefinition) bool {
	return len(def.ParamTypes()) == 0 && sameTypes(def.ResultTypes(), []api.ValueType{api.ValueTypeI32})
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// retire closes m once every execution holding it has finished
func (c *ModuleCache) retire(m *CachedModule) {
	go func() {
		m.inflight.Wait()
		if err := m.close(context.Background()); err != nil {
			c.logger.Warnf("Failed to close retired module %s: %v", m.Metadata.Name, err)
		}
	}()
}

// Unload removes a plugin module. In-flight executions finish on the old module.
func (c *ModuleCache) Unload(_ context.Context, name string) error {
	c.mu.Lock()
	m, ok := c.modules[name]
	if ok {
		delete(c.modules, name)
	}
	c.mu.Unlock()

	if !ok {
		return plugins.NewError(plugins.KindNotFound, name, "module not loaded", nil)
	}
	c.retire(m)
	c.logger.Infof("Unloaded plugin module: %s", name)
	return nil
}

// List returns metadata of every cached module sorted by name
func (c *ModuleCache) List() []plugins.PluginMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]plugins.PluginMetadata, 0, len(c.modules))
	for _, m := range c.modules {
		out = append(out, m.Metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether name is cached
func (c *ModuleCache) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.modules[name]
	return ok
}

// Len returns the number of cached modules
func (c *ModuleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.modules)
}

// Get takes a reference on the module cached under name. The returned
// release func must be called when the execution is done.
func (c *ModuleCache) Get(name string) (*CachedModule, func(), error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.modules[name]
	if !ok {
		return nil, nil, plugins.NewError(plugins.KindNotFound, name, "module not loaded", nil)
	}
	m.inflight.Add(1)

	var once sync.Once
	return m, func() { once.Do(m.inflight.Done) }, nil
}

// Close unloads every module and releases the compilation cache
func (c *ModuleCache) Close(ctx context.Context) error {
	c.mu.Lock()
	mods := c.modules
	c.modules = make(map[string]*CachedModule)
	c.mu.Unlock()

	for _, m := range mods {
		m.inflight.Wait()
		if err := m.close(ctx); err != nil {
			c.logger.Warnf("Failed to close module %s: %v", m.Metadata.Name, err)
		}
	}
	return c.compilation.Close(ctx)
}
