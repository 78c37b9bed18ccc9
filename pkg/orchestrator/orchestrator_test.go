package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/async"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/observability"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/sandbox"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/sandbox/wasmtest"
)

type memoryStore struct {
	mu      sync.Mutex
	configs map[string]plugins.PluginConfig
}

func newMemoryStore() *memoryStore {
	return &memoryStore{configs: make(map[string]plugins.PluginConfig)}
}

func (s *memoryStore) Save(_ context.Context, cfg plugins.PluginConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.Metadata.Name] = cfg
	return nil
}

func (s *memoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, name)
	return nil
}

func (s *memoryStore) LoadAll(_ context.Context) ([]plugins.PluginConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]plugins.PluginConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	return out, nil
}

type memoryBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{blobs: make(map[string][]byte)}
}

func (b *memoryBlobs) Put(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	key := "plugins/sha256/" + hex.EncodeToString(sum[:])
	b.mu.Lock()
	b.blobs[key] = append([]byte(nil), data...)
	b.mu.Unlock()
	return key, nil
}

func (b *memoryBlobs) resolver() plugins.SourceResolver {
	return plugins.SourceResolverFunc(func(_ context.Context, cfg *plugins.PluginConfig) ([]byte, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		data, ok := b.blobs[cfg.BlobKey]
		if !ok {
			return nil, fmt.Errorf("blob %s not found", cfg.BlobKey)
		}
		return data, nil
	})
}

type recordingPatcher struct {
	mu      sync.Mutex
	patched []plugins.DbTriggerOutput
	err     error
}

func (p *recordingPatcher) PatchStatus(_ context.Context, out plugins.DbTriggerOutput) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	p.patched = append(p.patched, out)
	p.mu.Unlock()
	return nil
}

func newExecutor(t testing.TB) *sandbox.Executor {
	t.Helper()
	logger, _ := test.NewNullLogger()
	cache := sandbox.NewModuleCache(logger)
	pool := async.NewWorkerPool(context.Background(), 4, "test-sandbox", 0)
	t.Cleanup(func() {
		_ = pool.Shutdown(time.Second)
		_ = cache.Close(context.Background())
	})
	return sandbox.NewExecutor(cache, pool, logger)
}

func newTestOrchestrator(t testing.TB, opts Options) *Orchestrator {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger, _ = test.NewNullLogger()
	}
	return New(newExecutor(t), opts)
}

func pluginConfig(name string, wasm []byte, ops ...plugins.Operation) plugins.PluginConfig {
	if len(ops) == 0 {
		ops = plugins.DefaultOperations()
	}
	return plugins.PluginConfig{
		Metadata: plugins.PluginMetadata{
			Name:    name,
			Version: "1.0.0",
			Limits:  plugins.PluginLimits{TimeoutMs: 200, MaxFuel: 100_000},
		},
		WasmBinary: base64.StdEncoding.EncodeToString(wasm),
		Operations: ops,
		Enabled:    true,
	}
}

func verdict(t testing.TB, out plugins.ValidationOutput) []byte {
	t.Helper()
	data, err := json.Marshal(out)
	require.NoError(t, err)
	return wasmtest.ConstPlugin(string(data), 0)
}

func createInput() plugins.ValidationInput {
	return plugins.ValidationInput{
		Operation: plugins.OperationCreate,
		Object:    json.RawMessage(`{"spec":{"nodeType":"Validator"}}`),
		Namespace: "stellar",
		Name:      "node-1",
	}
}

func TestScenarioA_DeleteSkipsCreateUpdatePlugin(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	require.NoError(t, o.AddPlugin(context.Background(),
		pluginConfig("node-type-checker", verdict(t, plugins.Denied("never")))))

	input := createInput()
	input.Operation = plugins.OperationDelete
	result := o.Validate(context.Background(), input)

	assert.True(t, result.Allowed)
	assert.Equal(t, "no validation plugins matched operation DELETE", result.Message)
	assert.Empty(t, result.PluginResults)
	assert.Zero(t, result.TotalExecutionTimeMs)
}

func TestScenarioB_WarningsAndErrorsUnion(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	ctx := context.Background()

	require.NoError(t, o.AddPlugin(ctx, pluginConfig("replicas", verdict(t, plugins.AllowedWithWarnings("high replica count")))))
	nodeTypeErr := plugins.NewValidationError("spec.nodeType", "invalid node type", plugins.ErrorTypeInvalid)
	require.NoError(t, o.AddPlugin(ctx, pluginConfig("node-type", verdict(t, plugins.DeniedWithErrors([]plugins.ValidationError{nodeTypeErr})))))

	result := o.Validate(ctx, createInput())

	assert.False(t, result.Allowed)
	assert.Equal(t, []string{"high replica count"}, result.Warnings)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "spec.nodeType", result.Errors[0].Field)
	assert.Equal(t, "invalid node type", result.Errors[0].Message)
	assert.Equal(t, "[node-type] invalid node type", result.Message)
	require.Len(t, result.PluginResults, 2)
	assert.Equal(t, "replicas", result.PluginResults[0].PluginName)
	assert.Equal(t, "node-type", result.PluginResults[1].PluginName)
}

func TestExecuteAllDenyK(t *testing.T) {
	o := newTestOrchestrator(t, Options{MaxParallelPlugins: 2})
	ctx := context.Background()

	const n, k = 5, 3
	for i := 0; i < n; i++ {
		out := plugins.Allowed()
		if i == k {
			out = plugins.Denied("replicas must be 1")
		}
		require.NoError(t, o.AddPlugin(ctx, pluginConfig(fmt.Sprintf("plugin-%d", i), verdict(t, out))))
	}

	result := o.Validate(ctx, createInput())
	assert.False(t, result.Allowed)
	assert.Equal(t, fmt.Sprintf("[plugin-%d] replicas must be 1", k), result.Message)
	require.Len(t, result.PluginResults, n)
	for i, r := range result.PluginResults {
		assert.Equal(t, fmt.Sprintf("plugin-%d", i), r.PluginName)
	}
}

func TestFailurePolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("fail closed", func(t *testing.T) {
		o := newTestOrchestrator(t, Options{})
		require.NoError(t, o.AddPlugin(ctx, pluginConfig("ok", verdict(t, plugins.AllowedWithWarnings("fine")))))
		require.NoError(t, o.AddPlugin(ctx, pluginConfig("trapper", wasmtest.TrapPlugin())))

		result := o.Validate(ctx, createInput())
		assert.False(t, result.Allowed)
		assert.Contains(t, result.Message, "[trapper] plugin trapper failed: ")
		assert.Equal(t, []string{"fine"}, result.Warnings)
		assert.Equal(t, plugins.ReasonPluginError, result.PluginResults[1].Output.Reason)
	})

	t.Run("fail open", func(t *testing.T) {
		o := newTestOrchestrator(t, Options{})
		require.NoError(t, o.AddPlugin(ctx, pluginConfig("ok", verdict(t, plugins.AllowedWithWarnings("fine")))))
		cfg := pluginConfig("trapper", wasmtest.TrapPlugin())
		cfg.FailOpen = true
		require.NoError(t, o.AddPlugin(ctx, cfg))

		result := o.Validate(ctx, createInput())
		assert.True(t, result.Allowed)
		require.Len(t, result.Warnings, 2)
		assert.Equal(t, "fine", result.Warnings[0])
		assert.Contains(t, result.Warnings[1], "plugin trapper failed (fail-open): ")
		assert.Empty(t, result.Message)
	})

	t.Run("output without a verdict", func(t *testing.T) {
		o := newTestOrchestrator(t, Options{})
		lenient := pluginConfig("lenient", wasmtest.ConstPlugin(`{}`, 0))
		lenient.FailOpen = true
		require.NoError(t, o.AddPlugin(ctx, lenient))

		result := o.Validate(ctx, createInput())
		assert.True(t, result.Allowed)
		require.Len(t, result.Warnings, 1)
		assert.Contains(t, result.Warnings[0], "plugin lenient failed (fail-open): OutputDecodeError")

		require.NoError(t, o.AddPlugin(ctx, pluginConfig("strict", wasmtest.ConstPlugin(`null`, 0))))
		result = o.Validate(ctx, createInput())
		assert.False(t, result.Allowed)
		assert.Contains(t, result.Message, "[strict] plugin strict failed: OutputDecodeError")
	})

	t.Run("fuel exhaustion fails closed", func(t *testing.T) {
		o := newTestOrchestrator(t, Options{})
		cfg := pluginConfig("looper", wasmtest.CallLoopPlugin())
		cfg.Metadata.Limits = plugins.PluginLimits{TimeoutMs: 30_000, MaxFuel: 10_000}
		require.NoError(t, o.AddPlugin(ctx, cfg))

		result := o.Validate(ctx, createInput())
		assert.False(t, result.Allowed)
		assert.Contains(t, result.Message, "ResourceExceeded(Fuel)")
	})
}

func TestDispatchPanicBecomesTaskFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	// a nil executor panics on first use
	o := New(nil, Options{Logger: logger})

	closed := pluginConfig("broken", nil)
	open := pluginConfig("lenient", nil)
	open.FailOpen = true

	result := o.ExecuteAll(context.Background(), []plugins.PluginConfig{closed, open}, createInput())
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Message, "[broken] plugin broken failed: TaskFailure")
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "plugin lenient failed (fail-open): TaskFailure")
	assert.NotEmpty(t, hook.AllEntries())
}

func TestAuditAnnotationsAreNamespaced(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	ctx := context.Background()

	for _, name := range []string{"first", "second"} {
		out := plugins.Allowed()
		out.AuditAnnotations = map[string]string{"checked": name}
		require.NoError(t, o.AddPlugin(ctx, pluginConfig(name, verdict(t, out))))
	}

	result := o.Validate(ctx, createInput())
	assert.Equal(t, map[string]string{
		"first/checked":  "first",
		"second/checked": "second",
	}, result.AuditAnnotations)
}

func TestBuiltinShortCircuits(t *testing.T) {
	builtinErr := plugins.NewValidationError("spec.nodeType", "nodeType must be one of Validator, Horizon, SorobanRpc", plugins.ErrorTypeInvalid)
	o := newTestOrchestrator(t, Options{
		Builtin: func(json.RawMessage) []plugins.ValidationError {
			return []plugins.ValidationError{builtinErr}
		},
	})
	ctx := context.Background()
	require.NoError(t, o.AddPlugin(ctx, pluginConfig("plugin-deny", verdict(t, plugins.Denied("from plugin")),
		plugins.OperationCreate, plugins.OperationDelete)))

	result := o.Validate(ctx, createInput())
	assert.False(t, result.Allowed)
	assert.Equal(t, builtinErr.Message, result.Message)
	assert.Equal(t, []plugins.ValidationError{builtinErr}, result.Errors)
	assert.Empty(t, result.PluginResults)

	// built-in rules only apply to CREATE and UPDATE
	input := createInput()
	input.Operation = plugins.OperationDelete
	result = o.Validate(ctx, input)
	assert.Equal(t, "[plugin-deny] from plugin", result.Message)
}

func TestAddPluginErrors(t *testing.T) {
	o := newTestOrchestrator(t, Options{})
	ctx := context.Background()

	bad := pluginConfig("Bad Name", wasmtest.ConstPlugin("", 0))
	err := o.AddPlugin(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	err = o.AddPlugin(ctx, pluginConfig("no-validate", wasmtest.NoValidatePlugin()))
	assert.ErrorIs(t, err, plugins.ErrInterface)

	// a trigger-only plugin must export process_trigger
	err = o.AddPlugin(ctx, pluginConfig("trigger-only", wasmtest.ConstPlugin("", 0), plugins.OperationDbTrigger))
	assert.ErrorIs(t, err, plugins.ErrInterface)

	cfg := pluginConfig("from-url", nil)
	cfg.WasmBinary = ""
	cfg.URL = "https://example.com/plugin.wasm"
	err = o.AddPlugin(ctx, cfg)
	assert.ErrorIs(t, err, plugins.ErrSource)

	assert.Zero(t, o.PluginCount())
}

func TestAddReplaceRemove(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	store := newMemoryStore()
	o := newTestOrchestrator(t, Options{Store: store, Metrics: metrics})
	ctx := context.Background()

	require.NoError(t, o.AddPlugin(ctx, pluginConfig("a", verdict(t, plugins.Allowed()))))
	require.NoError(t, o.AddPlugin(ctx, pluginConfig("b", verdict(t, plugins.Allowed()))))
	replacement := pluginConfig("a", verdict(t, plugins.Denied("v2")))
	replacement.Metadata.Version = "2.0.0"
	require.NoError(t, o.AddPlugin(ctx, replacement))

	list := o.ListPlugins()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Metadata.Name)
	assert.Equal(t, "2.0.0", list[0].Metadata.Version)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PluginsLoaded))

	assert.Equal(t, "[a] v2", o.Validate(ctx, createInput()).Message)

	require.NoError(t, o.RemovePlugin(ctx, "a"))
	assert.True(t, plugins.IsNotFound(o.RemovePlugin(ctx, "a")))
	assert.False(t, o.executor.Cache().Has("a"))
	assert.NotContains(t, store.configs, "a")
	assert.Contains(t, store.configs, "b")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PluginsLoaded))
}

func TestPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	blobs := newMemoryBlobs()
	wasm := verdict(t, plugins.Denied("restored"))

	first := newTestOrchestrator(t, Options{Store: store, Blobs: blobs})
	require.NoError(t, first.AddPlugin(ctx, pluginConfig("persisted", wasm)))

	saved := store.configs["persisted"]
	assert.Empty(t, saved.WasmBinary)
	sum := sha256.Sum256(wasm)
	assert.Equal(t, "plugins/sha256/"+hex.EncodeToString(sum[:]), saved.BlobKey)
	assert.Equal(t, hex.EncodeToString(sum[:]), saved.Metadata.SHA256)

	second := newTestOrchestrator(t, Options{Store: store})
	second.Sources().Register(plugins.SourceBlob, blobs.resolver())
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "[persisted] restored", second.Validate(ctx, createInput()).Message)
}

func TestLocalPluginsAreNotPersisted(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	blobs := newMemoryBlobs()
	o := newTestOrchestrator(t, Options{Store: store, Blobs: blobs})

	require.NoError(t, o.AddPlugin(ctx, pluginConfig("shared", verdict(t, plugins.Allowed()))))
	require.NoError(t, o.AddLocalPlugin(ctx, pluginConfig("on-disk", verdict(t, plugins.Denied("local")))))

	assert.Equal(t, 2, o.PluginCount())
	assert.Contains(t, store.configs, "shared")
	assert.NotContains(t, store.configs, "on-disk")
	assert.Len(t, blobs.blobs, 1)
	assert.Equal(t, "[on-disk] local", o.Validate(ctx, createInput()).Message)

	// another replica restores only the shared plugin
	replica := newTestOrchestrator(t, Options{Store: store})
	replica.Sources().Register(plugins.SourceBlob, blobs.resolver())
	n, err := replica.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, replica.Validate(ctx, createInput()).Allowed)

	// a local plugin named like a persisted one leaves the store entry alone
	require.NoError(t, replica.AddLocalPlugin(ctx, pluginConfig("shared", verdict(t, plugins.Allowed()))))
	require.NoError(t, replica.RemoveLocalPlugin(ctx, "shared"))
	assert.Contains(t, store.configs, "shared")
	assert.Zero(t, replica.PluginCount())
	assert.True(t, plugins.IsNotFound(replica.RemoveLocalPlugin(ctx, "shared")))
}

func TestRestoreSkipsBrokenEntries(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	good := pluginConfig("good", verdict(t, plugins.Allowed()))
	broken := pluginConfig("broken", nil)
	broken.WasmBinary = ""
	broken.BlobKey = "plugins/sha256/missing"
	require.NoError(t, store.Save(ctx, good))
	require.NoError(t, store.Save(ctx, broken))

	o := newTestOrchestrator(t, Options{Store: store})
	n, err := o.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, o.PluginCount())
}

func TestExecuteTriggers(t *testing.T) {
	ctx := context.Background()
	patcher := &recordingPatcher{}
	o := newTestOrchestrator(t, Options{Patcher: patcher})

	input := plugins.DbTriggerInput{Table: "ledgers", Operation: "INSERT", Payload: json.RawMessage(`{"seq":42}`)}

	report := o.ExecuteTriggers(ctx, input)
	assert.Zero(t, report.Matched)

	require.NoError(t, o.AddPlugin(ctx, pluginConfig("admission", verdict(t, plugins.Allowed()))))
	require.NoError(t, o.AddPlugin(ctx, pluginConfig("ledger-watch",
		wasmtest.TriggerPlugin(`{"namespace":"stellar","name":"node-1","ledgerSequence":42}`, 0),
		plugins.OperationDbTrigger)))
	require.NoError(t, o.AddPlugin(ctx, pluginConfig("broken-trigger",
		wasmtest.TriggerPlugin(`{}`, 1), plugins.OperationDbTrigger)))

	report = o.ExecuteTriggers(ctx, input)
	assert.Equal(t, 2, report.Matched)
	require.Len(t, report.Updated, 1)
	assert.Equal(t, uint64(42), report.Updated[0].LedgerSequence)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "process_trigger returned error code 1")
	assert.Equal(t, report.Updated, patcher.patched)

	patcher.err = errors.New("conflict")
	report = o.ExecuteTriggers(ctx, input)
	assert.Empty(t, report.Updated)
	assert.Contains(t, report.Errors, "conflict")
}

func TestConcurrentExecuteAllDuringReload(t *testing.T) {
	o := newTestOrchestrator(t, Options{MaxParallelPlugins: 4})
	ctx := context.Background()

	versions := [][]byte{
		wasmtest.ConstPlugin(`{"allowed":true,"warnings":["v1"]}`, 0),
		wasmtest.ConstPlugin(`{"allowed":true,"warnings":["v2"]}`, 0),
	}
	require.NoError(t, o.AddPlugin(ctx, pluginConfig("hot", versions[0])))
	require.NoError(t, o.AddPlugin(ctx, pluginConfig("steady", verdict(t, plugins.Allowed()))))

	stop := make(chan struct{})
	var reloads sync.WaitGroup
	reloads.Add(1)
	go func() {
		defer reloads.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := o.AddPlugin(ctx, pluginConfig("hot", versions[i%2])); err != nil {
				t.Errorf("reload failed: %v", err)
				return
			}
		}
	}()

	var callers sync.WaitGroup
	for g := 0; g < 8; g++ {
		callers.Add(1)
		go func() {
			defer callers.Done()
			for i := 0; i < 20; i++ {
				result := o.Validate(ctx, createInput())
				if !assert.True(t, result.Allowed, result.Message) {
					return
				}
				if assert.Len(t, result.Warnings, 1) {
					assert.Contains(t, []string{"v1", "v2"}, result.Warnings[0])
				}
			}
		}()
	}
	callers.Wait()
	close(stop)
	reloads.Wait()
}

func TestEntrypoints(t *testing.T) {
	tests := []struct {
		ops  []plugins.Operation
		want []string
	}{
		{plugins.DefaultOperations(), []string{sandbox.EntryValidate}},
		{[]plugins.Operation{plugins.OperationDbTrigger}, []string{sandbox.EntryProcessTrigger}},
		{[]plugins.Operation{plugins.OperationCreate, plugins.OperationDbTrigger}, []string{sandbox.EntryValidate, sandbox.EntryProcessTrigger}},
		{nil, []string{sandbox.EntryValidate}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, entrypoints(tt.ops))
	}
}
