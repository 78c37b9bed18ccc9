package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/async"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
)

// ExecutionOutcome is the raw result of running one entrypoint
type ExecutionOutcome struct {
	Status       int32
	Output       []byte
	FuelConsumed uint64
	MemoryBytes  uint64
	Duration     time.Duration
}

// Executor runs cached plugins on a bounded worker pool, one fresh instance per call
type Executor struct {
	cache  *ModuleCache
	pool   *async.WorkerPool
	logger *logrus.Logger
	tracer trace.Tracer
}

// NewExecutor creates an executor over cache that runs calls on pool
func NewExecutor(cache *ModuleCache, pool *async.WorkerPool, logger *logrus.Logger) *Executor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Executor{
		cache:  cache,
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("stellar-webhook/sandbox"),
	}
}

// Cache returns the module cache the executor reads from
func (e *Executor) Cache() *ModuleCache {
	return e.cache
}

// Execute runs entry of plugin name with input under limits. The call runs
// on the worker pool; if ctx ends first Execute returns a TaskFailure while
// the sandbox finishes under its own limits.
func (e *Executor) Execute(ctx context.Context, name string, input []byte, limits plugins.PluginLimits, entry string) (ExecutionOutcome, error) {
	ctx, span := e.tracer.Start(ctx, "sandbox.Execute", trace.WithAttributes(
		attribute.String("plugin.name", name),
		attribute.String("plugin.entry", entry),
		attribute.Int("input.bytes", len(input)),
	))
	defer span.End()

	var outcome ExecutionOutcome
	err := e.pool.Run(ctx, func(poolCtx context.Context) error {
		mod, release, err := e.cache.Get(name)
		if err != nil {
			return err
		}
		defer release()

		out, err := e.run(poolCtx, mod, input, limits, entry)
		if err != nil {
			return err
		}
		outcome = out
		return nil
	})
	if err != nil {
		err = classifyPoolError(name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ExecutionOutcome{}, err
	}

	span.SetAttributes(
		attribute.Int64("plugin.fuel", int64(outcome.FuelConsumed)),
		attribute.Int("plugin.status", int(outcome.Status)),
	)
	return outcome, nil
}

// classifyPoolError turns pool-level failures into TaskFailure
func classifyPoolError(name string, err error) error {
	var pe *plugins.PluginError
	if errors.As(err, &pe) {
		return err
	}
	switch {
	case errors.Is(err, async.ErrPanic):
		return plugins.NewError(plugins.KindTaskFailure, name, "execution panicked", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return plugins.NewError(plugins.KindTaskFailure, name, "caller stopped waiting", err)
	default:
		return plugins.NewError(plugins.KindTaskFailure, name, "", err)
	}
}

func (e *Executor) run(ctx context.Context, mod *CachedModule, input []byte, limits plugins.PluginLimits, entry string) (ExecutionOutcome, error) {
	name := mod.Metadata.Name
	limits = limits.WithDefaults()

	if !mod.HasEntry(entry) {
		return ExecutionOutcome{}, plugins.NewError(plugins.KindInterface, name,
			fmt.Sprintf("module does not export %q", entry), nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, limits.Timeout())
	defer cancel()

	st := &callState{
		plugin: name,
		input:  input,
		meter:  newFuelMeter(limits.MaxFuel),
		logger: e.logger,
	}
	callCtx = withCallState(callCtx, st)

	start := time.Now()
	modCfg := wazero.NewModuleConfig().
		WithName(name + "-" + uuid.NewString()).
		WithStartFunctions()

	inst, err := mod.runtime.InstantiateModule(callCtx, mod.compiled, modCfg)
	if err != nil {
		// a start section can still run out of time or fuel
		if rerr := classifyCallError(callCtx, name, st, err); !isTrap(rerr) {
			return ExecutionOutcome{}, rerr
		}
		return ExecutionOutcome{}, plugins.NewError(plugins.KindInstantiation, name, "", err)
	}
	defer inst.Close(context.Background())

	mem := inst.Memory()
	if uint64(mem.Size()) > limits.MaxMemoryBytes {
		return ExecutionOutcome{}, plugins.NewResourceError(plugins.ResourceMemory, name,
			fmt.Sprintf("initial memory %d bytes exceeds limit %d", mem.Size(), limits.MaxMemoryBytes), nil)
	}

	results, err := inst.ExportedFunction(entry).Call(callCtx)
	elapsed := time.Since(start)
	if err != nil {
		return ExecutionOutcome{}, classifyCallError(callCtx, name, st, err)
	}

	memBytes := uint64(mem.Size())
	if memBytes > limits.MaxMemoryBytes {
		return ExecutionOutcome{}, plugins.NewResourceError(plugins.ResourceMemory, name,
			fmt.Sprintf("memory grew to %d bytes, limit %d", memBytes, limits.MaxMemoryBytes), nil)
	}

	return ExecutionOutcome{
		Status:       int32(uint32(results[0])),
		Output:       st.output,
		FuelConsumed: st.meter.consumed(),
		MemoryBytes:  memBytes,
		Duration:     elapsed,
	}, nil
}

func isTrap(err error) bool {
	return errors.Is(err, plugins.ErrTrap)
}

// classifyCallError maps a wazero call failure onto the error taxonomy
func classifyCallError(callCtx context.Context, name string, st *callState, err error) error {
	if errors.Is(err, errFuelExhausted) {
		return plugins.NewResourceError(plugins.ResourceFuel, name,
			fmt.Sprintf("fuel limit %d exhausted", st.meter.limit), err)
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return plugins.NewResourceError(plugins.ResourceTimeout, name, "execution deadline exceeded", err)
		case sys.ExitCodeContextCanceled:
			return plugins.NewError(plugins.KindTaskFailure, name, "execution cancelled", err)
		default:
			return plugins.NewError(plugins.KindTrap, name, fmt.Sprintf("guest exited with code %d", exitErr.ExitCode()), err)
		}
	}

	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return plugins.NewResourceError(plugins.ResourceTimeout, name, "execution deadline exceeded", err)
	}
	return plugins.NewError(plugins.KindTrap, name, "", err)
}

// Validate runs the validate entry against input and decodes the verdict
func (e *Executor) Validate(ctx context.Context, name string, input plugins.ValidationInput, limits plugins.PluginLimits) (plugins.PluginExecutionResult, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return plugins.PluginExecutionResult{}, fmt.Errorf("failed to encode validation input: %w", err)
	}
	return e.ValidateRaw(ctx, name, data, limits)
}

// ValidateRaw is Validate for an input that is already serialized
func (e *Executor) ValidateRaw(ctx context.Context, name string, input []byte, limits plugins.PluginLimits) (plugins.PluginExecutionResult, error) {
	outcome, err := e.Execute(ctx, name, input, limits, EntryValidate)
	if err != nil {
		return plugins.PluginExecutionResult{}, err
	}

	output, err := decodeValidationOutput(name, outcome)
	if err != nil {
		return plugins.PluginExecutionResult{}, err
	}

	return plugins.PluginExecutionResult{
		PluginName:      name,
		Output:          output,
		ExecutionTimeMs: uint64(outcome.Duration.Milliseconds()),
		MemoryUsedBytes: outcome.MemoryBytes,
		FuelConsumed:    outcome.FuelConsumed,
	}, nil
}

func decodeValidationOutput(name string, outcome ExecutionOutcome) (plugins.ValidationOutput, error) {
	if len(bytes.TrimSpace(outcome.Output)) == 0 {
		if outcome.Status == 0 {
			return plugins.Allowed(), nil
		}
		return plugins.Denied(fmt.Sprintf("plugin returned error code %d", outcome.Status)), nil
	}
	if len(outcome.Output) > MaxOutputBytes {
		return plugins.ValidationOutput{}, plugins.NewError(plugins.KindOutputDecode, name,
			fmt.Sprintf("output of %d bytes exceeds %d", len(outcome.Output), MaxOutputBytes), nil)
	}

	var out plugins.ValidationOutput
	if err := decodeObject(name, "validation output", outcome.Output, &out, "allowed"); err != nil {
		return plugins.ValidationOutput{}, err
	}
	return out, nil
}

// decodeObject decodes guest output into v. The output must be a JSON
// object carrying every field in required with a non-null value.
func decodeObject(name, what string, data []byte, v any, required ...string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return plugins.NewError(plugins.KindOutputDecode, name, "invalid "+what, err)
	}
	if fields == nil {
		return plugins.NewError(plugins.KindOutputDecode, name, what+" must be a JSON object", nil)
	}
	for _, key := range required {
		raw, ok := fields[key]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return plugins.NewError(plugins.KindOutputDecode, name,
				fmt.Sprintf("%s is missing required field %q", what, key), nil)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return plugins.NewError(plugins.KindOutputDecode, name, "invalid "+what, err)
	}
	return nil
}

// ProcessTrigger runs the process_trigger entry for a database change event
func (e *Executor) ProcessTrigger(ctx context.Context, name string, input plugins.DbTriggerInput, limits plugins.PluginLimits) (plugins.DbTriggerOutput, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return plugins.DbTriggerOutput{}, fmt.Errorf("failed to encode trigger input: %w", err)
	}

	outcome, err := e.Execute(ctx, name, data, limits, EntryProcessTrigger)
	if err != nil {
		return plugins.DbTriggerOutput{}, err
	}
	if outcome.Status != 0 {
		return plugins.DbTriggerOutput{}, plugins.NewError(plugins.KindTrap, name,
			fmt.Sprintf("process_trigger returned error code %d", outcome.Status), nil)
	}

	var out plugins.DbTriggerOutput
	if err := decodeObject(name, "trigger output", outcome.Output, &out); err != nil {
		return plugins.DbTriggerOutput{}, err
	}
	return out, nil
}
