package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/async"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/observability"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/sandbox"
)

// Orchestrator owns the plugin registry and fans admission requests out to the sandbox
type Orchestrator struct {
	executor *sandbox.Executor
	registry *plugins.Registry
	opts     Options
	logger   *logrus.Logger
	tracer   trace.Tracer
}

// New creates an orchestrator running plugins through executor
func New(executor *sandbox.Executor, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		executor: executor,
		registry: plugins.NewRegistry(),
		opts:     opts,
		logger:   opts.Logger,
		tracer:   otel.Tracer("stellar-webhook/orchestrator"),
	}
}

// Sources returns the bytecode source set so callers can register resolvers
func (o *Orchestrator) Sources() *plugins.SourceSet {
	return o.opts.Sources
}

// ListPlugins returns registered configs in registration order
func (o *Orchestrator) ListPlugins() []plugins.PluginConfig {
	return o.registry.Snapshot()
}

// PluginCount returns the number of registered plugins
func (o *Orchestrator) PluginCount() int {
	return o.registry.Count()
}

// AddPlugin resolves, compiles and registers cfg, replacing any plugin of the same name
func (o *Orchestrator) AddPlugin(ctx context.Context, cfg plugins.PluginConfig) error {
	return o.addPlugin(ctx, cfg, true)
}

// AddLocalPlugin is AddPlugin for plugins found on this replica's disk.
// They are never persisted, so other replicas do not restore them.
func (o *Orchestrator) AddLocalPlugin(ctx context.Context, cfg plugins.PluginConfig) error {
	return o.addPlugin(ctx, cfg, false)
}

func (o *Orchestrator) addPlugin(ctx context.Context, cfg plugins.PluginConfig, persist bool) (err error) {
	defer func() { o.opts.Metrics.RecordPluginLoad(err) }()

	if errs := plugins.ValidateConfig(&cfg); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, plugins.DeniedWithErrors(errs).Message)
	}
	cfg.Metadata.Limits = cfg.Metadata.Limits.WithDefaults()
	name := cfg.Metadata.Name

	bytecode, kind, err := o.opts.Sources.Resolve(ctx, &cfg)
	if err != nil {
		return err
	}

	if err := o.executor.Cache().Load(ctx, bytecode, cfg.Metadata, entrypoints(cfg.Operations)...); err != nil {
		return err
	}
	if err := o.registry.Put(cfg); err != nil {
		return err
	}
	o.opts.Metrics.SetPluginsLoaded(o.registry.Count())

	o.logger.WithFields(logrus.Fields{
		"plugin":     name,
		"version":    cfg.Metadata.Version,
		"source":     kind,
		"operations": cfg.Operations,
	}).Infof("Loaded plugin: %s v%s", name, cfg.Metadata.Version)

	if persist && o.opts.Store != nil {
		o.persist(ctx, cfg, bytecode)
	}
	return nil
}

// persist saves cfg with inline bytecode moved to the blob store. Failures
// leave the plugin active on this replica and are only logged.
func (o *Orchestrator) persist(ctx context.Context, cfg plugins.PluginConfig, bytecode []byte) {
	log := o.logger.WithField("plugin", cfg.Metadata.Name)

	if cfg.Metadata.SHA256 == "" {
		sum := sha256.Sum256(bytecode)
		cfg.Metadata.SHA256 = hex.EncodeToString(sum[:])
	}
	if cfg.WasmBinary != "" && o.opts.Blobs != nil {
		key, err := o.opts.Blobs.Put(ctx, bytecode)
		if err != nil {
			log.WithError(err).Error("Failed to store plugin bytecode")
			return
		}
		cfg.WasmBinary = ""
		cfg.BlobKey = key
	}
	if err := o.opts.Store.Save(ctx, cfg); err != nil {
		log.WithError(err).Error("Failed to persist plugin config")
	}
}

// entrypoints lists the exports a plugin must provide for its operations
func entrypoints(ops []plugins.Operation) []string {
	var admission, trigger bool
	for _, op := range ops {
		if op == plugins.OperationDbTrigger {
			trigger = true
		} else {
			admission = true
		}
	}

	var out []string
	if admission || !trigger {
		out = append(out, sandbox.EntryValidate)
	}
	if trigger {
		out = append(out, sandbox.EntryProcessTrigger)
	}
	return out
}

// RemovePlugin unregisters name, drops its module and deletes it from the store
func (o *Orchestrator) RemovePlugin(ctx context.Context, name string) error {
	return o.removePlugin(ctx, name, true)
}

// RemoveLocalPlugin unregisters a plugin added with AddLocalPlugin
func (o *Orchestrator) RemoveLocalPlugin(ctx context.Context, name string) error {
	return o.removePlugin(ctx, name, false)
}

func (o *Orchestrator) removePlugin(ctx context.Context, name string, persist bool) error {
	if err := o.registry.Remove(name); err != nil {
		return err
	}
	o.opts.Metrics.SetPluginsLoaded(o.registry.Count())

	if err := o.executor.Cache().Unload(ctx, name); err != nil && !plugins.IsNotFound(err) {
		o.logger.WithError(err).Warnf("Failed to unload module for plugin %s", name)
	}
	if persist && o.opts.Store != nil {
		if err := o.opts.Store.Delete(ctx, name); err != nil {
			o.logger.WithError(err).Errorf("Failed to delete persisted plugin %s", name)
		}
	}

	o.logger.Infof("Removed plugin: %s", name)
	return nil
}

// Restore loads every persisted plugin. Broken entries are logged and skipped.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	if o.opts.Store == nil {
		return 0, nil
	}
	configs, err := o.opts.Store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load persisted plugins: %w", err)
	}
	if len(configs) == 0 {
		return 0, nil
	}

	errs := async.Batch(ctx, configs, o.opts.MaxParallelPlugins, "restore-plugin", 0,
		func(ctx context.Context, cfg plugins.PluginConfig) error {
			if err := o.addPlugin(ctx, cfg, false); err != nil {
				o.logger.WithError(err).Warnf("Failed to restore plugin %s", cfg.Metadata.Name)
				return err
			}
			return nil
		})

	restored := len(configs) - len(errs)
	o.logger.Infof("Restored %d of %d persisted plugins", restored, len(configs))
	return restored, nil
}

// Validate runs the built-in node checks and then every applicable plugin
func (o *Orchestrator) Validate(ctx context.Context, input plugins.ValidationInput) plugins.AggregatedValidationResult {
	start := time.Now()

	var result plugins.AggregatedValidationResult
	if errs := o.builtinErrors(input); len(errs) > 0 {
		result = plugins.AggregatedValidationResult{
			Allowed: false,
			Message: plugins.DeniedWithErrors(errs).Message,
			Errors:  errs,
		}
	} else {
		result = o.ExecuteAll(ctx, o.registry.Snapshot(), input)
	}

	elapsed := time.Since(start)
	o.opts.Metrics.RecordDecision(string(input.Operation), result.Allowed, elapsed)
	o.opts.OTel.RecordDecision(ctx, string(input.Operation), result.Allowed, elapsed)
	return result
}

func (o *Orchestrator) builtinErrors(input plugins.ValidationInput) []plugins.ValidationError {
	if o.opts.Builtin == nil || len(input.Object) == 0 {
		return nil
	}
	if input.Operation != plugins.OperationCreate && input.Operation != plugins.OperationUpdate {
		return nil
	}
	return o.opts.Builtin(input.Object)
}

// ExecuteAll runs every config that applies to input.Operation concurrently
// and aggregates the verdicts in config order.
func (o *Orchestrator) ExecuteAll(ctx context.Context, configs []plugins.PluginConfig, input plugins.ValidationInput) plugins.AggregatedValidationResult {
	var selected []plugins.PluginConfig
	for _, cfg := range configs {
		if cfg.AppliesTo(input.Operation) {
			selected = append(selected, cfg)
		}
	}
	if len(selected) == 0 {
		return plugins.AggregatedValidationResult{
			Allowed: true,
			Message: fmt.Sprintf("no validation plugins matched operation %s", input.Operation),
		}
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.ExecuteAll", trace.WithAttributes(
		attribute.String("operation", string(input.Operation)),
		attribute.Int("plugins", len(selected)),
	))
	defer span.End()

	data, err := json.Marshal(input)
	if err != nil {
		return plugins.AggregatedValidationResult{
			Allowed: false,
			Message: fmt.Sprintf("failed to encode validation input: %v", err),
		}
	}

	results := make([]plugins.PluginExecutionResult, len(selected))
	var g errgroup.Group
	g.SetLimit(o.opts.MaxParallelPlugins)
	for i, cfg := range selected {
		own := append([]byte(nil), data...)
		g.Go(func() error {
			start := time.Now()
			defer func() {
				if r := recover(); r != nil {
					o.logger.WithFields(logrus.Fields{
						"plugin": cfg.Metadata.Name,
						"panic":  r,
						"stack":  string(debug.Stack()),
					}).Error("PANIC recovered in plugin dispatch")
					err := plugins.NewError(plugins.KindTaskFailure, cfg.Metadata.Name, "dispatch panicked", observability.MustRecover(r))
					results[i] = o.failure(ctx, cfg, err, time.Since(start))
				}
			}()
			results[i] = o.runOne(ctx, cfg, own)
			return nil
		})
	}
	_ = g.Wait()

	agg := plugins.Aggregate(results)
	span.SetAttributes(attribute.Bool("allowed", agg.Allowed))
	return agg
}

func (o *Orchestrator) runOne(ctx context.Context, cfg plugins.PluginConfig, input []byte) plugins.PluginExecutionResult {
	name := cfg.Metadata.Name
	start := time.Now()

	res, err := o.executor.ValidateRaw(ctx, name, input, cfg.Metadata.Limits)
	if err != nil {
		return o.failure(ctx, cfg, err, time.Since(start))
	}

	outcome := "allowed"
	if !res.Output.Allowed {
		outcome = "denied"
	}
	elapsed := time.Since(start)
	o.opts.Metrics.RecordPluginExecution(name, outcome, elapsed, res.FuelConsumed)
	o.opts.OTel.RecordPluginExecution(ctx, name, outcome, elapsed, res.FuelConsumed)

	observability.Entry(ctx, o.logger).WithFields(logrus.Fields{
		"plugin":  name,
		"allowed": res.Output.Allowed,
		"fuel":    res.FuelConsumed,
		"ms":      res.ExecutionTimeMs,
	}).Debug("Plugin executed")
	return res
}

// failure applies the plugin's failure policy to err
func (o *Orchestrator) failure(ctx context.Context, cfg plugins.PluginConfig, err error, elapsed time.Duration) plugins.PluginExecutionResult {
	name := cfg.Metadata.Name
	outcome := string(plugins.KindTaskFailure)
	if kind, ok := plugins.KindOf(err); ok {
		outcome = string(kind)
	}
	o.opts.Metrics.RecordPluginExecution(name, outcome, elapsed, 0)
	o.opts.OTel.RecordPluginExecution(ctx, name, outcome, elapsed, 0)

	policy := cfg.FailurePolicy()
	observability.Entry(ctx, o.logger).WithError(err).WithFields(logrus.Fields{
		"plugin": name,
		"policy": policy,
	}).Warn("Plugin execution failed")

	var out plugins.ValidationOutput
	switch policy {
	case plugins.FailOpen:
		out = plugins.AllowedWithWarnings(fmt.Sprintf("plugin %s failed (fail-open): %v", name, err))
	default:
		out = plugins.PluginFailure(fmt.Sprintf("plugin %s failed: %v", name, err))
	}
	return plugins.PluginExecutionResult{
		PluginName:      name,
		Output:          out,
		ExecutionTimeMs: uint64(elapsed.Milliseconds()),
	}
}

// ExecuteTriggers runs every enabled DB_TRIGGER plugin in config order and
// hands each output to the status patcher.
func (o *Orchestrator) ExecuteTriggers(ctx context.Context, input plugins.DbTriggerInput) TriggerReport {
	var report TriggerReport

	for _, cfg := range o.registry.Snapshot() {
		if !cfg.AppliesTo(plugins.OperationDbTrigger) {
			continue
		}
		report.Matched++
		name := cfg.Metadata.Name

		out, err := o.executor.ProcessTrigger(ctx, name, input, cfg.Metadata.Limits)
		if err != nil {
			o.logger.WithError(err).Warnf("Plugin %s failed on db trigger", name)
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		if strings.TrimSpace(out.Name) == "" {
			o.logger.Debugf("Plugin %s produced no node update", name)
			continue
		}

		if o.opts.Patcher != nil {
			if err := o.opts.Patcher.PatchStatus(ctx, out); err != nil {
				o.logger.WithError(err).Errorf("Failed to update node status for %s/%s", out.Namespace, out.Name)
				report.Errors = append(report.Errors, err.Error())
				continue
			}
		}
		o.logger.Infof("DB trigger plugin %s processed event for node %s/%s", name, out.Namespace, out.Name)
		report.Updated = append(report.Updated, out)
	}

	switch {
	case report.Matched == 0:
		o.opts.Metrics.RecordTrigger("ignored")
	case len(report.Errors) > 0:
		o.opts.Metrics.RecordTrigger("error")
	default:
		o.opts.Metrics.RecordTrigger("success")
	}
	return report
}

// Close drops every cached module
func (o *Orchestrator) Close(ctx context.Context) error {
	o.registry.Clear()
	return o.executor.Cache().Close(ctx)
}
