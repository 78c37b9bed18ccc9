// plugin-check loads a plugin the way the webhook does and optionally runs it
// against a sample input.
//
//	plugin-check -dir ./plugins/replica-guard -input create.json
//	plugin-check -wasm guard.wasm -name replica-guard -input create.json
//	plugin-check -dir ./plugins/ledger-sync -trigger -input event.json
//
// Exit status is 0 when the input is admitted, 1 when it is denied or the
// trigger reports errors, and 2 when the plugin cannot be loaded.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/async"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/nodespec"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/observability"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/orchestrator"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/sandbox"
)

// Config holds the command line options
type Config struct {
	Dir       string
	WasmPath  string
	Name      string
	Version   string
	InputPath string
	Trigger   bool
	Builtin   bool
	TimeoutMs uint64
	MaxFuel   uint64
	MaxMemory uint64
	LogLevel  string
}

func main() {
	cfg := parseFlags()
	logger := observability.NewLogger(cfg.LogLevel, "text")
	logger.SetOutput(os.Stderr)
	async.SetLogger(logger)

	os.Exit(run(cfg, logger))
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Dir, "dir", "", "Plugin directory containing plugin.yaml")
	flag.StringVar(&cfg.WasmPath, "wasm", "", "Plugin bytecode file (when no manifest is used)")
	flag.StringVar(&cfg.Name, "name", "plugin-check", "Plugin name for -wasm")
	flag.StringVar(&cfg.Version, "version", "0.0.0", "Plugin version for -wasm")
	flag.StringVar(&cfg.InputPath, "input", "", "JSON ValidationInput (or DbTriggerInput with -trigger) to run")
	flag.BoolVar(&cfg.Trigger, "trigger", false, "Run process_trigger instead of validate")
	flag.BoolVar(&cfg.Builtin, "builtin", true, "Apply the built-in StellarNode rules before the plugin")
	flag.Uint64Var(&cfg.TimeoutMs, "timeout-ms", 0, "Override the plugin timeout")
	flag.Uint64Var(&cfg.MaxFuel, "max-fuel", 0, "Override the plugin fuel budget")
	flag.Uint64Var(&cfg.MaxMemory, "max-memory", 0, "Override the plugin memory limit in bytes")
	flag.StringVar(&cfg.LogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flag.Parse()
	return cfg
}

func run(cfg Config, logger *logrus.Logger) int {
	ctx := context.Background()

	pc, err := pluginConfig(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if cfg.Trigger {
		pc.Operations = []plugins.Operation{plugins.OperationDbTrigger}
	}
	applyOverrides(&pc.Metadata.Limits, cfg)

	cache := sandbox.NewModuleCache(logger)
	pool := async.NewWorkerPool(ctx, 1, "plugin-check", 0)
	defer pool.Shutdown(5 * time.Second)

	opts := orchestrator.Options{MaxParallelPlugins: 1, Logger: logger}
	if cfg.Builtin {
		opts.Builtin = nodespec.Validate
	}
	orch := orchestrator.New(sandbox.NewExecutor(cache, pool, logger), opts)
	defer orch.Close(ctx)

	if err := orch.AddPlugin(ctx, pc); err != nil {
		fmt.Fprintf(os.Stderr, "Error: plugin %s failed to load: %v\n", pc.Metadata.Name, err)
		return 2
	}
	fmt.Fprintf(os.Stderr, "Plugin %s v%s loaded (operations: %v)\n", pc.Metadata.Name, pc.Metadata.Version, pc.Operations)

	if cfg.InputPath == "" {
		return 0
	}
	data, err := os.ReadFile(cfg.InputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read input: %v\n", err)
		return 2
	}

	if cfg.Trigger {
		var input plugins.DbTriggerInput
		if err := json.Unmarshal(data, &input); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid trigger input: %v\n", err)
			return 2
		}
		report := orch.ExecuteTriggers(ctx, input)
		printJSON(report)
		if len(report.Errors) > 0 {
			return 1
		}
		return 0
	}

	var input plugins.ValidationInput
	if err := json.Unmarshal(data, &input); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid validation input: %v\n", err)
		return 2
	}
	result := orch.Validate(ctx, input)
	printJSON(result)
	if !result.Allowed {
		return 1
	}
	return 0
}

// pluginConfig builds the config from a plugin directory or a bare wasm file
func pluginConfig(ctx context.Context, cfg Config, logger *logrus.Logger) (plugins.PluginConfig, error) {
	switch {
	case cfg.Dir != "" && cfg.WasmPath != "":
		return plugins.PluginConfig{}, fmt.Errorf("use either -dir or -wasm, not both")
	case cfg.Dir != "":
		return plugins.NewLoader([]string{cfg.Dir}, logger).LoadPlugin(ctx, cfg.Dir)
	case cfg.WasmPath != "":
		bytecode, err := os.ReadFile(cfg.WasmPath)
		if err != nil {
			return plugins.PluginConfig{}, fmt.Errorf("failed to read bytecode: %w", err)
		}
		return plugins.PluginConfig{
			Metadata: plugins.PluginMetadata{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			WasmBinary: base64.StdEncoding.EncodeToString(bytecode),
			Operations: plugins.DefaultOperations(),
			Enabled:    true,
		}, nil
	}
	return plugins.PluginConfig{}, fmt.Errorf("one of -dir or -wasm is required")
}

func applyOverrides(limits *plugins.PluginLimits, cfg Config) {
	if cfg.TimeoutMs > 0 {
		limits.TimeoutMs = cfg.TimeoutMs
	}
	if cfg.MaxFuel > 0 {
		limits.MaxFuel = cfg.MaxFuel
	}
	if cfg.MaxMemory > 0 {
		limits.MaxMemoryBytes = cfg.MaxMemory
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to encode result: %v\n", err)
	}
}
