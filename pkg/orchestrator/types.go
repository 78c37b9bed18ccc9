package orchestrator

import (
	"context"
	"encoding/json"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/observability"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
)

// ConfigStore persists plugin configs so replicas converge on the same set
type ConfigStore interface {
	Save(ctx context.Context, cfg plugins.PluginConfig) error
	Delete(ctx context.Context, name string) error
	LoadAll(ctx context.Context) ([]plugins.PluginConfig, error)
}

// BlobWriter stores bytecode and returns its content address
type BlobWriter interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// StatusPatcher applies a trigger plugin's output to the node it names
type StatusPatcher interface {
	PatchStatus(ctx context.Context, out plugins.DbTriggerOutput) error
}

// BuiltinValidator checks an admission object before any plugin runs
type BuiltinValidator func(object json.RawMessage) []plugins.ValidationError

// TriggerReport summarizes one database trigger event
type TriggerReport struct {
	Matched int                       `json:"matched"`
	Updated []plugins.DbTriggerOutput `json:"updated,omitempty"`
	Errors  []string                  `json:"errors,omitempty"`
}

// Options holds orchestrator settings and collaborators. Only the executor is required.
type Options struct {
	// MaxParallelPlugins bounds concurrent plugin runs per request (default: GOMAXPROCS)
	MaxParallelPlugins int

	Sources *plugins.SourceSet
	Store   ConfigStore
	Blobs   BlobWriter
	Patcher StatusPatcher
	Builtin BuiltinValidator

	Metrics *observability.Metrics
	OTel    *observability.OTelMetrics
	Logger  *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxParallelPlugins <= 0 {
		o.MaxParallelPlugins = runtime.GOMAXPROCS(0)
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.Sources == nil {
		o.Sources = plugins.NewSourceSet(o.Logger)
	}
	return o
}
