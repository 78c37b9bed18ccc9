package plugins

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// SourceKind names where a plugin's bytecode comes from
type SourceKind string

const (
	SourceInline    SourceKind = "wasmBinary"
	SourceBlob      SourceKind = "blobKey"
	SourceConfigMap SourceKind = "configMapRef"
	SourceSecret    SourceKind = "secretRef"
	SourceURL       SourceKind = "url"
)

// sourcePrecedence is the order in which populated sources are considered
var sourcePrecedence = []SourceKind{SourceInline, SourceBlob, SourceConfigMap, SourceSecret, SourceURL}

// Sources lists the populated bytecode sources of cfg in precedence order
func (c *PluginConfig) Sources() []SourceKind {
	var kinds []SourceKind
	for _, k := range sourcePrecedence {
		switch k {
		case SourceInline:
			if c.WasmBinary != "" {
				kinds = append(kinds, k)
			}
		case SourceBlob:
			if c.BlobKey != "" {
				kinds = append(kinds, k)
			}
		case SourceConfigMap:
			if c.ConfigMapRef != nil {
				kinds = append(kinds, k)
			}
		case SourceSecret:
			if c.SecretRef != nil {
				kinds = append(kinds, k)
			}
		case SourceURL:
			if c.URL != "" {
				kinds = append(kinds, k)
			}
		}
	}
	return kinds
}

// HasSource reports whether any bytecode source is populated
func (c *PluginConfig) HasSource() bool {
	return len(c.Sources()) > 0
}

// SourceResolver fetches bytecode for one kind of source
type SourceResolver interface {
	Resolve(ctx context.Context, cfg *PluginConfig) ([]byte, error)
}

// SourceResolverFunc adapts a function to SourceResolver
type SourceResolverFunc func(ctx context.Context, cfg *PluginConfig) ([]byte, error)

// Resolve implements SourceResolver
func (f SourceResolverFunc) Resolve(ctx context.Context, cfg *PluginConfig) ([]byte, error) {
	return f(ctx, cfg)
}

// InlineResolver decodes the base64 wasmBinary field
var InlineResolver SourceResolverFunc = func(_ context.Context, cfg *PluginConfig) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cfg.WasmBinary))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 wasmBinary: %w", err)
	}
	return data, nil
}

// SourceSet dispatches bytecode resolution to per-kind resolvers.
// ConfigMap, Secret and URL resolvers are supplied by the embedding operator.
type SourceSet struct {
	mu        sync.RWMutex
	resolvers map[SourceKind]SourceResolver
	logger    *logrus.Logger
}

// NewSourceSet creates a SourceSet with the inline resolver registered
func NewSourceSet(logger *logrus.Logger) *SourceSet {
	if logger == nil {
		logger = logrus.New()
	}
	return &SourceSet{
		resolvers: map[SourceKind]SourceResolver{
			SourceInline: InlineResolver,
		},
		logger: logger,
	}
}

// Register installs the resolver for kind, replacing any previous one
func (s *SourceSet) Register(kind SourceKind, r SourceResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolvers[kind] = r
}

// Select returns the source kind that wins for cfg and the kinds it shadows
func Select(cfg *PluginConfig) (SourceKind, []SourceKind, error) {
	kinds := cfg.Sources()
	if len(kinds) == 0 {
		return "", nil, NewError(KindSource, cfg.Metadata.Name, "no bytecode source configured", nil)
	}
	return kinds[0], kinds[1:], nil
}

// Resolve returns the bytecode for cfg using the highest-precedence populated source
func (s *SourceSet) Resolve(ctx context.Context, cfg *PluginConfig) ([]byte, SourceKind, error) {
	kind, shadowed, err := Select(cfg)
	if err != nil {
		return nil, "", err
	}
	if len(shadowed) > 0 {
		s.logger.WithFields(logrus.Fields{
			"plugin":   cfg.Metadata.Name,
			"using":    kind,
			"ignoring": shadowed,
		}).Warn("Plugin config sets several bytecode sources")
	}

	s.mu.RLock()
	r, ok := s.resolvers[kind]
	s.mu.RUnlock()
	if !ok {
		return nil, kind, NewError(KindSource, cfg.Metadata.Name,
			fmt.Sprintf("no resolver registered for source %s", kind), nil)
	}

	data, err := r.Resolve(ctx, cfg)
	if err != nil {
		return nil, kind, NewError(KindSource, cfg.Metadata.Name, fmt.Sprintf("resolve %s", kind), err)
	}
	if len(data) == 0 {
		return nil, kind, NewError(KindSource, cfg.Metadata.Name, fmt.Sprintf("source %s returned no bytecode", kind), nil)
	}
	return data, kind, nil
}
