package nodespec

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Default versions per node type
const (
	DefaultCoreVersion    = "v21.3.0"
	DefaultHorizonVersion = "v2.31.0"
	DefaultSorobanVersion = "v21.3.0"
)

// placeholder resources the CRD fills in when the user sets none
var placeholderResources = Resources{
	Requests: ResourceList{CPU: "500m", Memory: "1Gi"},
	Limits:   ResourceList{CPU: "2", Memory: "4Gi"},
}

// PatchOperation is one RFC 6902 operation
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// DefaultVersion returns the version applied when spec.version is empty
func DefaultVersion(nodeType string) string {
	switch nodeType {
	case NodeTypeHorizon:
		return DefaultHorizonVersion
	case NodeTypeSorobanRpc:
		return DefaultSorobanVersion
	default:
		return DefaultCoreVersion
	}
}

// DefaultResources returns the sized resources for a node type on a network
func DefaultResources(nodeType, network string) Resources {
	mainnet := network == NetworkMainnet
	switch {
	case nodeType == NodeTypeValidator && mainnet:
		return Resources{Requests: ResourceList{"2000m", "4Gi"}, Limits: ResourceList{"4000m", "8Gi"}}
	case nodeType == NodeTypeValidator, mainnet:
		return Resources{Requests: ResourceList{"1000m", "2Gi"}, Limits: ResourceList{"2000m", "4Gi"}}
	default:
		return Resources{Requests: ResourceList{"500m", "1Gi"}, Limits: ResourceList{"1000m", "2Gi"}}
	}
}

// StandardLabels returns the labels every StellarNode carries
func StandardLabels(name, nodeType, network string) map[string]string {
	return map[string]string{
		"app.kubernetes.io/name":       "stellar-node",
		"app.kubernetes.io/instance":   name,
		"app.kubernetes.io/component":  strings.ToLower(nodeType),
		"app.kubernetes.io/part-of":    "stellar-k8s",
		"app.kubernetes.io/managed-by": "stellar-operator",
		"stellar.org/network":          strings.ToLower(network),
		"stellar.org/node-type":        strings.ToLower(nodeType),
	}
}

// EscapePointer escapes a key for use as a JSON pointer segment
func EscapePointer(key string) string {
	return strings.ReplaceAll(strings.ReplaceAll(key, "~", "~0"), "/", "~1")
}

// Mutate builds the defaulting patch for a StellarNode object. An empty
// result means no change is needed.
func Mutate(object json.RawMessage) ([]PatchOperation, error) {
	var node Node
	if err := json.Unmarshal(object, &node); err != nil {
		return nil, fmt.Errorf("invalid StellarNode manifest: %w", err)
	}
	spec := node.Spec
	if !knownNodeType(spec.NodeType) {
		return nil, fmt.Errorf("unknown node type %q", spec.NodeType)
	}
	network, ok := spec.NetworkName()
	if !ok {
		network = NetworkTestnet
	}

	var patch []PatchOperation

	version := spec.Version
	if version == "" {
		version = DefaultVersion(spec.NodeType)
		patch = append(patch, PatchOperation{Op: "add", Path: "/spec/version", Value: version})
	}

	sized := DefaultResources(spec.NodeType, network)
	switch {
	case spec.Resources == nil:
		patch = append(patch, PatchOperation{Op: "add", Path: "/spec/resources", Value: sized})
	case *spec.Resources == placeholderResources:
		patch = append(patch,
			PatchOperation{Op: "replace", Path: "/spec/resources/requests/cpu", Value: sized.Requests.CPU},
			PatchOperation{Op: "replace", Path: "/spec/resources/requests/memory", Value: sized.Requests.Memory},
			PatchOperation{Op: "replace", Path: "/spec/resources/limits/cpu", Value: sized.Limits.CPU},
			PatchOperation{Op: "replace", Path: "/spec/resources/limits/memory", Value: sized.Limits.Memory},
		)
	}

	patch = append(patch, mapPatch("/metadata/labels", node.Metadata.Labels,
		StandardLabels(node.Metadata.Name, spec.NodeType, network))...)
	patch = append(patch, mapPatch("/metadata/annotations", node.Metadata.Annotations, map[string]string{
		"stellar.org/version": version,
		"stellar.org/network": network,
	})...)

	return patch, nil
}

// mapPatch adds the entries of want missing or different in have, creating the map first if needed
func mapPatch(path string, have, want map[string]string) []PatchOperation {
	keys := make([]string, 0, len(want))
	for k, v := range want {
		if cur, ok := have[k]; ok && cur == v {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)

	var patch []PatchOperation
	if have == nil {
		patch = append(patch, PatchOperation{Op: "add", Path: path, Value: map[string]string{}})
	}
	for _, k := range keys {
		patch = append(patch, PatchOperation{Op: "add", Path: path + "/" + EscapePointer(k), Value: want[k]})
	}
	return patch
}
