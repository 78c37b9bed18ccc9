// Package nodespec holds the built-in StellarNode admission rules: spec
// validation that runs before any plugin, and the defaulting patch served
// by the mutating webhook.
package nodespec

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Node types
const (
	NodeTypeValidator  = "Validator"
	NodeTypeHorizon    = "Horizon"
	NodeTypeSorobanRpc = "SorobanRpc"
)

// Networks
const (
	NetworkMainnet   = "Mainnet"
	NetworkTestnet   = "Testnet"
	NetworkFuturenet = "Futurenet"
	NetworkCustom    = "Custom"
)

// Node is the part of a StellarNode the built-in rules read. Optional
// sections stay raw so presence can be told apart from emptiness.
type Node struct {
	Metadata ObjectMeta `json:"metadata"`
	Spec     Spec       `json:"spec"`
}

// ObjectMeta is the subset of Kubernetes object metadata used for defaulting
type ObjectMeta struct {
	Name        string            `json:"name"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
}

// Spec is the StellarNode spec
type Spec struct {
	NodeType  string          `json:"nodeType"`
	Network   json.RawMessage `json:"network"`
	Version   string          `json:"version"`
	Replicas  *int32          `json:"replicas"`
	Resources *Resources      `json:"resources"`

	Database        json.RawMessage `json:"database"`
	ManagedDatabase json.RawMessage `json:"managedDatabase"`
	MinAvailable    json.RawMessage `json:"minAvailable"`
	MaxUnavailable  json.RawMessage `json:"maxUnavailable"`

	ValidatorConfig *ValidatorConfig `json:"validatorConfig"`
	HorizonConfig   json.RawMessage  `json:"horizonConfig"`
	SorobanConfig   json.RawMessage  `json:"sorobanConfig"`

	Ingress     *Ingress     `json:"ingress"`
	Autoscaling *Autoscaling `json:"autoscaling"`
}

// ValidatorConfig is the validator-only section
type ValidatorConfig struct {
	EnableHistoryArchive bool     `json:"enableHistoryArchive"`
	HistoryArchiveURLs   []string `json:"historyArchiveUrls"`
}

// Ingress exposes Horizon and SorobanRpc nodes
type Ingress struct {
	Hosts []IngressHost `json:"hosts"`
}

// IngressHost is one ingress rule
type IngressHost struct {
	Host  string        `json:"host"`
	Paths []IngressPath `json:"paths"`
}

// IngressPath is one path of an ingress rule
type IngressPath struct {
	Path     string  `json:"path"`
	PathType *string `json:"pathType"`
}

// Autoscaling bounds the replica count
type Autoscaling struct {
	MinReplicas int32 `json:"minReplicas"`
	MaxReplicas int32 `json:"maxReplicas"`
}

// Resources holds compute requests and limits
type Resources struct {
	Requests ResourceList `json:"requests"`
	Limits   ResourceList `json:"limits"`
}

// ResourceList is a cpu and memory pair
type ResourceList struct {
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
}

// ReplicaCount returns the replicas with the CRD default of 1
func (s *Spec) ReplicaCount() int32 {
	if s.Replicas == nil {
		return 1
	}
	return *s.Replicas
}

// NetworkName returns the network name, NetworkCustom for a custom
// passphrase, or false when the value is not a known network.
func (s *Spec) NetworkName() (string, bool) {
	if !present(s.Network) {
		return "", false
	}

	var name string
	if err := json.Unmarshal(s.Network, &name); err == nil {
		switch name {
		case NetworkMainnet, NetworkTestnet, NetworkFuturenet:
			return name, true
		}
		return "", false
	}

	var custom map[string]json.RawMessage
	if err := json.Unmarshal(s.Network, &custom); err != nil || len(custom) != 1 {
		return "", false
	}
	for k, v := range custom {
		var passphrase string
		if strings.EqualFold(k, "custom") && json.Unmarshal(v, &passphrase) == nil {
			return NetworkCustom, true
		}
	}
	return "", false
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func knownNodeType(t string) bool {
	switch t {
	case NodeTypeValidator, NodeTypeHorizon, NodeTypeSorobanRpc:
		return true
	}
	return false
}
