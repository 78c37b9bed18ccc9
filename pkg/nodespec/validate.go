package nodespec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
)

func fieldError(field, message string, t plugins.ValidationErrorType) plugins.ValidationError {
	return plugins.NewValidationError(field, message, t)
}

// Validate checks a StellarNode object. It returns nil when the object is valid.
func Validate(object json.RawMessage) []plugins.ValidationError {
	var node Node
	if err := json.Unmarshal(object, &node); err != nil {
		return []plugins.ValidationError{
			fieldError("spec", fmt.Sprintf("Invalid StellarNode manifest: %v", err), plugins.ErrorTypeInvalid),
		}
	}
	return ValidateSpec(&node.Spec)
}

// ValidateSpec applies the built-in rules to a decoded spec
func ValidateSpec(spec *Spec) []plugins.ValidationError {
	var errs []plugins.ValidationError

	if !knownNodeType(spec.NodeType) {
		errs = append(errs, fieldError("spec.nodeType",
			fmt.Sprintf("nodeType %q must be one of %s, %s, %s", spec.NodeType, NodeTypeValidator, NodeTypeHorizon, NodeTypeSorobanRpc),
			plugins.ErrorTypeNotSupported))
	}
	if _, ok := spec.NetworkName(); !ok {
		errs = append(errs, fieldError("spec.network",
			fmt.Sprintf("network must be one of %s, %s, %s or {custom: <passphrase>}", NetworkMainnet, NetworkTestnet, NetworkFuturenet),
			plugins.ErrorTypeNotSupported))
	}

	if present(spec.Database) && present(spec.ManagedDatabase) {
		errs = append(errs, fieldError("spec.database / spec.managedDatabase",
			"Cannot specify both database (external) and managedDatabase", plugins.ErrorTypeConstraintViolation))
	}
	if present(spec.MinAvailable) && present(spec.MaxUnavailable) {
		errs = append(errs, fieldError("spec.minAvailable / spec.maxUnavailable",
			"Cannot specify both minAvailable and maxUnavailable in PDB configuration", plugins.ErrorTypeConstraintViolation))
	}

	switch spec.NodeType {
	case NodeTypeValidator:
		errs = append(errs, validateValidator(spec)...)
	case NodeTypeHorizon:
		if !present(spec.HorizonConfig) {
			errs = append(errs, fieldError("spec.horizonConfig",
				"horizonConfig is required for Horizon nodes", plugins.ErrorTypeRequired))
		}
		errs = append(errs, validateAutoscaling(spec.Autoscaling)...)
		errs = append(errs, validateIngress(spec.Ingress)...)
	case NodeTypeSorobanRpc:
		if !present(spec.SorobanConfig) {
			errs = append(errs, fieldError("spec.sorobanConfig",
				"sorobanConfig is required for SorobanRpc nodes", plugins.ErrorTypeRequired))
		}
		errs = append(errs, validateAutoscaling(spec.Autoscaling)...)
		errs = append(errs, validateIngress(spec.Ingress)...)
	}

	return errs
}

func validateValidator(spec *Spec) []plugins.ValidationError {
	var errs []plugins.ValidationError

	if spec.ValidatorConfig == nil {
		errs = append(errs, fieldError("spec.validatorConfig",
			"validatorConfig is required for Validator nodes", plugins.ErrorTypeRequired))
	}
	if spec.ReplicaCount() != 1 {
		errs = append(errs, fieldError("spec.replicas",
			"Validator nodes must have exactly 1 replica", plugins.ErrorTypeInvalid))
	}
	if spec.Ingress != nil {
		errs = append(errs, fieldError("spec.ingress",
			"ingress is not supported for Validator nodes", plugins.ErrorTypeNotSupported))
	}
	if spec.Autoscaling != nil {
		errs = append(errs, fieldError("spec.autoscaling",
			"autoscaling is not supported for Validator nodes", plugins.ErrorTypeNotSupported))
	}
	if vc := spec.ValidatorConfig; vc != nil && vc.EnableHistoryArchive && len(vc.HistoryArchiveURLs) == 0 {
		errs = append(errs, fieldError("spec.validatorConfig.historyArchiveUrls",
			"historyArchiveUrls must not be empty when enableHistoryArchive is true", plugins.ErrorTypeRequired))
	}
	return errs
}

func validateAutoscaling(a *Autoscaling) []plugins.ValidationError {
	if a == nil {
		return nil
	}
	var errs []plugins.ValidationError
	if a.MinReplicas < 1 {
		errs = append(errs, fieldError("spec.autoscaling.minReplicas",
			"autoscaling.minReplicas must be at least 1", plugins.ErrorTypeTooSmall))
	}
	if a.MaxReplicas < a.MinReplicas {
		errs = append(errs, fieldError("spec.autoscaling.maxReplicas",
			"autoscaling.maxReplicas must be >= minReplicas", plugins.ErrorTypeTooSmall))
	}
	return errs
}

func validateIngress(ing *Ingress) []plugins.ValidationError {
	if ing == nil {
		return nil
	}
	if len(ing.Hosts) == 0 {
		return []plugins.ValidationError{fieldError("spec.ingress.hosts",
			"ingress.hosts must not be empty", plugins.ErrorTypeRequired)}
	}

	var errs []plugins.ValidationError
	for i, h := range ing.Hosts {
		prefix := fmt.Sprintf("spec.ingress.hosts[%d]", i)
		if strings.TrimSpace(h.Host) == "" {
			errs = append(errs, fieldError(prefix+".host", "ingress host must not be empty", plugins.ErrorTypeRequired))
			continue
		}
		if len(h.Paths) == 0 {
			errs = append(errs, fieldError(prefix+".paths", "ingress paths must not be empty", plugins.ErrorTypeRequired))
			continue
		}
		for j, p := range h.Paths {
			field := fmt.Sprintf("%s.paths[%d]", prefix, j)
			if strings.TrimSpace(p.Path) == "" {
				errs = append(errs, fieldError(field+".path", "ingress path must not be empty", plugins.ErrorTypeRequired))
			}
			if p.PathType != nil && *p.PathType != "Prefix" && *p.PathType != "Exact" {
				errs = append(errs, fieldError(field+".pathType", "pathType must be either Prefix or Exact", plugins.ErrorTypeNotSupported))
			}
		}
	}
	return errs
}
