package plugins

import (
	"fmt"
	"strings"
)

// Aggregate folds per-plugin results, in the given order, into one decision.
// Allowed is the AND of all results; annotations are namespaced "plugin/key".
func Aggregate(results []PluginExecutionResult) AggregatedValidationResult {
	agg := AggregatedValidationResult{
		Allowed:       true,
		PluginResults: results,
	}

	var messages []string
	for _, r := range results {
		out := r.Output
		if !out.Allowed {
			agg.Allowed = false
		}
		if out.Message != "" {
			messages = append(messages, fmt.Sprintf("[%s] %s", r.PluginName, out.Message))
		}
		agg.Errors = append(agg.Errors, out.Errors...)
		agg.Warnings = append(agg.Warnings, out.Warnings...)

		for k, v := range out.AuditAnnotations {
			if agg.AuditAnnotations == nil {
				agg.AuditAnnotations = make(map[string]string)
			}
			agg.AuditAnnotations[AnnotationKey(r.PluginName, k)] = v
		}

		agg.TotalExecutionTimeMs += r.ExecutionTimeMs
	}

	agg.Message = strings.Join(messages, "; ")
	return agg
}

// AnnotationKey namespaces a plugin's audit annotation key
func AnnotationKey(plugin, key string) string {
	return plugin + "/" + key
}
