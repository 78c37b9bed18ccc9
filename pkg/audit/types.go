package audit

import (
	"time"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/admission"
	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
)

// PluginTiming is one plugin's share of a decision
type PluginTiming struct {
	Plugin          string `json:"plugin"`
	Allowed         bool   `json:"allowed"`
	ExecutionTimeMs uint64 `json:"executionTimeMs"`
	FuelConsumed    uint64 `json:"fuelConsumed"`
	MemoryUsedBytes uint64 `json:"memoryUsedBytes"`
}

// DecisionRecord is one audited admission decision
type DecisionRecord struct {
	ID          int64          `json:"id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	UID         string         `json:"uid"`
	Operation   string         `json:"operation"`
	Kind        string         `json:"kind,omitempty"`
	Namespace   string         `json:"namespace,omitempty"`
	Name        string         `json:"name,omitempty"`
	Username    string         `json:"username,omitempty"`
	Allowed     bool           `json:"allowed"`
	Message     string         `json:"message,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	Plugins     []PluginTiming `json:"plugins,omitempty"`
	TotalTimeMs uint64         `json:"totalTimeMs"`
	RequestID   string         `json:"requestId,omitempty"`
}

// NewDecisionRecord builds the record for an evaluated request
func NewDecisionRecord(input plugins.ValidationInput, result plugins.AggregatedValidationResult, requestID string) *DecisionRecord {
	rec := &DecisionRecord{
		Timestamp:   time.Now().UTC(),
		UID:         input.Context[admission.ContextRequestUID],
		Operation:   string(input.Operation),
		Kind:        input.Context[admission.ContextKind],
		Namespace:   input.Namespace,
		Name:        input.Name,
		Username:    input.UserInfo.Username,
		Allowed:     result.Allowed,
		Message:     result.Message,
		Warnings:    result.Warnings,
		TotalTimeMs: result.TotalExecutionTimeMs,
		RequestID:   requestID,
	}
	for _, r := range result.PluginResults {
		rec.Plugins = append(rec.Plugins, PluginTiming{
			Plugin:          r.PluginName,
			Allowed:         r.Output.Allowed,
			ExecutionTimeMs: r.ExecutionTimeMs,
			FuelConsumed:    r.FuelConsumed,
			MemoryUsedBytes: r.MemoryUsedBytes,
		})
	}
	return rec
}

// SearchFilter selects decision records. Zero fields match everything.
type SearchFilter struct {
	Since     *time.Time
	Until     *time.Time
	Namespace string
	Operation string
	Allowed   *bool
	Limit     int
}
