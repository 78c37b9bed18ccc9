package plugins

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Operation is an admission operation (or a database trigger) a plugin can subscribe to.
type Operation string

const (
	OperationCreate    Operation = "CREATE"
	OperationUpdate    Operation = "UPDATE"
	OperationDelete    Operation = "DELETE"
	OperationConnect   Operation = "CONNECT"
	OperationDbTrigger Operation = "DB_TRIGGER"
)

// ParseOperation parses an operation name case-insensitively
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToUpper(strings.TrimSpace(s))); op {
	case OperationCreate, OperationUpdate, OperationDelete, OperationConnect, OperationDbTrigger:
		return op, nil
	case "DBTRIGGER":
		return OperationDbTrigger, nil
	default:
		return "", fmt.Errorf("unknown operation: %q", s)
	}
}

// UnmarshalJSON accepts any casing of a known operation
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("operation must be a string: %w", err)
	}
	op, err := ParseOperation(s)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// UnmarshalYAML accepts any casing of a known operation in plugin manifests
func (o *Operation) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	op, err := ParseOperation(s)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// DefaultOperations are applied when a plugin config omits operations
func DefaultOperations() []Operation {
	return []Operation{OperationCreate, OperationUpdate}
}

const (
	DefaultTimeoutMs      uint64 = 1000
	DefaultMaxMemoryBytes uint64 = 16 * 1024 * 1024
	DefaultMaxFuel        uint64 = 1_000_000
)

// PluginLimits bounds a single plugin execution
type PluginLimits struct {
	TimeoutMs      uint64 `json:"timeoutMs" yaml:"timeoutMs"`
	MaxMemoryBytes uint64 `json:"maxMemoryBytes" yaml:"maxMemoryBytes"`
	MaxFuel        uint64 `json:"maxFuel" yaml:"maxFuel"`
}

// DefaultLimits returns the limits used when a plugin declares none
func DefaultLimits() PluginLimits {
	return PluginLimits{
		TimeoutMs:      DefaultTimeoutMs,
		MaxMemoryBytes: DefaultMaxMemoryBytes,
		MaxFuel:        DefaultMaxFuel,
	}
}

// WithDefaults fills zero fields from DefaultLimits
func (l PluginLimits) WithDefaults() PluginLimits {
	d := DefaultLimits()
	if l.TimeoutMs == 0 {
		l.TimeoutMs = d.TimeoutMs
	}
	if l.MaxMemoryBytes == 0 {
		l.MaxMemoryBytes = d.MaxMemoryBytes
	}
	if l.MaxFuel == 0 {
		l.MaxFuel = d.MaxFuel
	}
	return l
}

// Timeout returns TimeoutMs as a duration
func (l PluginLimits) Timeout() time.Duration {
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

// PluginMetadata identifies a plugin. Name is the module cache key.
type PluginMetadata struct {
	Name        string       `json:"name" yaml:"name"`
	Version     string       `json:"version" yaml:"version"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Author      string       `json:"author,omitempty" yaml:"author,omitempty"`
	SHA256      string       `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	Limits      PluginLimits `json:"limits" yaml:"limits"`
}

// ConfigMapRef points at bytecode stored in a ConfigMap key
type ConfigMapRef struct {
	Name      string `json:"name" yaml:"name"`
	Key       string `json:"key" yaml:"key"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// SecretRef points at bytecode stored in a Secret key
type SecretRef struct {
	Name      string `json:"name" yaml:"name"`
	Key       string `json:"key" yaml:"key"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// PluginConfig is a registered plugin: metadata, a bytecode source and dispatch settings.
type PluginConfig struct {
	Metadata PluginMetadata `json:"metadata"`

	// Bytecode sources; see SourceSet.Resolve for precedence.
	WasmBinary   string        `json:"wasmBinary,omitempty"`
	BlobKey      string        `json:"blobKey,omitempty"`
	ConfigMapRef *ConfigMapRef `json:"configMapRef,omitempty"`
	SecretRef    *SecretRef    `json:"secretRef,omitempty"`
	URL          string        `json:"url,omitempty"`

	Operations   []Operation            `json:"operations"`
	Enabled      bool                   `json:"enabled"`
	FailOpen     bool                   `json:"failOpen"`
	PluginConfig map[string]interface{} `json:"pluginConfig,omitempty"`
}

// UnmarshalJSON applies the documented defaults: operations [CREATE, UPDATE], enabled true.
func (c *PluginConfig) UnmarshalJSON(data []byte) error {
	type rawConfig PluginConfig
	raw := rawConfig{Enabled: true}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Operations == nil {
		raw.Operations = DefaultOperations()
	}
	*c = PluginConfig(raw)
	return nil
}

// AppliesTo reports whether the plugin should run for op
func (c *PluginConfig) AppliesTo(op Operation) bool {
	if !c.Enabled {
		return false
	}
	for _, o := range c.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// FailurePolicy returns the strategy used when this plugin fails
func (c *PluginConfig) FailurePolicy() FailurePolicy {
	if c.FailOpen {
		return FailOpen
	}
	return FailClosed
}

// Name is a shorthand for Metadata.Name
func (c *PluginConfig) Name() string {
	return c.Metadata.Name
}

// FailurePolicy selects how a plugin failure contributes to the decision
type FailurePolicy string

const (
	// FailClosed turns a plugin failure into a denial attributed to the plugin
	FailClosed FailurePolicy = "fail-closed"
	// FailOpen turns a plugin failure into an allowed result carrying a warning
	FailOpen FailurePolicy = "fail-open"
)

// UserInfo is the identity of the requester
type UserInfo struct {
	Username string              `json:"username"`
	UID      string              `json:"uid,omitempty"`
	Groups   []string            `json:"groups"`
	Extra    map[string][]string `json:"extra"`
}

// ValidationInput is the document handed to every plugin's validate entry
type ValidationInput struct {
	Operation Operation         `json:"operation"`
	Object    json.RawMessage   `json:"object,omitempty"`
	OldObject json.RawMessage   `json:"oldObject,omitempty"`
	Namespace string            `json:"namespace"`
	Name      string            `json:"name"`
	UserInfo  UserInfo          `json:"userInfo"`
	Context   map[string]string `json:"context"`
}

// MarshalJSON normalises nil collections so guests always see arrays and objects
func (in ValidationInput) MarshalJSON() ([]byte, error) {
	type rawInput ValidationInput
	raw := rawInput(in)
	if raw.Context == nil {
		raw.Context = map[string]string{}
	}
	if raw.UserInfo.Groups == nil {
		raw.UserInfo.Groups = []string{}
	}
	if raw.UserInfo.Extra == nil {
		raw.UserInfo.Extra = map[string][]string{}
	}
	if len(raw.Object) == 0 {
		raw.Object = nil
	}
	if len(raw.OldObject) == 0 {
		raw.OldObject = nil
	}
	return json.Marshal(raw)
}

// ValidationErrorType classifies a field error
type ValidationErrorType string

const (
	ErrorTypeRequired            ValidationErrorType = "Required"
	ErrorTypeInvalid             ValidationErrorType = "Invalid"
	ErrorTypeTooLarge            ValidationErrorType = "TooLarge"
	ErrorTypeTooSmall            ValidationErrorType = "TooSmall"
	ErrorTypeInvalidPattern      ValidationErrorType = "InvalidPattern"
	ErrorTypeNotSupported        ValidationErrorType = "NotSupported"
	ErrorTypeDuplicate           ValidationErrorType = "Duplicate"
	ErrorTypeImmutable           ValidationErrorType = "Immutable"
	ErrorTypeConstraintViolation ValidationErrorType = "ConstraintViolation"
)

// ValidationError is a field-level validation failure reported by a plugin
type ValidationError struct {
	Field        string              `json:"field"`
	Message      string              `json:"message"`
	ErrorType    ValidationErrorType `json:"errorType,omitempty"`
	InvalidValue json.RawMessage     `json:"invalidValue,omitempty"`
}

// NewValidationError creates a field error of the given type
func NewValidationError(field, message string, errorType ValidationErrorType) ValidationError {
	return ValidationError{Field: field, Message: message, ErrorType: errorType}
}

const (
	ReasonValidationFailed = "ValidationFailed"
	ReasonPluginError      = "PluginError"
)

// ValidationOutput is the verdict a plugin writes through write_output
type ValidationOutput struct {
	Allowed          bool              `json:"allowed"`
	Message          string            `json:"message,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	Errors           []ValidationError `json:"errors,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	AuditAnnotations map[string]string `json:"auditAnnotations,omitempty"`
}

// Allowed returns an empty allowing verdict
func Allowed() ValidationOutput {
	return ValidationOutput{Allowed: true}
}

// AllowedWithWarnings returns an allowing verdict that carries warnings
func AllowedWithWarnings(warnings ...string) ValidationOutput {
	return ValidationOutput{Allowed: true, Warnings: warnings}
}

// Denied returns a denial with reason ValidationFailed
func Denied(message string) ValidationOutput {
	return ValidationOutput{Allowed: false, Message: message, Reason: ReasonValidationFailed}
}

// DeniedWithErrors returns a denial whose message joins the error messages
func DeniedWithErrors(errs []ValidationError) ValidationOutput {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	return ValidationOutput{
		Allowed: false,
		Message: strings.Join(msgs, "; "),
		Reason:  ReasonValidationFailed,
		Errors:  errs,
	}
}

// PluginFailure returns a denial with reason PluginError
func PluginFailure(message string) ValidationOutput {
	return ValidationOutput{Allowed: false, Message: message, Reason: ReasonPluginError}
}

// PluginExecutionResult is the outcome of one plugin run
type PluginExecutionResult struct {
	PluginName      string           `json:"pluginName"`
	Output          ValidationOutput `json:"output"`
	ExecutionTimeMs uint64           `json:"executionTimeMs"`
	MemoryUsedBytes uint64           `json:"memoryUsedBytes"`
	FuelConsumed    uint64           `json:"fuelConsumed"`
}

// AggregatedValidationResult is the combined decision across all plugins
type AggregatedValidationResult struct {
	Allowed              bool                    `json:"allowed"`
	Message              string                  `json:"message,omitempty"`
	Errors               []ValidationError       `json:"errors,omitempty"`
	Warnings             []string                `json:"warnings,omitempty"`
	PluginResults        []PluginExecutionResult `json:"pluginResults,omitempty"`
	AuditAnnotations     map[string]string       `json:"auditAnnotations,omitempty"`
	TotalExecutionTimeMs uint64                  `json:"totalExecutionTimeMs"`
}

// DbTriggerInput is the database change event handed to process_trigger
type DbTriggerInput struct {
	Table     string          `json:"table"`
	Operation string          `json:"operation"`
	Namespace string          `json:"namespace,omitempty"`
	Name      string          `json:"name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// DbTriggerOutput names the node whose status should be refreshed
type DbTriggerOutput struct {
	Namespace      string `json:"namespace"`
	Name           string `json:"name"`
	LedgerSequence uint64 `json:"ledgerSequence"`
}

// PluginInfo is the listing view of a registered plugin
type PluginInfo struct {
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Description string      `json:"description,omitempty"`
	Operations  []Operation `json:"operations"`
	Enabled     bool        `json:"enabled"`
	FailOpen    bool        `json:"failOpen"`
}

// Info returns the listing view of the config
func (c *PluginConfig) Info() PluginInfo {
	return PluginInfo{
		Name:        c.Metadata.Name,
		Version:     c.Metadata.Version,
		Description: c.Metadata.Description,
		Operations:  c.Operations,
		Enabled:     c.Enabled,
		FailOpen:    c.FailOpen,
	}
}
