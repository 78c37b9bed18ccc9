package plugins

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseOperation(t *testing.T) {
	tests := []struct {
		in      string
		want    Operation
		wantErr bool
	}{
		{"CREATE", OperationCreate, false},
		{"update", OperationUpdate, false},
		{" Delete ", OperationDelete, false},
		{"connect", OperationConnect, false},
		{"DB_TRIGGER", OperationDbTrigger, false},
		{"dbtrigger", OperationDbTrigger, false},
		{"PATCH", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOperation(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOperation_UnmarshalYAML(t *testing.T) {
	var ops []Operation
	require.NoError(t, yaml.Unmarshal([]byte("[create, Update, DB_TRIGGER]"), &ops))
	assert.Equal(t, []Operation{OperationCreate, OperationUpdate, OperationDbTrigger}, ops)

	assert.Error(t, yaml.Unmarshal([]byte("[bogus]"), &ops))
}

func TestPluginLimits_WithDefaults(t *testing.T) {
	l := PluginLimits{TimeoutMs: 50}.WithDefaults()
	assert.Equal(t, uint64(50), l.TimeoutMs)
	assert.Equal(t, DefaultMaxMemoryBytes, l.MaxMemoryBytes)
	assert.Equal(t, DefaultMaxFuel, l.MaxFuel)
	assert.Equal(t, 50*time.Millisecond, l.Timeout())

	assert.Equal(t, DefaultLimits(), PluginLimits{}.WithDefaults())
}

func TestPluginConfig_UnmarshalDefaults(t *testing.T) {
	var cfg PluginConfig
	err := json.Unmarshal([]byte(`{"metadata":{"name":"replicas","version":"1.0.0"},"wasmBinary":"AGFzbQ=="}`), &cfg)
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.FailOpen)
	assert.Equal(t, []Operation{OperationCreate, OperationUpdate}, cfg.Operations)
	assert.Equal(t, FailClosed, cfg.FailurePolicy())
	assert.Equal(t, "replicas", cfg.Name())

	err = json.Unmarshal([]byte(`{"metadata":{"name":"x"},"enabled":false,"failOpen":true,"operations":["delete"]}`), &cfg)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, FailOpen, cfg.FailurePolicy())
	assert.Equal(t, []Operation{OperationDelete}, cfg.Operations)
}

func TestPluginConfig_AppliesTo(t *testing.T) {
	cfg := PluginConfig{Operations: DefaultOperations(), Enabled: true}

	assert.True(t, cfg.AppliesTo(OperationCreate))
	assert.True(t, cfg.AppliesTo(OperationUpdate))
	assert.False(t, cfg.AppliesTo(OperationDelete))

	cfg.Enabled = false
	assert.False(t, cfg.AppliesTo(OperationCreate))
}

func TestValidationInput_MarshalJSON(t *testing.T) {
	in := ValidationInput{
		Operation: OperationCreate,
		Object:    json.RawMessage(`{"spec":{"replicas":3}}`),
		Namespace: "stellar",
		Name:      "node-a",
		UserInfo:  UserInfo{Username: "alice"},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &generic))

	assert.Equal(t, "CREATE", generic["operation"])
	assert.NotContains(t, generic, "oldObject")
	assert.Equal(t, map[string]interface{}{}, generic["context"])

	user := generic["userInfo"].(map[string]interface{})
	assert.Equal(t, []interface{}{}, user["groups"])
	assert.Equal(t, map[string]interface{}{}, user["extra"])
	assert.NotContains(t, user, "uid")

	var back ValidationInput
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, in.Operation, back.Operation)
	assert.JSONEq(t, string(in.Object), string(back.Object))
	assert.Equal(t, in.Name, back.Name)
}

func TestValidationOutputConstructors(t *testing.T) {
	assert.Equal(t, ValidationOutput{Allowed: true}, Allowed())

	w := AllowedWithWarnings("a", "b")
	assert.True(t, w.Allowed)
	assert.Equal(t, []string{"a", "b"}, w.Warnings)

	d := Denied("nope")
	assert.False(t, d.Allowed)
	assert.Equal(t, "nope", d.Message)
	assert.Equal(t, ReasonValidationFailed, d.Reason)

	errs := []ValidationError{
		NewValidationError("spec.replicas", "must be 1", ErrorTypeInvalid),
		NewValidationError("spec.network", "is required", ErrorTypeRequired),
	}
	de := DeniedWithErrors(errs)
	assert.False(t, de.Allowed)
	assert.Equal(t, "must be 1; is required", de.Message)
	assert.Equal(t, errs, de.Errors)

	pf := PluginFailure("boom")
	assert.False(t, pf.Allowed)
	assert.Equal(t, ReasonPluginError, pf.Reason)
}

func TestValidationOutput_GuestJSON(t *testing.T) {
	raw := `{"allowed":false,"message":"replicas too high","reason":"ValidationFailed",
		"errors":[{"field":"spec.replicas","message":"max 5","errorType":"TooLarge","invalidValue":9}],
		"warnings":["w1"],"auditAnnotations":{"checked":"true"}}`

	var out ValidationOutput
	require.NoError(t, json.Unmarshal([]byte(raw), &out))

	assert.False(t, out.Allowed)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, ErrorTypeTooLarge, out.Errors[0].ErrorType)
	assert.JSONEq(t, "9", string(out.Errors[0].InvalidValue))
	assert.Equal(t, "true", out.AuditAnnotations["checked"])
}

func TestPluginConfig_Info(t *testing.T) {
	cfg := PluginConfig{
		Metadata:   PluginMetadata{Name: "p", Version: "1.2.3", Description: "d"},
		Operations: []Operation{OperationDelete},
		Enabled:    true,
		FailOpen:   true,
	}
	info := cfg.Info()
	assert.Equal(t, PluginInfo{
		Name:        "p",
		Version:     "1.2.3",
		Description: "d",
		Operations:  []Operation{OperationDelete},
		Enabled:     true,
		FailOpen:    true,
	}, info)
}
