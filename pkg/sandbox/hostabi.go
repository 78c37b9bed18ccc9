package sandbox

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const (
	// HostModule is the import module name of the host ABI
	HostModule = "env"
	// WASIModule is the only other import module a plugin may use
	WASIModule = wasi_snapshot_preview1.ModuleName

	// MaxOutputBytes caps what a plugin can hand back through write_output
	MaxOutputBytes = 1 << 20

	maxLogBytes = 4096
)

type hostSignature struct {
	params  []api.ValueType
	results []api.ValueType
}

var (
	i32 = api.ValueTypeI32

	hostFunctions = map[string]hostSignature{
		"get_input_len": {params: nil, results: []api.ValueType{i32}},
		"read_input":    {params: []api.ValueType{i32, i32}, results: []api.ValueType{i32}},
		"write_output":  {params: []api.ValueType{i32, i32}, results: []api.ValueType{i32}},
		"log_message":   {params: []api.ValueType{i32, i32}, results: nil},
	}
)

type callStateKey struct{}

// callState is everything the host ABI needs for one execution
type callState struct {
	plugin string
	input  []byte
	output []byte
	meter  *fuelMeter
	logger *logrus.Logger
}

func withCallState(ctx context.Context, st *callState) context.Context {
	return context.WithValue(ctx, callStateKey{}, st)
}

func stateFrom(ctx context.Context) *callState {
	st, _ := ctx.Value(callStateKey{}).(*callState)
	return st
}

// instantiateHost registers the env host module and an empty WASI preview1 on r
func instantiateHost(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().WithFunc(getInputLen).Export("get_input_len").
		NewFunctionBuilder().WithFunc(readInput).Export("read_input").
		NewFunctionBuilder().WithFunc(writeOutput).Export("write_output").
		NewFunctionBuilder().WithFunc(logMessage).Export("log_message").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return fmt.Errorf("failed to instantiate wasi: %w", err)
	}
	return nil
}

func getInputLen(ctx context.Context, _ api.Module) int32 {
	st := stateFrom(ctx)
	if st == nil {
		return -1
	}
	st.meter.charge(1)
	return int32(len(st.input))
}

func readInput(ctx context.Context, m api.Module, ptr, length int32) int32 {
	st := stateFrom(ctx)
	if st == nil || ptr < 0 || length < 0 {
		return -1
	}
	st.meter.charge(1)

	n := int(length)
	if n > len(st.input) {
		n = len(st.input)
	}
	if !m.Memory().Write(uint32(ptr), st.input[:n]) {
		return -1
	}
	st.meter.chargeBytes(n)
	return int32(n)
}

func writeOutput(ctx context.Context, m api.Module, ptr, length int32) int32 {
	st := stateFrom(ctx)
	if st == nil || ptr < 0 || length < 0 {
		return -1
	}
	st.meter.charge(1)

	if length > MaxOutputBytes {
		return -1
	}
	data, ok := m.Memory().Read(uint32(ptr), uint32(length))
	if !ok {
		return -1
	}
	st.meter.chargeBytes(len(data))

	// Read returns a view of guest memory
	st.output = append(st.output[:0:0], data...)
	return 0
}

func logMessage(ctx context.Context, m api.Module, ptr, length int32) {
	st := stateFrom(ctx)
	if st == nil || ptr < 0 || length < 0 {
		return
	}
	st.meter.charge(1)

	if length > maxLogBytes {
		length = maxLogBytes
	}
	data, ok := m.Memory().Read(uint32(ptr), uint32(length))
	if !ok {
		return
	}
	st.logger.WithField("plugin", st.plugin).Debug(string(data))
}
