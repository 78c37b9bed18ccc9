package sandbox

import (
	"context"
	"errors"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// errFuelExhausted is panicked from inside the guest call stack and
// surfaces wrapped in the error returned by api.Function.Call.
var errFuelExhausted = errors.New("fuel exhausted")

// fuelMeter counts work done by one execution. A meter belongs to exactly
// one call and is never shared between goroutines.
type fuelMeter struct {
	limit uint64
	used  uint64
}

func newFuelMeter(limit uint64) *fuelMeter {
	return &fuelMeter{limit: limit}
}

// charge adds units and aborts the guest once the limit is passed
func (m *fuelMeter) charge(units uint64) {
	m.used += units
	if m.used > m.limit {
		panic(errFuelExhausted)
	}
}

// chargeBytes charges one unit per KiB copied across the ABI
func (m *fuelMeter) chargeBytes(n int) {
	if n > 0 {
		m.charge(uint64(n) / 1024)
	}
}

// consumed never reports more than the limit
func (m *fuelMeter) consumed() uint64 {
	if m.used > m.limit {
		return m.limit
	}
	return m.used
}

// fuelListenerFactory charges one unit on every guest function entry.
// Host functions charge themselves so they are skipped here.
type fuelListenerFactory struct{}

func (fuelListenerFactory) NewFunctionListener(def api.FunctionDefinition) experimental.FunctionListener {
	if def.GoFunction() != nil {
		return nil
	}
	if _, _, isImport := def.Import(); isImport {
		return nil
	}
	return fuelListener{}
}

type fuelListener struct{}

func (fuelListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	if st := stateFrom(ctx); st != nil {
		st.meter.charge(1)
	}
}

func (fuelListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (fuelListener) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}
