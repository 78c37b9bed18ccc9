package wasmtest

// Common signatures of the host ABI and plugin entrypoints
var (
	Void       = FuncType{}
	StatusFunc = FuncType{Results: []byte{I32}}
	PtrLenI32  = FuncType{Params: []byte{I32, I32}, Results: []byte{I32}}
	PtrLenVoid = FuncType{Params: []byte{I32, I32}}
)

const dataOffset = 1024

func onePage() *uint32 {
	p := uint32(1)
	return &p
}

// ConstPlugin exports validate, which writes out (if any) and returns status
func ConstPlugin(out string, status int32) []byte {
	m := New()
	writeOutput := m.Import("env", "write_output", PtrLenI32)
	m.Memory(1, nil, "memory")

	var body [][]byte
	if out != "" {
		m.Data(dataOffset, []byte(out))
		body = append(body, Const(dataOffset), Const(int32(len(out))), Call(writeOutput), Op(OpDrop))
	}
	body = append(body, Const(status))
	m.Func("validate", StatusFunc, nil, body...)
	return m.Bytes()
}

// EchoPlugin copies its input to its output and returns 0
func EchoPlugin() []byte {
	m := New()
	getLen := m.Import("env", "get_input_len", StatusFunc)
	readInput := m.Import("env", "read_input", PtrLenI32)
	writeOutput := m.Import("env", "write_output", PtrLenI32)
	m.Memory(2, nil, "memory")

	m.Func("validate", StatusFunc, []byte{I32},
		Call(getLen), LocalSet(0),
		Const(0), LocalGet(0), Call(readInput), Op(OpDrop),
		Const(0), LocalGet(0), Call(writeOutput), Op(OpDrop),
		Const(0),
	)
	return m.Bytes()
}

// TrapPlugin executes unreachable
func TrapPlugin() []byte {
	m := New()
	m.Memory(1, nil, "memory")
	m.Func("validate", StatusFunc, nil, Op(OpUnreachable))
	return m.Bytes()
}

// SpinPlugin loops forever without making calls
func SpinPlugin() []byte {
	m := New()
	m.Memory(1, nil, "memory")
	m.Func("validate", StatusFunc, nil,
		Op(OpLoop, BlockVoid, OpBr, 0x00, OpEnd),
		Const(0),
	)
	return m.Bytes()
}

// CallLoopPlugin calls an empty function forever
func CallLoopPlugin() []byte {
	m := New()
	m.Memory(1, nil, "memory")
	noop := m.Func("", Void, nil)
	m.Func("validate", StatusFunc, nil,
		Op(OpLoop, BlockVoid), Call(noop), Op(OpBr, 0x00, OpEnd),
		Const(0),
	)
	return m.Bytes()
}

// GrowPlugin grows memory by pages and returns the result of memory.grow
func GrowPlugin(pages int32, maxPages *uint32) []byte {
	m := New()
	m.Memory(1, maxPages, "memory")
	m.Func("validate", StatusFunc, nil, Const(pages), Op(OpMemoryGrow, 0x00))
	return m.Bytes()
}

// LogPlugin logs msg and allows
func LogPlugin(msg string) []byte {
	m := New()
	logMessage := m.Import("env", "log_message", PtrLenVoid)
	m.Memory(1, nil, "memory")
	m.Data(dataOffset, []byte(msg))
	m.Func("validate", StatusFunc, nil,
		Const(dataOffset), Const(int32(len(msg))), Call(logMessage),
		Const(0),
	)
	return m.Bytes()
}

// TriggerPlugin exports an allowing validate and a process_trigger that
// writes out and returns status
func TriggerPlugin(out string, status int32) []byte {
	m := New()
	writeOutput := m.Import("env", "write_output", PtrLenI32)
	m.Memory(1, nil, "memory")
	m.Data(dataOffset, []byte(out))
	m.Func("validate", StatusFunc, nil, Const(0))
	m.Func("process_trigger", StatusFunc, nil,
		Const(dataOffset), Const(int32(len(out))), Call(writeOutput), Op(OpDrop),
		Const(status),
	)
	return m.Bytes()
}

// NoMemoryPlugin exports validate but no memory
func NoMemoryPlugin() []byte {
	m := New()
	m.Func("validate", StatusFunc, nil, Const(0))
	return m.Bytes()
}

// NoValidatePlugin exports memory and an unrelated function
func NoValidatePlugin() []byte {
	m := New()
	m.Memory(1, nil, "memory")
	m.Func("check", StatusFunc, nil, Const(0))
	return m.Bytes()
}

// BadSignaturePlugin exports validate with an i32 parameter
func BadSignaturePlugin() []byte {
	m := New()
	m.Memory(1, nil, "memory")
	m.Func("validate", FuncType{Params: []byte{I32}, Results: []byte{I32}}, nil, Const(0))
	return m.Bytes()
}

// ForeignImportPlugin imports a function outside the host ABI
func ForeignImportPlugin() []byte {
	m := New()
	m.Import("evil", "spawn", Void)
	m.Memory(1, nil, "memory")
	m.Func("validate", StatusFunc, nil, Const(0))
	return m.Bytes()
}

// BadOutputPlugin writes bytes that are not JSON
func BadOutputPlugin() []byte {
	return ConstPlugin("not json", 0)
}

// OutOfBoundsReadPlugin asks read_input to write past the end of memory and
// returns the host result as its status
func OutOfBoundsReadPlugin() []byte {
	m := New()
	readInput := m.Import("env", "read_input", PtrLenI32)
	m.Memory(1, onePage(), "memory")
	m.Func("validate", StatusFunc, nil, Const(65535), Const(16), Call(readInput))
	return m.Bytes()
}
