// Package wasmtest assembles small WebAssembly binaries for tests.
//
// It covers the handful of sections and instructions the plugin fixtures
// need: typed imports, functions with locals, one memory, exports and
// active data segments.
package wasmtest

import "bytes"

// Value types
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// Instructions
const (
	OpUnreachable byte = 0x00
	OpBlock       byte = 0x02
	OpLoop        byte = 0x03
	OpBr          byte = 0x0c
	OpBrIf        byte = 0x0d
	OpEnd         byte = 0x0b
	OpReturn      byte = 0x0f
	OpCall        byte = 0x10
	OpDrop        byte = 0x1a
	OpLocalGet    byte = 0x20
	OpLocalSet    byte = 0x21
	OpI32Const    byte = 0x41
	OpI32Add      byte = 0x6a
	OpMemorySize  byte = 0x3f
	OpMemoryGrow  byte = 0x40
	BlockVoid     byte = 0x40
)

// FuncType is a function signature
type FuncType struct {
	Params  []byte
	Results []byte
}

type importFunc struct {
	module, name string
	typ          FuncType
}

type function struct {
	typ    FuncType
	locals []byte
	body   []byte
	export string
}

type dataSegment struct {
	offset uint32
	data   []byte
}

// Module builds a wasm binary
type Module struct {
	imports      []importFunc
	funcs        []function
	memMin       uint32
	memMax       *uint32
	hasMemory    bool
	exportMemory string
	data         []dataSegment
}

// New returns an empty module
func New() *Module {
	return &Module{}
}

// Import adds a function import and returns its function index.
// Imports must be added before any function.
func (m *Module) Import(module, name string, typ FuncType) uint32 {
	m.imports = append(m.imports, importFunc{module: module, name: name, typ: typ})
	return uint32(len(m.imports) - 1)
}

// Func adds a function and returns its index. An empty export leaves it unexported.
// locals lists one value type per local; body excludes the trailing end.
func (m *Module) Func(export string, typ FuncType, locals []byte, body ...[]byte) uint32 {
	m.funcs = append(m.funcs, function{typ: typ, locals: locals, body: bytes.Join(body, nil), export: export})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Memory declares the module memory in pages and exports it under export
// unless export is empty.
func (m *Module) Memory(minPages uint32, maxPages *uint32, export string) *Module {
	m.hasMemory = true
	m.memMin = minPages
	m.memMax = maxPages
	m.exportMemory = export
	return m
}

// Data places bytes at offset in memory 0
func (m *Module) Data(offset uint32, data []byte) *Module {
	m.data = append(m.data, dataSegment{offset: offset, data: data})
	return m
}

// Bytes encodes the module
func (m *Module) Bytes() []byte {
	var types []FuncType
	typeIndex := func(t FuncType) uint32 {
		for i, existing := range types {
			if bytes.Equal(existing.Params, t.Params) && bytes.Equal(existing.Results, t.Results) {
				return uint32(i)
			}
		}
		types = append(types, t)
		return uint32(len(types) - 1)
	}

	importTypes := make([]uint32, len(m.imports))
	for i, imp := range m.imports {
		importTypes[i] = typeIndex(imp.typ)
	}
	funcTypes := make([]uint32, len(m.funcs))
	for i, f := range m.funcs {
		funcTypes[i] = typeIndex(f.typ)
	}

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// type
	var sec []byte
	sec = append(sec, U32(uint32(len(types)))...)
	for _, t := range types {
		sec = append(sec, 0x60)
		sec = append(sec, vec(t.Params)...)
		sec = append(sec, vec(t.Results)...)
	}
	out = section(out, 1, sec)

	// import
	if len(m.imports) > 0 {
		sec = U32(uint32(len(m.imports)))
		for i, imp := range m.imports {
			sec = append(sec, name(imp.module)...)
			sec = append(sec, name(imp.name)...)
			sec = append(sec, 0x00)
			sec = append(sec, U32(importTypes[i])...)
		}
		out = section(out, 2, sec)
	}

	// function
	if len(m.funcs) > 0 {
		sec = U32(uint32(len(m.funcs)))
		for _, ti := range funcTypes {
			sec = append(sec, U32(ti)...)
		}
		out = section(out, 3, sec)
	}

	// memory
	if m.hasMemory {
		sec = U32(1)
		if m.memMax != nil {
			sec = append(sec, 0x01)
			sec = append(sec, U32(m.memMin)...)
			sec = append(sec, U32(*m.memMax)...)
		} else {
			sec = append(sec, 0x00)
			sec = append(sec, U32(m.memMin)...)
		}
		out = section(out, 5, sec)
	}

	// export
	var exports [][]byte
	for i, f := range m.funcs {
		if f.export != "" {
			e := name(f.export)
			e = append(e, 0x00)
			e = append(e, U32(uint32(len(m.imports)+i))...)
			exports = append(exports, e)
		}
	}
	if m.hasMemory && m.exportMemory != "" {
		e := name(m.exportMemory)
		e = append(e, 0x02, 0x00)
		exports = append(exports, e)
	}
	if len(exports) > 0 {
		sec = U32(uint32(len(exports)))
		for _, e := range exports {
			sec = append(sec, e...)
		}
		out = section(out, 7, sec)
	}

	// code
	if len(m.funcs) > 0 {
		sec = U32(uint32(len(m.funcs)))
		for _, f := range m.funcs {
			var body []byte
			body = append(body, U32(uint32(len(f.locals)))...)
			for _, l := range f.locals {
				body = append(body, 0x01, l)
			}
			body = append(body, f.body...)
			body = append(body, OpEnd)
			sec = append(sec, U32(uint32(len(body)))...)
			sec = append(sec, body...)
		}
		out = section(out, 10, sec)
	}

	// data
	if len(m.data) > 0 {
		sec = U32(uint32(len(m.data)))
		for _, d := range m.data {
			sec = append(sec, 0x00, OpI32Const)
			sec = append(sec, S32(int32(d.offset))...)
			sec = append(sec, OpEnd)
			sec = append(sec, U32(uint32(len(d.data)))...)
			sec = append(sec, d.data...)
		}
		out = section(out, 11, sec)
	}

	return out
}

func section(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = append(out, U32(uint32(len(content)))...)
	return append(out, content...)
}

func vec(b []byte) []byte {
	return append(U32(uint32(len(b))), b...)
}

func name(s string) []byte {
	return append(U32(uint32(len(s))), s...)
}

// U32 encodes v as unsigned LEB128
func U32(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

// S32 encodes v as signed LEB128
func S32(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// Const is i32.const v
func Const(v int32) []byte {
	return append([]byte{OpI32Const}, S32(v)...)
}

// Call is call idx
func Call(idx uint32) []byte {
	return append([]byte{OpCall}, U32(idx)...)
}

// LocalGet is local.get idx
func LocalGet(idx uint32) []byte {
	return append([]byte{OpLocalGet}, U32(idx)...)
}

// LocalSet is local.set idx
func LocalSet(idx uint32) []byte {
	return append([]byte{OpLocalSet}, U32(idx)...)
}

// Op wraps raw opcodes
func Op(ops ...byte) []byte {
	return ops
}
