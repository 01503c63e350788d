package environment_test

// Minimal hand-assembled WebAssembly binary modules used to exercise the
// Environment without a wasm toolchain. Each helper builds just enough of
// the binary format (magic+version, type/import/function/memory/export/
// code sections) to exercise one behavior named in spec.md §4.D.

import "bytes"

func uleb128(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			break
		}
	}
	return out
}

func sleb128(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func section(id byte, content []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(id)
	buf.Write(uleb128(uint32(len(content))))
	buf.Write(content)
	return buf.Bytes()
}

func vec(items ...[]byte) []byte {
	var buf bytes.Buffer
	buf.Write(uleb128(uint32(len(items))))
	for _, it := range items {
		buf.Write(it)
	}
	return buf.Bytes()
}

func name(s string) []byte {
	var buf bytes.Buffer
	buf.Write(uleb128(uint32(len(s))))
	buf.WriteString(s)
	return buf.Bytes()
}

const (
	valI32 = 0x7f
)

// funcType encodes a function type: params -> results, both made of valI32.
func funcType(params, results int) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0x60)
	buf.Write(uleb128(uint32(params)))
	for i := 0; i < params; i++ {
		buf.WriteByte(valI32)
	}
	buf.Write(uleb128(uint32(results)))
	for i := 0; i < results; i++ {
		buf.WriteByte(valI32)
	}
	return buf.Bytes()
}

func importFunc(module, field string, typeIdx uint32) []byte {
	var buf bytes.Buffer
	buf.Write(name(module))
	buf.Write(name(field))
	buf.WriteByte(0x00) // func import kind
	buf.Write(uleb128(typeIdx))
	return buf.Bytes()
}

func exportFunc(field string, idx uint32) []byte {
	var buf bytes.Buffer
	buf.Write(name(field))
	buf.WriteByte(0x00)
	buf.Write(uleb128(idx))
	return buf.Bytes()
}

func exportMem(field string, idx uint32) []byte {
	var buf bytes.Buffer
	buf.Write(name(field))
	buf.WriteByte(0x02)
	buf.Write(uleb128(idx))
	return buf.Bytes()
}

func code(locals []byte, body []byte) []byte {
	var buf bytes.Buffer
	buf.Write(uleb128(0)) // no local declarations beyond params
	_ = locals
	buf.Write(body)
	buf.WriteByte(0x0b) // end
	inner := buf.Bytes()

	var out bytes.Buffer
	out.Write(uleb128(uint32(len(inner))))
	out.Write(inner)
	return out.Bytes()
}

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// buildModule assembles a full module from its sections, in the required
// order: type, import, function, memory, export, code.
func buildModule(types [][]byte, imports [][]byte, funcTypeIdx []uint32, memMinPages uint32, exports [][]byte, bodies [][]byte) []byte {
	var out bytes.Buffer
	out.Write(wasmHeader)

	if len(types) > 0 {
		out.Write(section(1, vec(types...)))
	}
	if len(imports) > 0 {
		out.Write(section(2, vec(imports...)))
	}
	if len(funcTypeIdx) > 0 {
		items := make([][]byte, len(funcTypeIdx))
		for i, t := range funcTypeIdx {
			items[i] = uleb128(t)
		}
		out.Write(section(3, vec(items...)))
	}
	{
		memEntry := []byte{0x00}
		memEntry = append(memEntry, uleb128(memMinPages)...)
		out.Write(section(5, vec(memEntry)))
	}
	if len(exports) > 0 {
		out.Write(section(7, vec(exports...)))
	}
	if len(bodies) > 0 {
		out.Write(section(10, vec(bodies...)))
	}
	return out.Bytes()
}

// echoGuestWASM builds a module importing wapc.__guest_request and
// wapc.__guest_response, exporting __guest_call, which copies the
// invocation's msg bytes straight into guest_response (spec.md §8 scenario
// "Echo").
func echoGuestWASM() []byte {
	typeVoidVoid := funcType(2, 0) // (i32,i32) -> ()
	typeCall := funcType(2, 1)     // (i32,i32) -> i32

	imports := [][]byte{
		importFunc("wapc", "__guest_request", 0),
		importFunc("wapc", "__guest_response", 0),
	}

	// func idx 2 (after the two imports): __guest_call
	const bufOffset = 1024
	var body bytes.Buffer
	body.WriteByte(0x41) // i32.const 0 (op ptr)
	body.Write(sleb128(0))
	body.WriteByte(0x41) // i32.const bufOffset (msg ptr)
	body.Write(sleb128(bufOffset))
	body.WriteByte(0x10) // call __guest_request
	body.Write(uleb128(0))

	body.WriteByte(0x41) // i32.const bufOffset
	body.Write(sleb128(bufOffset))
	body.WriteByte(0x20) // local.get 1 (msg_len)
	body.Write(uleb128(1))
	body.WriteByte(0x10) // call __guest_response
	body.Write(uleb128(1))

	body.WriteByte(0x41) // i32.const 1
	body.Write(sleb128(1))

	exports := [][]byte{
		exportFunc("__guest_call", 2),
		exportMem("memory", 0),
	}

	return buildModule(
		[][]byte{typeVoidVoid, typeCall},
		imports,
		[]uint32{1},
		1,
		exports,
		[][]byte{code(nil, body.Bytes())},
	)
}

// loopForeverGuestWASM builds a module whose __guest_call never returns,
// used to exercise the regular-call deadline (spec.md §8 scenario
// "Deadline").
func loopForeverGuestWASM() []byte {
	typeCall := funcType(2, 1) // (i32,i32) -> i32

	var body bytes.Buffer
	body.WriteByte(0x03) // loop
	body.WriteByte(0x40) // blocktype: empty
	body.WriteByte(0x0c) // br
	body.Write(uleb128(0))
	body.WriteByte(0x0b) // end (loop)
	body.WriteByte(0x00) // unreachable: loop never falls through, satisfies the i32 result type

	exports := [][]byte{
		exportFunc("__guest_call", 0),
		exportMem("memory", 0),
	}

	return buildModule(
		[][]byte{typeCall},
		nil,
		[]uint32{0},
		1,
		exports,
		[][]byte{code(nil, body.Bytes())},
	)
}

// missingGuestCallWASM exports only memory, no __guest_call.
func missingGuestCallWASM() []byte {
	return buildModule(nil, nil, nil, 1, [][]byte{exportMem("memory", 0)}, nil)
}

// unknownImportWASM imports a function under a namespace that is neither
// "wapc" nor a WASI namespace.
func unknownImportWASM() []byte {
	typeVoid := funcType(0, 0)
	imports := [][]byte{importFunc("evil", "mystery", 0)}
	return buildModule([][]byte{typeVoid}, imports, nil, 1, [][]byte{exportMem("memory", 0)}, nil)
}
