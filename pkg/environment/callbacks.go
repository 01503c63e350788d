package environment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wapchost/runtime/pkg/abi"
)

const i32 = api.ValueTypeI32

// wapcHost implements the required "wapc" host exports described in
// spec.md §4.C. Grounded directly on github.com/wapc/wapc-go's
// engines/wazero/wazero.go wapcHost, adapted to read/write the
// Environment's per-cell state (pkg/environment/state.go) instead of a
// request-scoped invokeContext, and to dispatch host calls through an
// abi.HostCallHandler rather than a bare wapc.HostCallHandler.
type wapcHost struct {
	handler abi.HostCallHandler
	log     zerolog.Logger
}

// instantiateWapcHost exports the "wapc" host module functions in the
// order documented at https://wapc.io/docs/spec/#required-host-exports.
// Defined manually, without reflection, matching the teacher's rationale
// that waPC is a foundational library where call overhead matters.
func instantiateWapcHost(ctx context.Context, r wazero.Runtime, handler abi.HostCallHandler, log zerolog.Logger) (api.Module, error) {
	h := &wapcHost{handler: handler, log: log}
	return r.NewHostModuleBuilder(abi.HostNamespace).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.hostCall), []api.ValueType{i32, i32, i32, i32, i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("bind_ptr", "bind_len", "ns_ptr", "ns_len", "cmd_ptr", "cmd_len", "payload_ptr", "payload_len").
		Export(abi.FuncHostCall).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.consoleLog), []api.ValueType{i32, i32}, []api.ValueType{}).
		WithParameterNames("ptr", "len").
		Export(abi.FuncConsoleLog).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.guestRequest), []api.ValueType{i32, i32}, []api.ValueType{}).
		WithParameterNames("op_ptr", "ptr").
		Export(abi.FuncGuestRequest).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.hostResponse), []api.ValueType{i32}, []api.ValueType{}).
		WithParameterNames("ptr").
		Export(abi.FuncHostResponse).
		NewFunctionBuilder().
		WithGoFunction(api.GoFunc(h.hostResponseLen), []api.ValueType{}, []api.ValueType{i32}).
		Export(abi.FuncHostResponseLen).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.guestResponse), []api.ValueType{i32, i32}, []api.ValueType{}).
		WithParameterNames("ptr", "len").
		Export(abi.FuncGuestResponse).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.guestError), []api.ValueType{i32, i32}, []api.ValueType{}).
		WithParameterNames("ptr", "len").
		Export(abi.FuncGuestError).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.hostError), []api.ValueType{i32}, []api.ValueType{}).
		WithParameterNames("ptr").
		Export(abi.FuncHostError).
		NewFunctionBuilder().
		WithGoFunction(api.GoFunc(h.hostErrorLen), []api.ValueType{}, []api.ValueType{i32}).
		Export(abi.FuncHostErrorLen).
		Instantiate(ctx)
}

// hostCall is "__host_call": it reads three strings and a payload out of
// guest memory while holding no lock, dispatches synchronously through the
// handler, then stashes the outcome in state for __host_response/__host_error.
func (w *wapcHost) hostCall(ctx context.Context, m api.Module, stack []uint64) {
	bindPtr, bindLen := uint32(stack[0]), uint32(stack[1])
	nsPtr, nsLen := uint32(stack[2]), uint32(stack[3])
	cmdPtr, cmdLen := uint32(stack[4]), uint32(stack[5])
	payloadPtr, payloadLen := uint32(stack[6]), uint32(stack[7])

	s := stateFromContext(ctx)
	if s == nil || w.handler == nil {
		stack[0] = 0
		return
	}

	mem := m.Memory()
	binding := requireReadString(mem, "binding", bindPtr, bindLen)
	namespace := requireReadString(mem, "namespace", nsPtr, nsLen)
	operation := requireReadString(mem, "operation", cmdPtr, cmdLen)
	payload := requireRead(mem, "payload", payloadPtr, payloadLen)

	callCtx := abi.ContextWithResourceTable(ctx, s.resourceTable)
	resp, err := w.handler(callCtx, binding, namespace, operation, payload)
	if err != nil {
		s.setHostError(err)
		stack[0] = 0
		return
	}
	s.setHostResponse(resp)
	stack[0] = 1
}

// consoleLog is "__console_log": an unstructured guest log line, emitted at
// debug level on the Environment's logger.
func (w *wapcHost) consoleLog(_ context.Context, m api.Module, params []uint64) {
	ptr, len := uint32(params[0]), uint32(params[1])
	msg := requireReadString(m.Memory(), "msg", ptr, len)
	w.log.Debug().Str("source", "guest").Msg(msg)
}

// guestRequest is "__guest_request": writes the current Invocation's
// operation and msg bytes into guest memory at the given offsets.
func (w *wapcHost) guestRequest(ctx context.Context, m api.Module, params []uint64) {
	opPtr, ptr := uint32(params[0]), uint32(params[1])

	s := stateFromContext(ctx)
	if s == nil {
		return
	}
	inv := s.getGuestRequest()
	if inv == nil {
		return
	}
	mem := m.Memory()
	if inv.Operation != "" {
		mem.Write(opPtr, []byte(inv.Operation))
	}
	if inv.Msg != nil {
		mem.Write(ptr, inv.Msg)
	}
}

// hostResponse is "__host_response": copies the most recent host call's
// response bytes into guest memory at ptr.
func (w *wapcHost) hostResponse(ctx context.Context, m api.Module, params []uint64) {
	ptr := uint32(params[0])
	s := stateFromContext(ctx)
	if s == nil {
		return
	}
	if resp := s.getHostResponse(); resp != nil {
		m.Memory().Write(ptr, resp)
	}
}

// hostResponseLen is "__host_response_len".
func (w *wapcHost) hostResponseLen(ctx context.Context, results []uint64) {
	s := stateFromContext(ctx)
	if s == nil {
		results[0] = 0
		return
	}
	results[0] = uint64(len(s.getHostResponse()))
}

// guestResponse is "__guest_response": copies len bytes from guest memory
// at ptr into guest_response.
func (w *wapcHost) guestResponse(ctx context.Context, m api.Module, params []uint64) {
	ptr, length := uint32(params[0]), uint32(params[1])
	s := stateFromContext(ctx)
	if s == nil {
		return
	}
	s.setGuestResponse(requireRead(m.Memory(), "guestResponse", ptr, length))
}

// guestError is "__guest_error": copies len bytes from guest memory at ptr
// into guest_error, interpreted as UTF-8.
func (w *wapcHost) guestError(ctx context.Context, m api.Module, params []uint64) {
	ptr, length := uint32(params[0]), uint32(params[1])
	s := stateFromContext(ctx)
	if s == nil {
		return
	}
	s.setGuestError(requireReadString(m.Memory(), "guestError", ptr, length))
}

// hostError is "__host_error": writes the most recent host call's error
// string into guest memory at ptr.
func (w *wapcHost) hostError(ctx context.Context, m api.Module, params []uint64) {
	ptr := uint32(params[0])
	s := stateFromContext(ctx)
	if s == nil {
		return
	}
	if err := s.getHostError(); err != nil {
		m.Memory().Write(ptr, []byte(err.Error()))
	}
}

// hostErrorLen is "__host_error_len".
func (w *wapcHost) hostErrorLen(ctx context.Context, results []uint64) {
	s := stateFromContext(ctx)
	if s == nil {
		results[0] = 0
		return
	}
	if err := s.getHostError(); err != nil {
		results[0] = uint64(len(err.Error()))
	} else {
		results[0] = 0
	}
}

type stateContextKey struct{}

func contextWithState(ctx context.Context, s *state) context.Context {
	return context.WithValue(ctx, stateContextKey{}, s)
}

func stateFromContext(ctx context.Context) *state {
	s, _ := ctx.Value(stateContextKey{}).(*state)
	return s
}

// requireReadString is requireRead cast to a string.
func requireReadString(mem api.Memory, field string, offset, byteCount uint32) string {
	return string(requireRead(mem, field, offset, byteCount))
}

// requireRead panics (trapping the call) if offset/byteCount fall outside
// guest memory, matching the teacher's requireRead.
func requireRead(mem api.Memory, field string, offset, byteCount uint32) []byte {
	buf, ok := mem.Read(offset, byteCount)
	if !ok {
		panic(fmt.Errorf("environment: out of memory reading %s", field))
	}
	return buf
}
