// Package abi names the fixed guest<->host contract described in
// spec.md §4.C: the "wapc" host import namespace, the WASI namespaces, the
// guest-exported starter and call functions, and the shared Invocation
// value that import callbacks read out of the running Environment.
//
// Grounded on github.com/wapc/wapc-go's engines/wazero/wazero.go, which
// binds the same function names against a generic wapc.Module/Instance
// pair; this repo binds them directly against the single-purpose
// Environment described by spec.md §3.
package abi

import (
	"context"

	"github.com/wapchost/runtime/pkg/resource"
)

const (
	// HostNamespace is the import module name every wapc host function is
	// exported under.
	HostNamespace = "wapc"

	// WASISnapshotPreview1Namespace and WASIUnstableNamespace are the two
	// WASI namespaces the Environment links against.
	WASISnapshotPreview1Namespace = "wasi_snapshot_preview1"
	WASIUnstableNamespace         = "wasi_unstable"
)

// Host function export names under HostNamespace.
const (
	FuncHostCall        = "__host_call"
	FuncConsoleLog      = "__console_log"
	FuncGuestRequest    = "__guest_request"
	FuncGuestResponse   = "__guest_response"
	FuncGuestError      = "__guest_error"
	FuncHostResponse    = "__host_response"
	FuncHostResponseLen = "__host_response_len"
	FuncHostError       = "__host_error"
	FuncHostErrorLen    = "__host_error_len"
)

// Guest-exported function names.
const (
	// FuncGuestCall is the required guest export, typed (i32, i32) -> i32.
	FuncGuestCall = "__guest_call"

	// StarterWapcInit and StarterStart are the two possible nullary starter
	// exports. If both are present, each is invoked once, in this order.
	StarterWapcInit = "wapc_init"
	StarterStart    = "_start"
)

// Starters lists the starter exports in the order they must be invoked
// when both are present.
var Starters = []string{StarterWapcInit, StarterStart}

// Invocation pairs an operation name with its message payload. It is
// installed into the Environment's state before __guest_call and read back
// by the guest via __guest_request.
type Invocation struct {
	Operation string
	Msg       []byte
}

// HostCallHandler dispatches a host call issued by a guest via __host_call.
// Implemented by the host-call dispatcher (pkg/hostcall).
type HostCallHandler func(ctx context.Context, binding, namespace, operation string, payload []byte) ([]byte, error)

// resourceTableContextKey carries the calling Environment's resource table
// alongside a host call. spec.md §4.E names the table as a direct input to
// the dispatcher ("(id, binding, namespace, operation, payload,
// resource_table)"); since HostCallHandler's signature is fixed by the
// wasm import's own (ptr,len) shape, the table rides along on the context
// instead, attached on every host call by pkg/environment and read by whatever
// Binding (pkg/fetch, pkg/database, ...) needs table-backed handles.
type resourceTableContextKey struct{}

// ContextWithResourceTable attaches t to ctx.
func ContextWithResourceTable(ctx context.Context, t *resource.Table) context.Context {
	return context.WithValue(ctx, resourceTableContextKey{}, t)
}

// ResourceTableFromContext returns the table attached by
// ContextWithResourceTable, or nil if none was attached.
func ResourceTableFromContext(ctx context.Context) *resource.Table {
	t, _ := ctx.Value(resourceTableContextKey{}).(*resource.Table)
	return t
}
