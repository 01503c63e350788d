// Package hostcall implements the binding/namespace/operation routing
// described in spec.md §4.E: an abi.HostCallHandler that fans each guest
// host call out to a registered Binding by the leading "binding" string.
//
// Grounded on the original source's crates/core/src/host_pool.rs, which
// keeps a registry of named subsystems rather than a single hard-coded
// match statement; this package mirrors that shape as a Go interface and
// a name->Binding map.
package hostcall

import (
	"context"

	"github.com/rs/zerolog"
)

// Binding handles every namespace/operation pair under one routing key
// (e.g. "fetch", "database", "message"). A Binding that needs table-backed
// handles reads the calling Environment's resource table off ctx via
// abi.ResourceTableFromContext (spec.md §4.E lists resource_table as a
// direct dispatcher input; HostCallHandler's signature is fixed by the
// wasm import shape, so the table rides the context instead).
type Binding interface {
	// Dispatch runs one operation and returns its msgpack-encoded response,
	// or an error whose Error() becomes the host_error string (spec.md
	// §4.E, §7 "Propagation").
	Dispatch(ctx context.Context, namespace, operation string, payload []byte) ([]byte, error)
}

// Registry routes host calls by binding name. The zero value is usable;
// register bindings with Register before wiring it into environment.Config.
type Registry struct {
	bindings map[string]Binding
	log      zerolog.Logger
}

// NewRegistry returns an empty Registry logging through log.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{bindings: make(map[string]Binding), log: log}
}

// Register installs b under name, overwriting any previous binding.
func (r *Registry) Register(name string, b Binding) {
	if r.bindings == nil {
		r.bindings = make(map[string]Binding)
	}
	r.bindings[name] = b
}

// Handle implements abi.HostCallHandler. An unrecognized binding succeeds
// with an empty response (spec.md §4.E: "the guest interprets that as
// 'not implemented'"); a recognized binding's own failure propagates as a
// non-empty error, which the Environment's __host_call plumbing turns into
// host_error.
func (r *Registry) Handle(ctx context.Context, binding, namespace, operation string, payload []byte) ([]byte, error) {
	b, ok := r.bindings[binding]
	if !ok {
		r.log.Debug().Str("binding", binding).Msg("host call to unrecognized binding")
		return nil, nil
	}

	resp, err := b.Dispatch(ctx, namespace, operation, payload)
	if err != nil {
		r.log.Debug().
			Str("binding", binding).
			Str("namespace", namespace).
			Str("operation", operation).
			Err(err).
			Msg("host call failed")
		return nil, err
	}
	return resp, nil
}
