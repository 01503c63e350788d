// Package environment implements spec.md §4.D: the unit of wasm isolation
// described in spec.md §3 — one compiled module, one live instance, one
// store (here: one state), one resource table. Construction, Init, Call,
// Replace and Clone follow spec.md §4.D; the "wapc" host exports are
// implemented in callbacks.go, adapted directly from
// github.com/wapc/wapc-go's engines/wazero/wazero.go.
package environment

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wapchost/runtime/pkg/abi"
	"github.com/wapchost/runtime/pkg/resource"
)

// EpochDeadlines configures the two deadlines spec.md §4.D calls for: one
// for starters (wapc_init/_start), one for regular calls (wapc_func).
// wazero's public API has no wasmtime-style epoch-tick primitive, so each
// deadline is enforced as a context.Context timeout over the call, paired
// with wazero.RuntimeConfig.WithCloseOnContextDone(true); expiry closes the
// live instance, which is safe because the HTTP layer instantiates one
// Environment per request (spec.md §3) and never reuses one past a
// deadline failure. This approximation is recorded as an Open Question
// resolution in DESIGN.md.
type EpochDeadlines struct {
	WapcInit time.Duration
	WapcFunc time.Duration
}

// WASIParams configures the WASI context linked into the Environment:
// argv, environment variables, and preopened directories (guestPath ->
// hostPath), matching spec.md §3's "WASI context with argv, env vars, and
// pre-opened directories".
type WASIParams struct {
	Argv     []string
	Env      map[string]string
	Preopens map[string]string
}

// Config bundles everything New needs beyond the module bytes themselves.
type Config struct {
	Handler  abi.HostCallHandler
	WASI     WASIParams
	Deadlines *EpochDeadlines
	Logger   zerolog.Logger
	Stdout   io.Writer
	Stderr   io.Writer
}

// Environment is the unit of wasm isolation described in spec.md §3.
// A single Environment services one guest call at a time.
type Environment struct {
	cfg     Config
	runtime wazero.Runtime
	linker  linkerConfig

	compiled wazero.CompiledModule
	module   api.Module
	guestCall api.Function

	state *state

	callMu sync.Mutex // serializes Call: "one live guest call at a time"
	closed uint32

	// ownsRuntime is true only for the Environment returned by New; clones
	// share the runtime but never close it, since engine/linker/module are
	// shared immutable parts (spec.md §4.D "Cloning").
	ownsRuntime bool
}

// linkerConfig captures everything needed to re-instantiate a guest module
// against the same runtime/host exports, used by Replace and Clone.
type linkerConfig struct {
	moduleConfig func() wazero.ModuleConfig
}

// New compiles buf, links WASI and the "wapc" host exports, instantiates
// the guest, locates __guest_call, and runs its starters — spec.md §4.D
// "Construction" and "Init" combined, matching the granularity at which
// callers actually need this type (there is no useful half-built
// Environment to expose in between).
func New(ctx context.Context, buf []byte, cfg Config) (*Environment, error) {
	rtCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("environment: instantiate wasi_snapshot_preview1: %w", err)
	}
	// wazero ships no separate wasi_unstable implementation; the same
	// preview1 function set is re-exported under the legacy namespace name
	// so older AssemblyScript/Rust guests that still import wasi_unstable
	// link against identical host behavior (documented in DESIGN.md).
	unstable := r.NewHostModuleBuilder(abi.WASIUnstableNamespace)
	wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(unstable)
	if _, err := unstable.Instantiate(ctx); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("environment: instantiate wasi_unstable: %w", err)
	}

	if _, err := instantiateWapcHost(ctx, r, cfg.Handler, cfg.Logger); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("environment: instantiate wapc host: %w", err)
	}

	compiled, err := r.CompileModule(ctx, buf)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("environment: compile module: %w", err)
	}

	if err := checkImports(compiled); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}

	e := &Environment{
		cfg:         cfg,
		runtime:     r,
		compiled:    compiled,
		state:       newState(),
		ownsRuntime: true,
	}
	e.linker.moduleConfig = func() wazero.ModuleConfig {
		return e.buildModuleConfig()
	}

	if err := e.instantiate(ctx); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}

	if err := e.runStarters(ctx); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}

	return e, nil
}

func (e *Environment) buildModuleConfig() wazero.ModuleConfig {
	mc := wazero.NewModuleConfig().WithStartFunctions() // starters are run explicitly, not on instantiate
	if len(e.cfg.WASI.Argv) > 0 {
		mc = mc.WithArgs(e.cfg.WASI.Argv...)
	}
	for k, v := range e.cfg.WASI.Env {
		mc = mc.WithEnv(k, v)
	}
	if len(e.cfg.WASI.Preopens) > 0 {
		fsCfg := wazero.NewFSConfig()
		for guestPath, hostPath := range e.cfg.WASI.Preopens {
			fsCfg = fsCfg.WithDirMount(hostPath, guestPath)
		}
		mc = mc.WithFSConfig(fsCfg)
	}
	if e.cfg.Stdout != nil {
		mc = mc.WithStdout(e.cfg.Stdout)
	}
	if e.cfg.Stderr != nil {
		mc = mc.WithStderr(e.cfg.Stderr)
	}
	return mc
}

// checkImports rejects any guest import outside "wapc" and the two WASI
// namespaces with UnknownImportError, matching spec.md §4.D "Init".
func checkImports(compiled wazero.CompiledModule) error {
	for _, def := range compiled.ImportedFunctions() {
		moduleName, name, _ := def.Import()
		switch moduleName {
		case abi.HostNamespace, abi.WASISnapshotPreview1Namespace, abi.WASIUnstableNamespace:
			continue
		default:
			return &UnknownImportError{Module: moduleName, Name: name}
		}
	}
	return nil
}

func (e *Environment) instantiate(ctx context.Context) error {
	module, err := e.runtime.InstantiateModule(ctx, e.compiled, e.linker.moduleConfig())
	if err != nil {
		return fmt.Errorf("environment: instantiate guest: %w", err)
	}

	guestCall := module.ExportedFunction(abi.FuncGuestCall)
	if guestCall == nil {
		_ = module.Close(ctx)
		return &GuestCallNotFoundError{}
	}

	e.module = module
	e.guestCall = guestCall
	return nil
}

// runStarters invokes wapc_init and/or _start, in that order, each under
// the starter deadline if configured. A trap is InitializationFailed; a
// trap attributable to the context deadline is InitializationTimeout.
func (e *Environment) runStarters(ctx context.Context) error {
	return e.runStartersOn(ctx, e.module)
}

func (e *Environment) runStartersOn(ctx context.Context, module api.Module) error {
	for _, starter := range abi.Starters {
		fn := module.ExportedFunction(starter)
		if fn == nil {
			continue
		}

		callCtx := contextWithState(ctx, e.state)
		cancel := func() {}
		if e.cfg.Deadlines != nil && e.cfg.Deadlines.WapcInit > 0 {
			callCtx, cancel = context.WithTimeout(callCtx, e.cfg.Deadlines.WapcInit)
		}

		_, err := fn.Call(callCtx)
		cancel()
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded {
				return &InitializationTimeoutError{Starter: starter}
			}
			return &InitializationFailedError{Starter: starter, Cause: err}
		}
	}
	return nil
}

// Call implements spec.md §4.D "Call": form an Invocation, install it,
// invoke __guest_call, and interpret its return value against the
// guest_response/guest_error cells.
func (e *Environment) Call(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	e.callMu.Lock()
	defer e.callMu.Unlock()

	if atomic.LoadUint32(&e.closed) != 0 {
		return nil, fmt.Errorf("environment: call on closed environment")
	}

	e.state.reset(abi.Invocation{Operation: operation, Msg: payload})
	callID := e.state.nextID()
	e.cfg.Logger.Debug().Uint64("call_id", callID).Str("operation", operation).Msg("guest call starting")

	callCtx := contextWithState(ctx, e.state)
	cancel := func() {}
	if e.cfg.Deadlines != nil && e.cfg.Deadlines.WapcFunc > 0 {
		callCtx, cancel = context.WithTimeout(callCtx, e.cfg.Deadlines.WapcFunc)
	}
	defer cancel()

	results, err := e.guestCall.Call(callCtx, uint64(len(operation)), uint64(len(payload)))
	if err != nil {
		msg := err.Error()
		if callCtx.Err() == context.DeadlineExceeded {
			msg = "guest call exceeded its deadline"
		}
		e.state.setGuestError(msg)
		return nil, &GuestCallFailureError{Message: msg}
	}

	if results[0] == 0 {
		if msg, ok := e.state.getGuestError(); ok {
			return nil, &GuestCallFailureError{Message: msg}
		}
		return nil, &GuestCallFailureError{Message: "no error set"}
	}

	if resp, ok := e.state.getGuestResponse(); ok {
		return resp, nil
	}
	return nil, &GuestCallFailureError{Message: "no response set"}
}

// Replace implements spec.md §4.D "Replace": compile newBytes, instantiate
// against the same runtime/linker/state, swap the live instance, and
// re-run starters. Any failure leaves the previous instance untouched; no
// resource from the old instance's table leaks into the new one.
func (e *Environment) Replace(ctx context.Context, newBytes []byte) error {
	e.callMu.Lock()
	defer e.callMu.Unlock()

	newCompiled, err := e.runtime.CompileModule(ctx, newBytes)
	if err != nil {
		return fmt.Errorf("environment: compile replacement module: %w", err)
	}
	if err := checkImports(newCompiled); err != nil {
		_ = newCompiled.Close(ctx)
		return err
	}

	newModule, err := e.runtime.InstantiateModule(ctx, newCompiled, e.linker.moduleConfig().WithName(fmt.Sprintf("replacement-%d", time.Now().UnixNano())))
	if err != nil {
		_ = newCompiled.Close(ctx)
		return fmt.Errorf("environment: instantiate replacement module: %w", err)
	}
	guestCall := newModule.ExportedFunction(abi.FuncGuestCall)
	if guestCall == nil {
		_ = newModule.Close(ctx)
		_ = newCompiled.Close(ctx)
		return &GuestCallNotFoundError{}
	}

	if err := e.runStartersOn(ctx, newModule); err != nil {
		// the old instance is never touched, so it stays live untouched.
		_ = newModule.Close(ctx)
		_ = newCompiled.Close(ctx)
		return err
	}

	oldModule, oldCompiled := e.module, e.compiled
	e.module, e.guestCall, e.compiled = newModule, guestCall, newCompiled
	e.state.resourceTable.CloseAll()

	_ = oldModule.Close(ctx)
	_ = oldCompiled.Close(ctx)
	return nil
}

// Clone produces a sibling Environment sharing this Environment's
// immutable parts (compiled module, runtime/host exports) but with a
// fresh, empty state and its own resource table, without recompiling the
// guest bytes.
func (e *Environment) Clone(ctx context.Context) (*Environment, error) {
	sibling := &Environment{
		cfg:      e.cfg,
		runtime:  e.runtime,
		compiled: e.compiled,
		state:    newState(),
	}
	sibling.linker.moduleConfig = func() wazero.ModuleConfig {
		return sibling.buildModuleConfig()
	}
	if err := sibling.instantiate(ctx); err != nil {
		return nil, err
	}
	if err := sibling.runStarters(ctx); err != nil {
		return nil, err
	}
	return sibling, nil
}

// Resources returns the Environment's resource table, used by the
// host-call dispatcher to stash cross-call state.
func (e *Environment) Resources() *resource.Table {
	return e.state.resourceTable
}

// Close tears down the live instance and, for the Environment returned by
// New (never a clone), the shared runtime. Closing the original therefore
// also stops any clone still using that runtime; no reference count is
// kept. Every resource still in the table runs its release routine.
func (e *Environment) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&e.closed, 0, 1) {
		return nil
	}
	e.state.resourceTable.CloseAll()
	if e.module != nil {
		_ = e.module.Close(ctx)
	}
	if e.ownsRuntime {
		return e.runtime.Close(ctx)
	}
	return nil
}
