// Package wasmhost sandboxes and drives guest plugin binaries using
// tetratelabs/wazero, the pack's only WASM runtime. The WIT-described
// component-model ABI the plugin format is specified against (spec §4.4,
// §6) has no wazero equivalent — wazero implements the core WebAssembly
// spec, not the component model binary format — so this package targets a
// flattened core-module ABI instead: a guest exports plain `manifest` and
// `handle` functions over linear memory, and the five host capabilities
// (Logger, LocalStorage, Annotator, HTTP client, Capability Provider
// factory) are registered as a single wazero host module named
// "witmproxy:plugin/host", preserving every capability-gating and
// event-dispatch invariant spec §4.4/§5 describes at the semantic level.
package wasmhost

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/witmproxy/witmproxy/internal/proxyerr"
)

// HostModuleName is the wazero host module namespace guest binaries import
// capability functions from, named after the WIT world it stands in for.
const HostModuleName = "witmproxy:plugin/host"

// Limits bounds a single guest invocation, per spec §5.
type Limits struct {
	// FuelUnits approximates wazero's missing instruction-metering API: it
	// seeds a host-call budget counter, decremented once per host import
	// call the guest makes during the invocation. It is a proxy for true
	// fuel (which would count every executed instruction), not an exact
	// match, and is documented as such rather than silently pretended away.
	FuelUnits int64
	// MemoryPages is the configured linear-memory size, in 64KiB wazero
	// pages. NewInstance does not apply it: a guest's memory is bounded only
	// by its own declared maximum and wazero's runtime-wide page limit.
	MemoryPages uint32
	// WallClock bounds how long a single invocation may run before it is
	// cancelled and reported as ErrGuestTimeout.
	WallClock time.Duration
}

// DefaultLimits matches spec §5's stated defaults (1,000,000 fuel units).
var DefaultLimits = Limits{
	FuelUnits:   1_000_000,
	MemoryPages: 256, // 16 MiB
	WallClock:   5 * time.Second,
}

// Runtime owns the shared wazero runtime and compiled host module that
// every guest instantiation is linked against.
type Runtime struct {
	log  *zap.Logger
	rt   wazero.Runtime
	host wazero.CompiledModule
}

// HostImports is the set of host-side implementations backing the guest's
// capability imports. Each plugin instantiation is bound to a HostImports
// value scoped to that plugin's declared, registration-time-verified
// capability set (spec §4.4): a plugin without the LocalStorage capability
// is linked against a HostImports whose Storage implementation always
// denies.
type HostImports struct {
	Logger         Logger
	Storage        LocalStorage
	Annotator      Annotator
	HTTPClient     HTTPClient
	ProviderFactory CapabilityProviderFactory
}

// New builds the shared wazero Runtime and compiles the host import module.
// Per-plugin capability scoping happens by wrapping the Logger/Storage/etc
// interfaces with capability-checking decorators and passing the result as
// the imports argument to NewInstance, per plugin (see ScopeImports, which
// internal/dispatch's WasmInvoker calls on every invocation).
func New(ctx context.Context, log *zap.Logger) (*Runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	// Closing on context done lets an invocation's WallClock deadline
	// interrupt a guest that is still executing.
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmhost: instantiating WASI preview1: %w", err)
	}

	r := &Runtime{log: log.Named("wasmhost"), rt: rt}

	hostCompiled, err := buildHostModule(ctx, rt, r)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	r.host = hostCompiled

	// Instantiate the host module once into the runtime's shared namespace
	// so every guest module's imports of HostModuleName resolve against it.
	if _, err := rt.InstantiateModule(ctx, hostCompiled, wazero.NewModuleConfig().WithName(HostModuleName)); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasmhost: instantiating host module: %w", err)
	}

	return r, nil
}

// Close tears down the wazero runtime and all compiled modules.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

// CompileComponent compiles component bytes once; the resulting
// wazero.CompiledModule is cheap to instantiate repeatedly (once per
// invocation, for isolation) and is cached by the registry per plugin.
func (r *Runtime) CompileComponent(ctx context.Context, component []byte) (wazero.CompiledModule, error) {
	mod, err := r.rt.CompileModule(ctx, component)
	if err != nil {
		return nil, fmt.Errorf("%w: compiling guest module: %v", proxyerr.ErrPluginInvalid, err)
	}
	return mod, nil
}
