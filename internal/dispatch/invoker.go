package dispatch

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"

	"github.com/witmproxy/witmproxy/internal/pluginapi"
	"github.com/witmproxy/witmproxy/internal/proxyerr"
	"github.com/witmproxy/witmproxy/internal/wasmhost"
)

// CompiledSource is the subset of internal/registry.Registry WasmInvoker
// needs to obtain a plugin's compiled module.
type CompiledSource interface {
	CompiledFor(id string) (wazero.CompiledModule, bool)
}

// WasmInvoker is the production Invoker: it creates a fresh wasmhost
// Instance per call (spec §5: every guest invocation gets a fresh store)
// and runs the guest's handle() export against it.
type WasmInvoker struct {
	Runtime  *wasmhost.Runtime
	Compiled CompiledSource
	Imports  wasmhost.HostImports
	Limits   wasmhost.Limits
}

// Invoke implements Invoker.
func (w *WasmInvoker) Invoke(ctx context.Context, plugin *pluginapi.Plugin, kind pluginapi.EventKind, payload []byte) ([]byte, error) {
	compiled, ok := w.Compiled.CompiledFor(plugin.ID())
	if !ok {
		return nil, fmt.Errorf("%w: no compiled module for %s", proxyerr.ErrDispatchState, plugin.ID())
	}

	imports := wasmhost.ScopeImports(w.Imports, plugin)
	inst, err := w.Runtime.NewInstance(ctx, plugin.ID(), compiled, imports, w.Limits)
	if err != nil {
		return nil, err
	}
	defer inst.Close(ctx)

	return inst.Handle(ctx, kind, payload)
}

// InvokeBody implements BodyInvoker: it runs the same Handle call as
// Invoke, but first hands the instance body so the guest's body_read/
// body_write host imports (internal/wasmhost/host.go) have something to
// cross, and reports back whatever the guest wrote.
func (w *WasmInvoker) InvokeBody(ctx context.Context, plugin *pluginapi.Plugin, kind pluginapi.EventKind, payload []byte, body []byte) ([]byte, []byte, bool, error) {
	compiled, ok := w.Compiled.CompiledFor(plugin.ID())
	if !ok {
		return nil, nil, false, fmt.Errorf("%w: no compiled module for %s", proxyerr.ErrDispatchState, plugin.ID())
	}

	imports := wasmhost.ScopeImports(w.Imports, plugin)
	inst, err := w.Runtime.NewInstance(ctx, plugin.ID(), compiled, imports, w.Limits)
	if err != nil {
		return nil, nil, false, err
	}
	defer inst.Close(ctx)

	inst.SetBody(body)
	result, err := inst.Handle(ctx, kind, payload)
	if err != nil {
		return nil, nil, false, err
	}
	return result, inst.BodyOut(), inst.BodyWritten(), nil
}
