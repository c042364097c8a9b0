package wasmhost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/witmproxy/witmproxy/internal/pluginapi"
	"github.com/witmproxy/witmproxy/internal/proxyerr"
)

// Instance is one fresh, isolated instantiation of a compiled guest
// component, scoped to a single invocation's lifetime (spec §5: a fresh
// store per invocation so one guest invocation can never observe another's
// linear memory or leftover state). It is not reused across calls.
type Instance struct {
	owner    *Runtime
	pluginID string
	imports  HostImports
	limits   Limits

	fuelRemaining atomic.Int64
	mod           api.Module

	// bodyIn/bodyOut back the body_read/body_write host imports for an
	// InboundContent invocation (spec §4.8): bodyIn is the decoded body a
	// guest with a streaming-content capability pulls in chunks, bodyOut
	// collects whatever it writes back as the replacement. For every other
	// event kind bodyIn is nil and bodyOut stays empty, since only
	// InboundContent crosses a body.
	bodyIn      *bytes.Reader
	bodyOut     bytes.Buffer
	bodyWritten bool
}

// SetBody hands inst the decoded InboundContent body a guest may read via
// body_read, before calling Handle. Not meaningful for any other event
// kind.
func (inst *Instance) SetBody(data []byte) {
	inst.bodyIn = bytes.NewReader(data)
}

// BodyWritten reports whether the guest called body_write at least once
// during its last Handle call, distinguishing "no replacement" from "the
// guest replaced the body with zero bytes".
func (inst *Instance) BodyWritten() bool {
	return inst.bodyWritten
}

// BodyOut returns whatever the guest wrote via body_write during its last
// Handle call.
func (inst *Instance) BodyOut() []byte {
	return inst.bodyOut.Bytes()
}

// NewInstance instantiates compiled against r's shared host module,
// binding imports (already scoped to this plugin's verified capability
// set by ScopeImports when called from internal/dispatch) and seeding the
// fuel-proxy budget and wall-clock bound from limits.
func (r *Runtime) NewInstance(ctx context.Context, pluginID string, compiled wazero.CompiledModule, imports HostImports, limits Limits) (*Instance, error) {
	inst := &Instance{owner: r, pluginID: pluginID, imports: imports, limits: limits}
	inst.fuelRemaining.Store(limits.FuelUnits)

	cfg := wazero.NewModuleConfig().WithName(pluginID)
	ctx = withInstance(ctx, inst)

	mod, err := r.rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: instantiating %s: %v", proxyerr.ErrPluginRuntime, pluginID, err)
	}
	inst.mod = mod
	return inst, nil
}

// debitFuel subtracts n from the invocation's fuel-proxy budget, returning
// false once exhausted. Host import functions call this before doing any
// work; a false return means the function does nothing further and the
// guest observes a trapped/zeroed result (see host.go's statusTrapped).
func (inst *Instance) debitFuel(n int64) bool {
	if inst.limits.FuelUnits <= 0 {
		return true // unmetered
	}
	return inst.fuelRemaining.Add(-n) >= 0
}

// Close releases the instance's module and linear memory.
func (inst *Instance) Close(ctx context.Context) error {
	return inst.mod.Close(ctx)
}

// Manifest calls the guest's `manifest` export and decodes its JSON-encoded
// result into a pluginapi.PluginManifest. The manifest call itself is not
// fuel-metered (it runs once at registration, outside request-serving
// budgets) but is still wall-clock bounded.
func (inst *Instance) Manifest(ctx context.Context) (pluginapi.PluginManifest, error) {
	var manifest pluginapi.PluginManifest

	ctx, cancel := context.WithTimeout(ctx, inst.limits.WallClock)
	defer cancel()

	fn := inst.mod.ExportedFunction("manifest")
	if fn == nil {
		return manifest, fmt.Errorf("%w: guest does not export manifest()", proxyerr.ErrPluginInvalid)
	}
	results, err := fn.Call(ctx)
	if err != nil {
		return manifest, classifyGuestError(err)
	}
	if len(results) != 2 {
		return manifest, fmt.Errorf("%w: manifest() returned %d results, want (ptr, len)", proxyerr.ErrPluginInvalid, len(results))
	}

	raw := readBytes(inst.mod, uint32(results[0]), uint32(results[1]))
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return manifest, fmt.Errorf("%w: decoding manifest JSON: %v", proxyerr.ErrPluginInvalid, err)
	}
	return manifest, nil
}

// Handle calls the guest's `handle` export with eventJSON (the
// JSON-serialized httpevent.Event for the kind this invocation fires for)
// and returns the guest's raw JSON return value, or nil if the guest
// signalled Skip/no-op (an empty result).
func (inst *Instance) Handle(ctx context.Context, kind pluginapi.EventKind, eventJSON []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, inst.limits.WallClock)
	defer cancel()
	ctx = withInstance(ctx, inst)

	inPtr, inLen, err := inst.writeBytes(ctx, inst.mod, eventJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: staging event payload: %v", proxyerr.ErrPluginRuntime, err)
	}

	fn := inst.mod.ExportedFunction("handle")
	if fn == nil {
		return nil, fmt.Errorf("%w: guest does not export handle()", proxyerr.ErrPluginInvalid)
	}
	results, err := fn.Call(ctx, uint64(kind), uint64(inPtr), uint64(inLen))
	if err != nil {
		return nil, classifyGuestError(err)
	}
	if len(results) != 2 {
		return nil, fmt.Errorf("%w: handle() returned %d results, want (ptr, len)", proxyerr.ErrDispatchState, len(results))
	}
	outPtr, outLen := uint32(results[0]), uint32(results[1])
	if outLen == 0 {
		return nil, nil
	}
	return readBytes(inst.mod, outPtr, outLen), nil
}

func classifyGuestError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", proxyerr.ErrGuestTimeout, err)
	}
	return fmt.Errorf("%w: guest trapped: %v", proxyerr.ErrGuestTrap, err)
}
