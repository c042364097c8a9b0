package wasmhost

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Logger is the host-side sink for a guest's log(level, message) calls
// (spec §4.4's Logger capability).
type Logger interface {
	Log(pluginID string, level string, message string)
}

// LocalStorage is the host-side key/value store backing the LocalStorage
// capability. Implementations must serialize access per (pluginID, key)
// rather than globally, per the original Rust implementation's per-key
// locking (spec's supplemented feature, see DESIGN.md).
type LocalStorage interface {
	Get(pluginID, key string) ([]byte, bool, error)
	Set(pluginID, key string, value []byte) error
	Delete(pluginID, key string) error
}

// Annotator lets a plugin attach an opaque string annotation to the current
// request/response, surfaced to logging/metrics but never forwarded
// upstream or downstream.
type Annotator interface {
	Annotate(pluginID string, key, value string)
}

// HTTPClient is the sandboxed outbound HTTP capability a plugin may use for
// side-channel calls (e.g. a reputation lookup) independent of the
// request/response being proxied.
type HTTPClient interface {
	Do(ctx context.Context, pluginID string, method, url string, body []byte) (status int, respBody []byte, err error)
}

// CapabilityProviderFactory constructs capability-scoped handles a plugin's
// declared manifest capabilities entitle it to, mirroring the "Capability
// Provider factory" host import named in spec §4.4's capability table.
type CapabilityProviderFactory interface {
	Provide(pluginID string, capability string) (providerHandle uint64, err error)
}

// instanceCtxKey retrieves the *Instance bound to the current host call, so
// the shared host module's closures can reach per-invocation state (budget
// counter, plugin ID, scoped HostImports) without per-plugin recompilation.
type instanceCtxKey struct{}

func withInstance(ctx context.Context, inst *Instance) context.Context {
	return context.WithValue(ctx, instanceCtxKey{}, inst)
}

func instanceFrom(ctx context.Context) *Instance {
	inst, _ := ctx.Value(instanceCtxKey{}).(*Instance)
	return inst
}

// buildHostModule registers the flattened witmproxy:plugin/host imports
// against rt's shared wazero.Runtime. Every function here first resolves
// the calling Instance from ctx and debits its fuel-proxy budget. When the
// budget is exhausted (or no Instance is bound) a function skips its work
// and returns statusTrapped to the guest (log and annotate just return);
// the guest call itself is not aborted and ErrFuelExhausted is not raised.
func buildHostModule(ctx context.Context, rt wazero.Runtime, owner *Runtime) (wazero.CompiledModule, error) {
	builder := rt.NewHostModuleBuilder(HostModuleName)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
			inst := instanceFrom(ctx)
			if inst == nil || !inst.debitFuel(1) {
				return
			}
			level := readString(mod, levelPtr, levelLen)
			msg := readString(mod, msgPtr, msgLen)
			inst.imports.Logger.Log(inst.pluginID, level, msg)
		}).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) (ptr, length, status uint32) {
			inst := instanceFrom(ctx)
			if inst == nil || !inst.debitFuel(2) {
				return 0, 0, statusTrapped
			}
			key := readString(mod, keyPtr, keyLen)
			value, ok, err := inst.imports.Storage.Get(inst.pluginID, key)
			if err != nil {
				return 0, 0, statusError
			}
			if !ok {
				return 0, 0, statusNotFound
			}
			ptr, length, err = inst.writeBytes(ctx, mod, value)
			if err != nil {
				return 0, 0, statusError
			}
			return ptr, length, statusOK
		}).
		Export("storage_get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint32 {
			inst := instanceFrom(ctx)
			if inst == nil || !inst.debitFuel(2) {
				return statusTrapped
			}
			key := readString(mod, keyPtr, keyLen)
			value := readBytes(mod, valPtr, valLen)
			if err := inst.imports.Storage.Set(inst.pluginID, key, value); err != nil {
				return statusError
			}
			return statusOK
		}).
		Export("storage_set")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) uint32 {
			inst := instanceFrom(ctx)
			if inst == nil || !inst.debitFuel(2) {
				return statusTrapped
			}
			key := readString(mod, keyPtr, keyLen)
			if err := inst.imports.Storage.Delete(inst.pluginID, key); err != nil {
				return statusError
			}
			return statusOK
		}).
		Export("storage_delete")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32) {
			inst := instanceFrom(ctx)
			if inst == nil || !inst.debitFuel(1) {
				return
			}
			key := readString(mod, keyPtr, keyLen)
			val := readString(mod, valPtr, valLen)
			inst.imports.Annotator.Annotate(inst.pluginID, key, val)
		}).
		Export("annotate")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, capPtr, capLen uint32) (handle uint64, status uint32) {
			inst := instanceFrom(ctx)
			if inst == nil || !inst.debitFuel(4) {
				return 0, statusTrapped
			}
			capability := readString(mod, capPtr, capLen)
			handle, err := inst.imports.ProviderFactory.Provide(inst.pluginID, capability)
			if err != nil {
				return 0, statusError
			}
			return handle, statusOK
		}).
		Export("provide_capability")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, methodPtr, methodLen, urlPtr, urlLen, bodyPtr, bodyLen uint32) (ptr, length, httpStatus, status uint32) {
			inst := instanceFrom(ctx)
			if inst == nil || !inst.debitFuel(8) {
				return 0, 0, 0, statusTrapped
			}
			method := readString(mod, methodPtr, methodLen)
			url := readString(mod, urlPtr, urlLen)
			var body []byte
			if bodyLen > 0 {
				body = readBytes(mod, bodyPtr, bodyLen)
			}
			code, respBody, err := inst.imports.HTTPClient.Do(ctx, inst.pluginID, method, url, body)
			if err != nil {
				return 0, 0, 0, statusError
			}
			ptr, length, err = inst.writeBytes(ctx, mod, respBody)
			if err != nil {
				return 0, 0, 0, statusError
			}
			return ptr, length, uint32(code), statusOK
		}).
		Export("http_fetch")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, maxLen uint32) (ptr, length, status uint32) {
			inst := instanceFrom(ctx)
			if inst == nil || !inst.debitFuel(2) {
				return 0, 0, statusTrapped
			}
			if inst.bodyIn == nil {
				return 0, 0, statusNotFound
			}
			if inst.bodyIn.Len() == 0 {
				return 0, 0, statusEOF
			}
			chunk := make([]byte, minUint32(maxLen, uint32(inst.bodyIn.Len())))
			n, _ := inst.bodyIn.Read(chunk)
			ptr, length, err := inst.writeBytes(ctx, mod, chunk[:n])
			if err != nil {
				return 0, 0, statusError
			}
			return ptr, length, statusOK
		}).
		Export("body_read")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, chunkPtr, chunkLen uint32) uint32 {
			inst := instanceFrom(ctx)
			if inst == nil || !inst.debitFuel(2) {
				return statusTrapped
			}
			inst.bodyWritten = true
			if chunkLen > 0 {
				inst.bodyOut.Write(readBytes(mod, chunkPtr, chunkLen))
			}
			return statusOK
		}).
		Export("body_write")

	compiled, err := builder.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("wasmhost: compiling host module: %w", err)
	}
	return compiled, nil
}

// Status codes returned alongside a host import's data results, in lieu of
// a richer error ABI than the component model would otherwise provide.
const (
	statusOK       = 0
	statusNotFound = 1
	statusError    = 2
	statusTrapped  = 3
	statusEOF      = 4
)

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
