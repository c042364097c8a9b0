// Package registry is the in-memory plugin catalog: register, remove,
// list, and candidates() queries over installed plugins, keyed by
// "namespace/name" (spec §4.3, §4.9). It verifies a manifest's ed25519
// signature and compiles each capability's selector expression once, at
// registration time, so the dispatcher never re-verifies or re-compiles
// per request. Grounded on the original Rust implementation's
// plugins/registry.rs (PluginRegistry::register_plugin upserting into a
// HashMap keyed by plugin ID) and plugins/mod.rs.
package registry

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/witmproxy/witmproxy/internal/pluginapi"
	"github.com/witmproxy/witmproxy/internal/proxyerr"
	"github.com/witmproxy/witmproxy/internal/selector"
	"github.com/witmproxy/witmproxy/internal/wasmhost"
)

// CatalogStore is the persistence collaborator a Registry upserts into on
// every register/remove call. Spec §1 places the database itself
// out-of-scope as an external collaborator; Registry depends only on this
// narrow interface so swapping in a real store never touches dispatch
// logic. NopStore is the zero-dependency default.
type CatalogStore interface {
	Upsert(ctx context.Context, p *pluginapi.Plugin) error
	Remove(ctx context.Context, id string) error
}

// NopStore is a CatalogStore that persists nothing; the registry still
// behaves correctly in-memory, per spec's catalog semantics, with no
// durability across restarts.
type NopStore struct{}

func (NopStore) Upsert(context.Context, *pluginapi.Plugin) error { return nil }
func (NopStore) Remove(context.Context, string) error            { return nil }

// Registry is the in-memory, concurrency-safe plugin catalog.
type Registry struct {
	log   *zap.Logger
	rt    *wasmhost.Runtime
	store CatalogStore

	mu      sync.RWMutex
	order   []string // registration order, for deterministic candidates()
	plugins map[string]*entry
}

type entry struct {
	plugin *pluginapi.Plugin
	// compiled is a wazero.CompiledModule in production; typed `any` so
	// tests can stand in a narrower fake that only implements Close,
	// without needing real wasm bytes to compile against.
	compiled any
}

// compiledModule is the minimal surface this file needs directly
// (releasing resources); CompiledFor's caller type-asserts the wider
// wazero.CompiledModule it actually needs to instantiate.
type compiledModule = interface {
	Close(ctx context.Context) error
}

func closeCompiled(ctx context.Context, c any) error {
	if closer, ok := c.(compiledModule); ok {
		return closer.Close(ctx)
	}
	return nil
}

// New builds an empty Registry backed by rt for manifest extraction and
// store for persistence. store may be NopStore{}.
func New(rt *wasmhost.Runtime, store CatalogStore, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if store == nil {
		store = NopStore{}
	}
	return &Registry{
		log:     log.Named("registry"),
		rt:      rt,
		store:   store,
		plugins: make(map[string]*entry),
	}
}

// Register instantiates component once to call manifest(), verifies
// component's signature against the returned manifest's PublicKey,
// compiles each capability's selector expression, and
// upserts the result into the catalog keyed by "namespace/name" (spec
// §4.3, §4.9's upsert semantics: registering an existing ID replaces it in
// place, keeping its original registration-order slot).
func (r *Registry) Register(ctx context.Context, component []byte, signature []byte, imports wasmhost.HostImports, limits wasmhost.Limits) (*pluginapi.Plugin, error) {
	digest := pluginapi.DigestBytes(component)

	compiled, err := r.rt.CompileComponent(ctx, component)
	if err != nil {
		return nil, err
	}

	probe, err := r.rt.NewInstance(ctx, "registering:"+digest.String(), compiled, imports, limits)
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}
	manifest, err := probe.Manifest(ctx)
	probe.Close(ctx)
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	if err := verifySignature(manifest.PublicKey, component, signature); err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	capabilities, err := compileCapabilities(manifest)
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	plugin := &pluginapi.Plugin{
		Manifest:     manifest,
		ComponentSHA: digest,
		Component:    component,
		Capabilities: capabilities,
		Enabled:      true,
	}

	if err := r.store.Upsert(ctx, plugin); err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("registry: persisting %s: %w", plugin.ID(), err)
	}

	r.mu.Lock()
	id := plugin.ID()
	if old, exists := r.plugins[id]; exists {
		closeCompiled(ctx, old.compiled)
	} else {
		r.order = append(r.order, id)
	}
	r.plugins[id] = &entry{plugin: plugin, compiled: compiled}
	r.mu.Unlock()

	r.log.Info("registered plugin",
		zap.String("id", id),
		zap.String("version", manifest.Version),
		zap.Int("capabilities", len(capabilities)),
	)
	return plugin, nil
}

// Remove deletes id from the catalog, releasing its compiled module.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.plugins[id]
	if ok {
		delete(r.plugins, id)
		for i, o := range r.order {
			if o == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("registry: no plugin registered with id %q", id)
	}
	if err := r.store.Remove(ctx, id); err != nil {
		r.log.Warn("failed to remove plugin from store", zap.String("id", id), zap.Error(err))
	}
	return closeCompiled(ctx, e.compiled)
}

// List returns every registered plugin, in registration order.
func (r *Registry) List() []*pluginapi.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*pluginapi.Plugin, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.plugins[id].plugin)
	}
	return out
}

// Candidates returns the enabled plugins declaring a HandleEvent(kind)
// capability, in registration order, per spec §4.6's ordered-dispatch
// invariant.
func (r *Registry) Candidates(kind pluginapi.EventKind) []*pluginapi.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*pluginapi.Plugin, 0)
	for _, id := range r.order {
		e := r.plugins[id]
		if e.plugin.Enabled && e.plugin.HandlesEvent(kind) {
			out = append(out, e.plugin)
		}
	}
	return out
}

// CompiledFor returns the wazero.CompiledModule backing a registered
// plugin ID, for an Invoker to instantiate fresh wasmhost.Instances from
// (spec §5: each guest invocation gets a fresh store).
func (r *Registry) CompiledFor(id string) (wazero.CompiledModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.plugins[id]
	if !ok {
		return nil, false
	}
	compiled, ok := e.compiled.(wazero.CompiledModule)
	return compiled, ok
}

func verifySignature(pubKey, component, signature []byte) error {
	if len(pubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: manifest public key is %d bytes, want %d", proxyerr.ErrPluginInvalid, len(pubKey), ed25519.PublicKeySize)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubKey), component, signature) {
		return fmt.Errorf("%w: component signature verification failed", proxyerr.ErrPluginInvalid)
	}
	return nil
}

func compileCapabilities(manifest pluginapi.PluginManifest) ([]pluginapi.Capability, error) {
	capabilities := make([]pluginapi.Capability, 0, len(manifest.Capabilities))
	for _, mc := range manifest.Capabilities {
		capability := pluginapi.Capability{Kind: mc.Kind, Selector: mc.Expression}
		if mc.Kind.IsHandler() && mc.Expression != "" {
			prg, err := selector.Compile(*mc.Kind.HandleEvent, mc.Expression)
			if err != nil {
				return nil, fmt.Errorf("%w: capability %s: %v", proxyerr.ErrPluginInvalid, mc.Kind, err)
			}
			capability.Compiled = prg
		}
		capabilities = append(capabilities, capability)
	}
	return capabilities, nil
}
