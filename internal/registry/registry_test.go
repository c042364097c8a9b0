package registry

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/witmproxy/witmproxy/internal/pluginapi"
)

func TestVerifySignatureRejectsWrongKeySize(t *testing.T) {
	err := verifySignature([]byte("too-short"), []byte("component"), []byte("sig"))
	require.Error(t, err)
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	component := []byte("guest component bytes")
	sig := ed25519.Sign(priv, component)

	require.NoError(t, verifySignature(pub, component, sig))
	assert.Error(t, verifySignature(pub, []byte("tampered"), sig))
}

func TestCompileCapabilitiesSkipsNonHandlerSelectors(t *testing.T) {
	manifest := pluginapi.PluginManifest{
		Capabilities: []pluginapi.ManifestCapability{
			{Kind: pluginapi.CapabilityKind{Service: pluginapi.ServiceLogger}},
			{Kind: pluginapi.HandleEventCapability(pluginapi.EventRequest), Expression: `event.method == "GET"`},
		},
	}
	caps, err := compileCapabilities(manifest)
	require.NoError(t, err)
	require.Len(t, caps, 2)
	assert.Nil(t, caps[0].Compiled)
	assert.NotNil(t, caps[1].Compiled)
}

func TestCompileCapabilitiesRejectsBadExpression(t *testing.T) {
	manifest := pluginapi.PluginManifest{
		Capabilities: []pluginapi.ManifestCapability{
			{Kind: pluginapi.HandleEventCapability(pluginapi.EventRequest), Expression: `event.method ==`},
		},
	}
	_, err := compileCapabilities(manifest)
	assert.Error(t, err)
}

// fakeCompiled satisfies compiledModule without depending on wazero.
type fakeCompiled struct{ closed bool }

func (f *fakeCompiled) Close(context.Context) error { f.closed = true; return nil }

func TestCandidatesOrderingAndEnabledFilter(t *testing.T) {
	r := &Registry{
		log:     zap.NewNop(),
		store:   NopStore{},
		plugins: make(map[string]*entry),
	}

	mkPlugin := func(id string, enabled bool, kinds ...pluginapi.EventKind) *pluginapi.Plugin {
		p := &pluginapi.Plugin{
			Manifest: pluginapi.PluginManifest{Namespace: "ns", Name: id},
			Enabled:  enabled,
		}
		for _, k := range kinds {
			p.Capabilities = append(p.Capabilities, pluginapi.Capability{Kind: pluginapi.HandleEventCapability(k)})
		}
		return p
	}

	add := func(p *pluginapi.Plugin) {
		r.order = append(r.order, p.ID())
		r.plugins[p.ID()] = &entry{plugin: p, compiled: &fakeCompiled{}}
	}

	add(mkPlugin("first", true, pluginapi.EventRequest))
	add(mkPlugin("second", false, pluginapi.EventRequest))
	add(mkPlugin("third", true, pluginapi.EventRequest, pluginapi.EventResponse))

	reqCandidates := r.Candidates(pluginapi.EventRequest)
	require.Len(t, reqCandidates, 2)
	assert.Equal(t, "ns/first", reqCandidates[0].ID())
	assert.Equal(t, "ns/third", reqCandidates[1].ID())

	respCandidates := r.Candidates(pluginapi.EventResponse)
	require.Len(t, respCandidates, 1)
	assert.Equal(t, "ns/third", respCandidates[0].ID())

	assert.Len(t, r.List(), 3)
}

func TestRemoveDeletesFromOrderAndMap(t *testing.T) {
	r := &Registry{
		log:     zap.NewNop(),
		store:   NopStore{},
		plugins: make(map[string]*entry),
	}
	p := &pluginapi.Plugin{Manifest: pluginapi.PluginManifest{Namespace: "ns", Name: "x"}, Enabled: true}
	r.order = append(r.order, p.ID())
	r.plugins[p.ID()] = &entry{plugin: p, compiled: &fakeCompiled{}}

	require.NoError(t, r.Remove(context.Background(), p.ID()))
	assert.Empty(t, r.List())
	assert.Empty(t, r.order)

	err := r.Remove(context.Background(), p.ID())
	assert.Error(t, err)
}
