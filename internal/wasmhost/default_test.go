package wasmhost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/witmproxy/witmproxy/internal/pluginapi"
)

func TestMemoryStorageRoundTrips(t *testing.T) {
	s := NewMemoryStorage()

	_, ok, err := s.Get("plugin-a", "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("plugin-a", "k", []byte("v1")))
	value, ok, err := s.Get("plugin-a", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), value)

	require.NoError(t, s.Delete("plugin-a", "k"))
	_, ok, err = s.Get("plugin-a", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStorageScopesByPluginID(t *testing.T) {
	s := NewMemoryStorage()

	require.NoError(t, s.Set("plugin-a", "k", []byte("a")))
	require.NoError(t, s.Set("plugin-b", "k", []byte("b")))

	va, _, _ := s.Get("plugin-a", "k")
	vb, _, _ := s.Get("plugin-b", "k")
	assert.Equal(t, []byte("a"), va)
	assert.Equal(t, []byte("b"), vb)
}

func TestDenyStorageAlwaysDenies(t *testing.T) {
	var s DenyStorage

	_, _, err := s.Get("p", "k")
	assert.ErrorIs(t, err, errCapabilityDenied)
	assert.ErrorIs(t, s.Set("p", "k", nil), errCapabilityDenied)
	assert.ErrorIs(t, s.Delete("p", "k"), errCapabilityDenied)
}

func TestZapLoggerDoesNotPanicOnUnknownLevel(t *testing.T) {
	l := NewZapLogger(zap.NewNop())
	assert.NotPanics(t, func() {
		l.Log("plugin-a", "not-a-level", "hello")
		l.Log("plugin-a", "warn", "hello")
	})
}

func TestAnnotatorOnlyProviderFactoryGrantsAnnotatorOnly(t *testing.T) {
	f := NewAnnotatorOnlyProviderFactory()

	handle, err := f.Provide("plugin-a", "annotator")
	require.NoError(t, err)
	assert.NotZero(t, handle)

	_, err = f.Provide("plugin-a", "local-storage")
	assert.ErrorIs(t, err, errCapabilityDenied)
}

func TestDefaultHTTPClientRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewDefaultHTTPClient(srv.Client(), 0)
	status, body, err := c.Do(context.Background(), "plugin-a", http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, status)
	assert.Equal(t, "ok", string(body))
}

func TestDenyHTTPClientAlwaysDenies(t *testing.T) {
	var c DenyHTTPClient
	_, _, err := c.Do(context.Background(), "plugin-a", http.MethodGet, "http://example.com", nil)
	assert.ErrorIs(t, err, errCapabilityDenied)
}

func TestScopeImportsDeniesUndeclaredServices(t *testing.T) {
	base := HostImports{
		Logger:    NewZapLogger(zap.NewNop()),
		Storage:   NewMemoryStorage(),
		Annotator: NewZapAnnotator(zap.NewNop()),
	}
	plugin := &pluginapi.Plugin{
		Capabilities: []pluginapi.Capability{
			{Kind: pluginapi.CapabilityKind{Service: pluginapi.ServiceLogger}},
		},
	}

	scoped := ScopeImports(base, plugin)

	assert.IsType(t, &ZapLogger{}, scoped.Logger)
	assert.IsType(t, DenyStorage{}, scoped.Storage)
	assert.IsType(t, DenyAnnotator{}, scoped.Annotator)
}

func TestScopeImportsGrantsEveryDeclaredService(t *testing.T) {
	base := HostImports{
		Logger:    NewZapLogger(zap.NewNop()),
		Storage:   NewMemoryStorage(),
		Annotator: NewZapAnnotator(zap.NewNop()),
	}
	plugin := &pluginapi.Plugin{
		Capabilities: []pluginapi.Capability{
			{Kind: pluginapi.CapabilityKind{Service: pluginapi.ServiceLogger}},
			{Kind: pluginapi.CapabilityKind{Service: pluginapi.ServiceLocalStorage}},
			{Kind: pluginapi.CapabilityKind{Service: pluginapi.ServiceAnnotator}},
		},
	}

	scoped := ScopeImports(base, plugin)

	assert.Same(t, base.Logger, scoped.Logger)
	assert.Same(t, base.Storage, scoped.Storage)
	assert.Same(t, base.Annotator, scoped.Annotator)
}
