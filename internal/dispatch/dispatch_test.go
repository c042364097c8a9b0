package dispatch

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witmproxy/witmproxy/internal/bodystream"
	"github.com/witmproxy/witmproxy/internal/httpevent"
	"github.com/witmproxy/witmproxy/internal/pluginapi"
	"github.com/witmproxy/witmproxy/internal/proxyerr"
	"github.com/witmproxy/witmproxy/internal/selector"
)

type fakeCandidates struct {
	byKind map[pluginapi.EventKind][]*pluginapi.Plugin
}

func (f *fakeCandidates) Candidates(kind pluginapi.EventKind) []*pluginapi.Plugin {
	return f.byKind[kind]
}

type fakeInvoker struct {
	responses map[string][]byte
	errs      map[string]error
	calls     []string
}

func (f *fakeInvoker) Invoke(_ context.Context, plugin *pluginapi.Plugin, _ pluginapi.EventKind, _ []byte) ([]byte, error) {
	f.calls = append(f.calls, plugin.ID())
	if err, ok := f.errs[plugin.ID()]; ok {
		return nil, err
	}
	return f.responses[plugin.ID()], nil
}

// fakeBodyInvoker stands in for WasmInvoker in tests that exercise
// InboundContent body streaming without a real wasm runtime: rewrite is
// applied to the decoded body exactly as a guest's body_read/body_write
// exchange would produce.
type fakeBodyInvoker struct {
	fakeInvoker
	rewrite func([]byte) []byte
}

func (f *fakeBodyInvoker) InvokeBody(_ context.Context, plugin *pluginapi.Plugin, _ pluginapi.EventKind, _ []byte, body []byte) ([]byte, []byte, bool, error) {
	f.calls = append(f.calls, plugin.ID())
	return []byte(`{"verdict":"next"}`), f.rewrite(body), true, nil
}

func mkPlugin(t *testing.T, id string, kind pluginapi.EventKind, expr string) *pluginapi.Plugin {
	t.Helper()
	capability := pluginapi.Capability{Kind: pluginapi.HandleEventCapability(kind)}
	if expr != "" {
		prg, err := selector.Compile(kind, expr)
		require.NoError(t, err)
		capability.Selector = expr
		capability.Compiled = prg
	}
	return &pluginapi.Plugin{
		Manifest:     pluginapi.PluginManifest{Namespace: "ns", Name: id},
		Enabled:      true,
		Capabilities: []pluginapi.Capability{capability},
	}
}

func requestEvent(method string) *httpevent.Event {
	req := httpevent.NewRequest()
	req.Method = method
	req.Proto = "HTTP/1.1"
	u, _ := url.Parse("https://example.com/")
	req.URL = u
	return httpevent.NewRequestEvent(req)
}

func TestDispatchSkipsNonMatchingSelector(t *testing.T) {
	p := mkPlugin(t, "a", pluginapi.EventRequest, `event.method == "POST"`)
	invoker := &fakeInvoker{}
	d := New(&fakeCandidates{byKind: map[pluginapi.EventKind][]*pluginapi.Plugin{pluginapi.EventRequest: {p}}}, invoker, nil)

	res, err := d.Dispatch(context.Background(), requestEvent("GET"))
	require.NoError(t, err)
	assert.Empty(t, res.Invoked)
	assert.Empty(t, invoker.calls)
}

func TestDispatchInvokesMatchingSelectorAndAppliesMutation(t *testing.T) {
	p := mkPlugin(t, "a", pluginapi.EventRequest, `event.method == "GET"`)
	invoker := &fakeInvoker{responses: map[string][]byte{
		"ns/a": []byte(`{"verdict":"next","event":{"kind":"request","request":{"method":"GET","url":"https://example.com/rewritten","proto":"HTTP/1.1","headers":{"X-Tag":["1"]}}}}`),
	}}
	d := New(&fakeCandidates{byKind: map[pluginapi.EventKind][]*pluginapi.Plugin{pluginapi.EventRequest: {p}}}, invoker, nil)

	res, err := d.Dispatch(context.Background(), requestEvent("GET"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ns/a"}, res.Invoked)
	assert.Equal(t, "/rewritten", res.Event.Request.URL.Path)
	assert.Equal(t, []string{"1"}, res.Event.Request.Headers.Values("X-Tag"))
}

func TestDispatchDoneStopsEarly(t *testing.T) {
	first := mkPlugin(t, "first", pluginapi.EventRequest, "")
	second := mkPlugin(t, "second", pluginapi.EventRequest, "")
	invoker := &fakeInvoker{responses: map[string][]byte{
		"ns/first": []byte(`{"verdict":"done"}`),
	}}
	d := New(&fakeCandidates{byKind: map[pluginapi.EventKind][]*pluginapi.Plugin{
		pluginapi.EventRequest: {first, second},
	}}, invoker, nil)

	res, err := d.Dispatch(context.Background(), requestEvent("GET"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ns/first"}, res.Invoked)
	assert.Equal(t, []string{"ns/first"}, invoker.calls)
}

func TestDispatchRequestHandlerShortCircuitsWithResponse(t *testing.T) {
	p := mkPlugin(t, "a", pluginapi.EventRequest, "")
	invoker := &fakeInvoker{responses: map[string][]byte{
		"ns/a": []byte(`{"verdict":"done","event":{"kind":"response","response":{"status_code":403,"proto":"HTTP/1.1","headers":{}}}}`),
	}}
	d := New(&fakeCandidates{byKind: map[pluginapi.EventKind][]*pluginapi.Plugin{pluginapi.EventRequest: {p}}}, invoker, nil)

	res, err := d.Dispatch(context.Background(), requestEvent("GET"))
	require.NoError(t, err)
	require.NotNil(t, res.Event.Response)
	assert.Nil(t, res.Event.Request)
	assert.Equal(t, 403, res.Event.Response.StatusCode)
}

func TestDispatchConnectAllowDeny(t *testing.T) {
	p := mkPlugin(t, "a", pluginapi.EventConnect, "")
	invoker := &fakeInvoker{responses: map[string][]byte{
		"ns/a": []byte(`{"verdict":"done","allow":false}`),
	}}
	connectEv := httpevent.NewConnectEvent("example.com", "443", nil)
	d := New(&fakeCandidates{byKind: map[pluginapi.EventKind][]*pluginapi.Plugin{pluginapi.EventConnect: {p}}}, invoker, nil)

	res, err := d.Dispatch(context.Background(), connectEv)
	require.NoError(t, err)
	require.NotNil(t, res.ConnectAllow)
	assert.False(t, *res.ConnectAllow)
}

func TestDispatchPluginRuntimeFailureIsIsolated(t *testing.T) {
	failing := mkPlugin(t, "failing", pluginapi.EventRequest, "")
	ok := mkPlugin(t, "ok", pluginapi.EventRequest, "")
	invoker := &fakeInvoker{
		errs:      map[string]error{"ns/failing": errors.Join(errors.New("boom"), proxyerr.ErrGuestTrap)},
		responses: map[string][]byte{"ns/ok": []byte(`{"verdict":"next"}`)},
	}
	d := New(&fakeCandidates{byKind: map[pluginapi.EventKind][]*pluginapi.Plugin{
		pluginapi.EventRequest: {failing, ok},
	}}, invoker, nil)

	res, err := d.Dispatch(context.Background(), requestEvent("GET"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ns/ok"}, res.Invoked)
}

func TestDispatchInboundContentRewritesGzippedHTMLBody(t *testing.T) {
	p := mkPlugin(t, "style", pluginapi.EventInboundContent, `event.content_type.startsWith("text/html")`)
	invoker := &fakeBodyInvoker{rewrite: func(body []byte) []byte {
		return bytes.Replace(body, []byte("<head>"), []byte("<head><style>body{color:red}</style>"), 1)
	}}

	var gzBody bytes.Buffer
	gz := gzip.NewWriter(&gzBody)
	_, err := gz.Write([]byte("<html><head></head><body/></html>"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	resp := httpevent.NewResponse()
	resp.StatusCode = 200
	resp.Headers.Set("Content-Type", "text/html; charset=utf-8")
	resp.Headers.Set("Content-Encoding", "gzip")
	resp.Body = bodystream.New(context.Background(), io.NopCloser(bytes.NewReader(gzBody.Bytes())), bodystream.EncodingGzip)

	d := New(&fakeCandidates{byKind: map[pluginapi.EventKind][]*pluginapi.Plugin{
		pluginapi.EventInboundContent: {p},
	}}, invoker, nil)

	res, err := d.Dispatch(context.Background(), httpevent.NewInboundContentEvent(resp))
	require.NoError(t, err)
	assert.Equal(t, []string{"ns/style"}, res.Invoked)

	out := res.Event.InboundContent.Response
	require.NotNil(t, out.Body)
	assert.Equal(t, bodystream.EncodingGzip, out.Body.Encoding())

	decoded, err := out.Body.Decoded()
	require.NoError(t, err)
	plain, err := io.ReadAll(decoded)
	require.NoError(t, err)
	require.NoError(t, decoded.Close())

	assert.Equal(t, "<html><head><style>body{color:red}</style></head><body/></html>", string(plain))
	assert.Equal(t, "gzip", out.Headers.Get("Content-Encoding"))
	assert.NotEmpty(t, out.Headers.Get("Content-Length"))
}

func TestDispatchInvalidOutputShapeIsError(t *testing.T) {
	p := mkPlugin(t, "a", pluginapi.EventResponse, "")
	invoker := &fakeInvoker{responses: map[string][]byte{
		"ns/a": []byte(`{"verdict":"next","event":{"kind":"request","request":{"method":"GET","url":"","proto":"","headers":{}}}}`),
	}}
	resp := httpevent.NewResponse()
	resp.StatusCode = 200
	ev := httpevent.NewResponseEvent(resp)
	d := New(&fakeCandidates{byKind: map[pluginapi.EventKind][]*pluginapi.Plugin{pluginapi.EventResponse: {p}}}, invoker, nil)

	_, err := d.Dispatch(context.Background(), ev)
	assert.Error(t, err)
}
