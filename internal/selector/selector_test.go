package selector

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witmproxy/witmproxy/internal/httpevent"
	"github.com/witmproxy/witmproxy/internal/pluginapi"
)

func TestCompileRejectsNonBoolExpression(t *testing.T) {
	_, err := Compile(pluginapi.EventRequest, `event.method`)
	require.Error(t, err)
}

func TestCompileRejectsSyntaxError(t *testing.T) {
	_, err := Compile(pluginapi.EventRequest, `event.method ==`)
	require.Error(t, err)
}

func TestEvalRequestMethodMatch(t *testing.T) {
	prg, err := Compile(pluginapi.EventRequest, `event.method == "POST"`)
	require.NoError(t, err)

	req := httpevent.NewRequest()
	req.Method = "POST"
	u, _ := url.Parse("https://example.com/x")
	req.URL = u

	ok, err := prg.Eval(context.Background(), httpevent.NewRequestEvent(req))
	require.NoError(t, err)
	assert.True(t, ok)

	req.Method = "GET"
	ok, err = prg.Eval(context.Background(), httpevent.NewRequestEvent(req))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalRequestHeaderMembership(t *testing.T) {
	prg, err := Compile(pluginapi.EventRequest, `"application/json" in event.headers["Accept"]`)
	require.NoError(t, err)

	req := httpevent.NewRequest()
	req.Headers.Add("Accept", "application/json")
	u, _ := url.Parse("https://example.com/")
	req.URL = u

	ok, err := prg.Eval(context.Background(), httpevent.NewRequestEvent(req))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalConnectHostSuffix(t *testing.T) {
	prg, err := Compile(pluginapi.EventConnect, `event.host.endsWith(".example.com")`)
	require.NoError(t, err)

	ev := httpevent.NewConnectEvent("api.example.com", "443", nil)
	ok, err := prg.Eval(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalResponseStatusCode(t *testing.T) {
	prg, err := Compile(pluginapi.EventResponse, `event.status_code >= 500`)
	require.NoError(t, err)

	resp := httpevent.NewResponse()
	resp.StatusCode = 502
	ok, err := prg.Eval(context.Background(), httpevent.NewResponseEvent(resp))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalMismatchedKindErrors(t *testing.T) {
	prg, err := Compile(pluginapi.EventRequest, `event.method == "GET"`)
	require.NoError(t, err)

	_, err = prg.Eval(context.Background(), httpevent.NewConnectEvent("h", "443", nil))
	require.Error(t, err)
}

func TestAsProgramRoundTrip(t *testing.T) {
	prg, err := Compile(pluginapi.EventRequest, `true`)
	require.NoError(t, err)

	var compiled any = prg
	got, ok := AsProgram(compiled)
	require.True(t, ok)
	assert.Same(t, prg, got)

	_, ok = AsProgram("not a program")
	assert.False(t, ok)
}
