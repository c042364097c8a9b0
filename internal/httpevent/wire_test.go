package httpevent

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalRequestEventRoundTrip(t *testing.T) {
	req := NewRequest()
	req.Method = "POST"
	req.Proto = "HTTP/1.1"
	req.Headers.Add("X-A", "1")
	u, _ := url.Parse("https://example.com/path")
	req.URL = u

	raw, err := NewRequestEvent(req).Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kind":"request"`)
	assert.Contains(t, string(raw), `"method":"POST"`)
}

func TestUnmarshalGuestReturnEmptyIsSkip(t *testing.T) {
	gr, err := UnmarshalGuestReturn(nil)
	require.NoError(t, err)
	assert.Equal(t, VerdictSkip, gr.Verdict)
}

func TestUnmarshalGuestReturnDecodesVerdictAndEvent(t *testing.T) {
	raw := []byte(`{"verdict":"done","event":{"kind":"request","request":{"method":"HEAD","url":"","proto":"","headers":{}}}}`)
	gr, err := UnmarshalGuestReturn(raw)
	require.NoError(t, err)
	assert.Equal(t, VerdictDone, gr.Verdict)
	require.NotNil(t, gr.Event)
	assert.Equal(t, "HEAD", gr.Event.Request.Method)
}

func TestApplyWireMutationRewritesRequestInPlace(t *testing.T) {
	req := NewRequest()
	req.Method = "GET"
	u, _ := url.Parse("https://example.com/")
	req.URL = u
	ev := NewRequestEvent(req)

	ApplyWireMutation(ev, &WireEvent{Request: &WireRequest{
		Method:  "PUT",
		URL:     "https://example.com/changed",
		Headers: map[string][]string{"X-New": {"v"}},
	}})

	assert.Equal(t, "PUT", ev.Request.Method)
	assert.Equal(t, "/changed", ev.Request.URL.Path)
	assert.Equal(t, []string{"v"}, ev.Request.Headers.Values("X-New"))
}

func TestApplyWireMutationIgnoresMismatchedKind(t *testing.T) {
	resp := NewResponse()
	resp.StatusCode = 200
	ev := NewResponseEvent(resp)

	ApplyWireMutation(ev, &WireEvent{Request: &WireRequest{Method: "GET"}})
	assert.Equal(t, 200, ev.Response.StatusCode)
}
