package proxyhandler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witmproxy/witmproxy/internal/httpevent"
)

func TestRequestToEventUsesTunnelBaseForOriginForm(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/path?x=1", nil)
	r.Host = "example.com"

	ev := requestToEvent(context.Background(), r, &url.URL{Scheme: "https", Host: "example.com:443"})
	assert.Equal(t, "https", ev.URL.Scheme)
	assert.Equal(t, "example.com:443", ev.URL.Host)
	assert.Equal(t, "/path", ev.URL.Path)
}

func TestRequestToEventPreservesAbsoluteURLForPlaintextProxy(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://upstream.example/path", nil)
	ev := requestToEvent(context.Background(), r, nil)
	assert.Equal(t, "upstream.example", ev.URL.Host)
}

func TestEventRequestToForwardStripsHopByHopHeaders(t *testing.T) {
	req := httpevent.NewRequest()
	req.Method = "GET"
	req.URL, _ = url.Parse("https://example.com/")
	req.Headers.Add("Connection", "keep-alive")
	req.Headers.Add("X-Keep", "1")

	fwd, err := eventRequestToForward(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, fwd.Header.Get("Connection"))
	assert.Equal(t, "1", fwd.Header.Get("X-Keep"))
}

func TestForwardResponseToEventCopiesStatusAndHeaders(t *testing.T) {
	fr := &ForwardResponse{
		StatusCode: 201,
		Proto:      "HTTP/1.1",
		Header:     http.Header{"X-A": {"1"}},
		Body:       io.NopCloser(strings.NewReader("body")),
	}
	ev := forwardResponseToEvent(context.Background(), fr)
	assert.Equal(t, 201, ev.StatusCode)
	assert.Equal(t, []string{"1"}, ev.Headers.Values("X-A"))
	require.NotNil(t, ev.Body)
}

func TestWriteEventResponseWritesStatusAndHeadersWithNilBody(t *testing.T) {
	resp := httpevent.NewResponse()
	resp.StatusCode = 200
	resp.Headers.Add("X-Out", "v")
	resp.Body = nil

	rec := httptest.NewRecorder()
	require.NoError(t, writeEventResponse(rec, resp))
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "v", rec.Header().Get("X-Out"))
}

func TestIsHopByHop(t *testing.T) {
	assert.True(t, isHopByHop("Connection"))
	assert.True(t, isHopByHop("Transfer-Encoding"))
	assert.False(t, isHopByHop("X-Custom"))
}
