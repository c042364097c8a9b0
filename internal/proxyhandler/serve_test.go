package proxyhandler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/witmproxy/witmproxy/internal/dispatch"
	"github.com/witmproxy/witmproxy/internal/pluginapi"
)

// noCandidates is a dispatch.CandidateSource with nothing registered, so
// Dispatch is a pure pass-through: useful for exercising serveHTTP's
// forward/write-back plumbing without a real registry or wasm runtime.
type noCandidates struct{}

func (noCandidates) Candidates(pluginapi.EventKind) []*pluginapi.Plugin { return nil }

type fakeUpstream struct {
	status int
	body   string
	err    error
}

func (f *fakeUpstream) RoundTrip(ctx context.Context, req *ForwardRequest) (*ForwardResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ForwardResponse{
		StatusCode: f.status,
		Proto:      "HTTP/1.1",
		Header:     http.Header{"X-Upstream": {"1"}},
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

func newTestHandler(up Upstream) *Handler {
	d := dispatch.New(noCandidates{}, nil, zap.NewNop())
	return New(Options{Upstream: up, Dispatcher: d, Log: zap.NewNop()})
}

func TestServeHTTPForwardsAndStreamsUpstreamResponse(t *testing.T) {
	h := newTestHandler(&fakeUpstream{status: 200, body: "hello"})

	r := httptest.NewRequest(http.MethodGet, "http://upstream.example/path", nil)
	rec := httptest.NewRecorder()

	h.serveHTTP(rec, r, nil, zap.NewNop())

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "hello", rec.Body.String())
}

func TestServeHTTPReturnsBadGatewayOnUpstreamFailure(t *testing.T) {
	h := newTestHandler(&fakeUpstream{err: assert.AnError})

	r := httptest.NewRequest(http.MethodGet, "http://upstream.example/path", nil)
	rec := httptest.NewRecorder()

	h.serveHTTP(rec, r, nil, zap.NewNop())

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServeHTTPUsesTunnelForOriginFormRequests(t *testing.T) {
	h := newTestHandler(&fakeUpstream{status: 204})

	r := httptest.NewRequest(http.MethodGet, "/secure", nil)
	rec := httptest.NewRecorder()

	h.serveHTTP(rec, r, &tunnelInfo{host: "example.com", port: "443"}, zap.NewNop())

	require.Equal(t, 204, rec.Code)
}
