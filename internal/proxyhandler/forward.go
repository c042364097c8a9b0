package proxyhandler

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/witmproxy/witmproxy/internal/bodystream"
	"github.com/witmproxy/witmproxy/internal/httpevent"
)

// ForwardRequest is the upstream-bound request after Request-event
// dispatch has applied any plugin mutation.
type ForwardRequest struct {
	Method  string
	URL     *url.URL
	Header  http.Header
	Body    io.ReadCloser
	Proto   string
	Context context.Context
}

// ForwardResponse is what came back from the origin, before Response-event
// dispatch runs.
type ForwardResponse struct {
	StatusCode int
	Proto      string
	Header     http.Header
	Body       io.ReadCloser
}

// HTTPTransport adapts *http.Transport to the Upstream interface,
// offering both ALPN protocols independently of whatever the downstream
// client negotiated (spec §4.2: "the upstream connection negotiates ALPN
// independently").
type HTTPTransport struct {
	Transport *http.Transport
}

// NewHTTPTransport builds the default upstream transport: system root
// trust store, both h2 and http/1.1 offered.
func NewHTTPTransport() *HTTPTransport {
	t := &http.Transport{
		ForceAttemptHTTP2: true,
	}
	return &HTTPTransport{Transport: t}
}

func (h *HTTPTransport) RoundTrip(ctx context.Context, fr *ForwardRequest) (*ForwardResponse, error) {
	req, err := http.NewRequestWithContext(ctx, fr.Method, fr.URL.String(), fr.Body)
	if err != nil {
		return nil, err
	}
	req.Header = fr.Header.Clone()

	resp, err := h.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	return &ForwardResponse{
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// requestToEvent builds an httpevent.Request from an inbound *http.Request.
// base supplies scheme/host for a MITM-tunneled request, whose Request-URI
// is origin-form (path only); a plaintext forward-proxy request already
// carries an absolute URL and base is nil.
func requestToEvent(ctx context.Context, r *http.Request, base *url.URL) *httpevent.Request {
	req := httpevent.NewRequest()
	req.Method = r.Method
	req.Proto = r.Proto
	req.RemoteAddr = r.RemoteAddr
	for k, values := range r.Header {
		for _, v := range values {
			req.Headers.Add(k, v)
		}
	}
	if r.Trailer != nil {
		for k, values := range r.Trailer {
			for _, v := range values {
				req.Trailers.Add(k, v)
			}
		}
	}

	u := *r.URL
	if base != nil {
		u.Scheme = base.Scheme
		u.Host = base.Host
	} else if u.Host == "" {
		u.Host = r.Host
	}
	req.URL = &u

	if r.Body != nil {
		encoding := bodystream.ParseEncoding(r.Header.Get("Content-Encoding"))
		req.Body = bodystream.New(ctx, r.Body, encoding)
	}
	return req
}

// eventRequestToForward converts a (possibly plugin-mutated) httpevent
// request into the upstream-bound ForwardRequest.
func eventRequestToForward(ctx context.Context, req *httpevent.Request) (*ForwardRequest, error) {
	header := make(http.Header)
	req.Headers.Range(func(key, value string) {
		if !isHopByHop(key) {
			header.Add(key, value)
		}
	})

	var body io.ReadCloser
	if req.Body != nil {
		r, err := req.Body.Reader()
		if err != nil {
			return nil, err
		}
		body = io.NopCloser(r)
	}

	return &ForwardRequest{
		Method:  req.Method,
		URL:     req.URL,
		Header:  header,
		Body:    body,
		Proto:   req.Proto,
		Context: ctx,
	}, nil
}

// forwardResponseToEvent converts the origin's response into an
// httpevent.Response for Response-event dispatch.
func forwardResponseToEvent(ctx context.Context, fr *ForwardResponse) *httpevent.Response {
	resp := httpevent.NewResponse()
	resp.StatusCode = fr.StatusCode
	resp.Proto = fr.Proto
	for k, values := range fr.Header {
		for _, v := range values {
			resp.Headers.Add(k, v)
		}
	}
	if fr.Body != nil {
		encoding := bodystream.ParseEncoding(fr.Header.Get("Content-Encoding"))
		resp.Body = bodystream.New(ctx, fr.Body, encoding)
	}
	return resp
}

// writeEventResponse writes an httpevent.Response (origin's, a plugin's
// synthetic response, or the InboundContent-transformed one) back to the
// client, streaming the body as it arrives so a slow client naturally
// back-pressures the upstream reader (spec §4.7's back-pressure note).
func writeEventResponse(w http.ResponseWriter, resp *httpevent.Response) error {
	header := w.Header()
	resp.Headers.Range(func(key, value string) {
		if !isHopByHop(key) {
			header.Add(key, value)
		}
	})
	w.WriteHeader(resp.StatusCode)

	if resp.Body == nil {
		return nil
	}
	r, err := resp.Body.Reader()
	if err != nil {
		return err
	}
	_, err = io.Copy(flushingWriter{w}, r)
	return err
}

// flushingWriter flushes after every write when the underlying
// ResponseWriter supports it, so streamed chunks reach the client as they
// arrive rather than waiting for a full buffer.
type flushingWriter struct{ w http.ResponseWriter }

func (f flushingWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}
