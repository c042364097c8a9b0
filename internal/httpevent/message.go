// Package httpevent defines the in-process representation of the four event
// kinds a plugin may observe: Connect, Request, Response, and
// InboundContent, together with the Request/Response message shapes they
// carry. These are the host-side types; internal/wasmhost marshals them
// across the guest boundary and internal/selector exposes them to CEL
// activations.
package httpevent

import (
	"net/url"

	"github.com/witmproxy/witmproxy/internal/bodystream"
)

// Request is a mutable HTTP request message as seen by the dispatcher and
// by plugins with a HandleEvent(request) capability.
type Request struct {
	Method  string
	URL     *url.URL
	Proto   string // "HTTP/1.1" or "HTTP/2.0", the downstream-negotiated protocol
	Headers *Headers
	Trailers *Headers
	Body    *bodystream.Stream

	// RemoteAddr is the downstream client's address, for logging/annotation;
	// never exposed to guest selectors as a match field (spec §4.5 keeps
	// selector inputs limited to protocol-visible fields).
	RemoteAddr string
}

// Clone returns a shallow copy of r suitable for a plugin that wants to
// inspect headers without a shared-mutation hazard on the Headers multimap.
// The Body stream is NOT cloned (streams are one-shot, spec §4.8) and is
// shared by reference.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	if r.URL != nil {
		u := *r.URL
		out.URL = &u
	}
	out.Headers = r.Headers.Clone()
	out.Trailers = r.Trailers.Clone()
	return &out
}

// Response is a mutable HTTP response message as seen by the dispatcher and
// by plugins with a HandleEvent(response) capability, or synthesized by a
// HandleEvent(request) plugin to short-circuit the request (spec §4.6).
type Response struct {
	StatusCode int
	Proto      string
	Headers    *Headers
	Trailers   *Headers
	Body       *bodystream.Stream
}

// Clone returns a shallow copy of resp; see Request.Clone for Body semantics.
func (resp *Response) Clone() *Response {
	if resp == nil {
		return nil
	}
	out := *resp
	out.Headers = resp.Headers.Clone()
	out.Trailers = resp.Trailers.Clone()
	return &out
}

// NewRequest builds an empty Request with initialized Headers/Trailers.
func NewRequest() *Request {
	return &Request{Headers: NewHeaders(), Trailers: NewHeaders()}
}

// NewResponse builds an empty Response with initialized Headers/Trailers.
func NewResponse() *Response {
	return &Response{Headers: NewHeaders(), Trailers: NewHeaders()}
}
