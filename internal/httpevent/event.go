package httpevent

import (
	"fmt"
	"net"

	"github.com/witmproxy/witmproxy/internal/pluginapi"
)

// Kind is an alias so callers of this package don't need to also import
// pluginapi just to name an event kind.
type Kind = pluginapi.EventKind

const (
	KindConnect         = pluginapi.EventConnect
	KindRequest         = pluginapi.EventRequest
	KindResponse        = pluginapi.EventResponse
	KindInboundContent  = pluginapi.EventInboundContent
)

// ConnectEvent carries the data visible when a client issues CONNECT
// host:port, before any TLS handshake has happened. A plugin with a
// HandleEvent(connect) capability may only allow or deny the tunnel (spec
// §4.6); it cannot rewrite host/port or inject a response body.
type ConnectEvent struct {
	Host       string
	Port       string
	RemoteAddr net.Addr
}

// Event is a tagged union over the four event kinds, modeled as a struct
// with pointer discriminants rather than an interface so the dispatcher can
// switch on exactly one active field without a type switch losing
// exhaustiveness checking at compile time (only one of the four may be
// non-nil at once).
type Event struct {
	Connect         *ConnectEvent
	Request         *Request
	Response        *Response
	InboundContent  *InboundContentEvent
}

// InboundContentEvent carries the response body about to be streamed back
// to the downstream client, after all HandleEvent(response) plugins have
// run. A plugin with this capability may replace the body stream only; it
// may not touch status code or headers (spec §4.6, §4.8.3) other than
// Content-Length/Content-Encoding bookkeeping the dispatcher itself updates.
type InboundContentEvent struct {
	Response *Response
}

// Kind reports which of the four event kinds e carries.
func (e *Event) Kind() Kind {
	switch {
	case e.Connect != nil:
		return KindConnect
	case e.Request != nil:
		return KindRequest
	case e.Response != nil:
		return KindResponse
	case e.InboundContent != nil:
		return KindInboundContent
	default:
		panic("httpevent: empty Event has no Kind")
	}
}

// NewConnectEvent builds an Event carrying a ConnectEvent.
func NewConnectEvent(host, port string, remote net.Addr) *Event {
	return &Event{Connect: &ConnectEvent{Host: host, Port: port, RemoteAddr: remote}}
}

// NewRequestEvent builds an Event carrying req.
func NewRequestEvent(req *Request) *Event {
	return &Event{Request: req}
}

// NewResponseEvent builds an Event carrying resp.
func NewResponseEvent(resp *Response) *Event {
	return &Event{Response: resp}
}

// NewInboundContentEvent builds an Event carrying resp as the about-to-be
// streamed InboundContent body.
func NewInboundContentEvent(resp *Response) *Event {
	return &Event{InboundContent: &InboundContentEvent{Response: resp}}
}

// ValidateOutput enforces the per-event-kind rule for what shape of data a
// guest's Next(...) return may carry, per spec §4.6's mutation table and
// the Rust original's EventKind::validate_output:
//
//   - Connect:        guest may not return replacement event data at all.
//   - Request:        guest may return either a Request (mutated) or a
//                      Response (to short-circuit, skipping the upstream
//                      round trip entirely).
//   - Response:       guest may only return a Response.
//   - InboundContent: guest may only return an InboundContent replacement
//                      body, via a Response carrying just a new Body.
//
// out is the Event the guest's Next(...) return decoded to; in is the
// in-kind the dispatcher invoked the plugin for. A nil out is always valid
// (the guest chose not to replace anything).
func ValidateOutput(in Kind, out *Event) error {
	if out == nil {
		return nil
	}
	switch in {
	case KindConnect:
		return fmt.Errorf("%w: connect handlers must not return replacement event data", errInvalidReturn)
	case KindRequest:
		if out.Request != nil || out.Response != nil {
			return nil
		}
		return fmt.Errorf("%w: request handlers may only return a Request or a Response", errInvalidReturn)
	case KindResponse:
		if out.Response != nil {
			return nil
		}
		return fmt.Errorf("%w: response handlers may only return a Response", errInvalidReturn)
	case KindInboundContent:
		if out.InboundContent != nil {
			return nil
		}
		return fmt.Errorf("%w: inbound-content handlers may only return an InboundContent body", errInvalidReturn)
	default:
		return fmt.Errorf("%w: unknown event kind %v", errInvalidReturn, in)
	}
}
