package httpevent

import (
	"encoding/json"
	"fmt"
)

// Wire types are the JSON shape crossing the host/guest boundary (spec
// §4.4's plugin ABI). They carry only the metadata a guest is allowed to
// see and mutate — method, URL, proto, status code, headers — never the
// body stream itself (bodies are forward-only and flow through the
// separate InboundContent streaming path, not JSON).

type WireConnect struct {
	Host       string `json:"host"`
	Port       string `json:"port"`
	RemoteAddr string `json:"remote_addr,omitempty"`
}

type WireRequest struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Proto   string              `json:"proto"`
	Headers map[string][]string `json:"headers"`
}

type WireResponse struct {
	StatusCode int                 `json:"status_code"`
	Proto      string              `json:"proto"`
	Headers    map[string][]string `json:"headers"`
}

// WireEvent is the tagged-union JSON envelope for an Event, and also for a
// guest's replacement event data on a Next/Done return.
type WireEvent struct {
	Kind     string        `json:"kind"`
	Connect  *WireConnect  `json:"connect,omitempty"`
	Request  *WireRequest  `json:"request,omitempty"`
	Response *WireResponse `json:"response,omitempty"`
}

// Verdict is a guest's dispatch decision for the event it was just handed.
type Verdict string

const (
	// VerdictNext means continue to the next candidate plugin, applying any
	// mutation the guest returned first.
	VerdictNext Verdict = "next"
	// VerdictDone means apply any mutation and stop invoking further
	// plugins for this event.
	VerdictDone Verdict = "done"
	// VerdictSkip means this plugin declined to act; no mutation is
	// applied and dispatch continues to the next candidate.
	VerdictSkip Verdict = "skip"
)

// GuestReturn is a guest's handle() JSON return payload.
type GuestReturn struct {
	Verdict Verdict    `json:"verdict"`
	Allow   *bool      `json:"allow,omitempty"` // Connect only: nil means "no opinion"
	Event   *WireEvent `json:"event,omitempty"`
}

// ToWire flattens ev into its wire representation for marshaling to a
// guest.
func (e *Event) ToWire() *WireEvent {
	switch e.Kind() {
	case KindConnect:
		return &WireEvent{Kind: "connect", Connect: &WireConnect{
			Host: e.Connect.Host, Port: e.Connect.Port, RemoteAddr: remoteAddrString(e.Connect),
		}}
	case KindRequest:
		return &WireEvent{Kind: "request", Request: requestToWire(e.Request)}
	case KindResponse:
		return &WireEvent{Kind: "response", Response: responseToWire(e.Response)}
	case KindInboundContent:
		return &WireEvent{Kind: "inbound_content", Response: responseToWire(e.InboundContent.Response)}
	default:
		return &WireEvent{Kind: "unknown"}
	}
}

func remoteAddrString(c *ConnectEvent) string {
	if c.RemoteAddr == nil {
		return ""
	}
	return c.RemoteAddr.String()
}

func requestToWire(r *Request) *WireRequest {
	w := &WireRequest{Method: r.Method, Proto: r.Proto, Headers: r.Headers.ToMultimap()}
	if r.URL != nil {
		w.URL = r.URL.String()
	}
	return w
}

func responseToWire(r *Response) *WireResponse {
	return &WireResponse{StatusCode: r.StatusCode, Proto: r.Proto, Headers: r.Headers.ToMultimap()}
}

// Marshal encodes ev as the JSON payload handed to a guest's handle() call.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e.ToWire())
}

// UnmarshalGuestReturn decodes a guest's raw handle() JSON result. A nil or
// empty raw decodes to a GuestReturn{Verdict: VerdictSkip}.
func UnmarshalGuestReturn(raw []byte) (*GuestReturn, error) {
	if len(raw) == 0 {
		return &GuestReturn{Verdict: VerdictSkip}, nil
	}
	var gr GuestReturn
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, err
	}
	if gr.Verdict == "" {
		gr.Verdict = VerdictSkip
	}
	return &gr, nil
}

// ValidateWireOutput applies the same per-event-kind rule ValidateOutput
// enforces, directly to a guest's raw WireEvent return (before it's been
// applied onto the host-side Event), since a GuestReturn's Event field is
// wire-shaped JSON, not the host's tagged-union Event.
func ValidateWireOutput(in Kind, out *WireEvent) error {
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
		if out.Response != nil {
			return nil
		}
		return fmt.Errorf("%w: inbound-content handlers may only return a replacement body", errInvalidReturn)
	default:
		return fmt.Errorf("%w: unknown event kind %v", errInvalidReturn, in)
	}
}

// ApplyWireMutation rewrites the headers/method/url/status-code fields of
// the Request or Response embedded in target (in place, preserving Body
// and Trailers which never cross the wire) from a guest's replacement
// WireEvent. It does not change target's Kind.
func ApplyWireMutation(target *Event, replacement *WireEvent) {
	if replacement == nil {
		return
	}
	switch {
	case target.Request != nil && replacement.Request != nil:
		applyRequestWire(target.Request, replacement.Request)
	case target.Response != nil && replacement.Response != nil:
		applyResponseWire(target.Response, replacement.Response)
	case target.InboundContent != nil && replacement.Response != nil:
		applyResponseWire(target.InboundContent.Response, replacement.Response)
	}
}

func applyRequestWire(r *Request, w *WireRequest) {
	r.Method = w.Method
	if w.URL != "" {
		if u, err := parseURLLenient(w.URL); err == nil {
			r.URL = u
		}
	}
	if w.Headers != nil {
		r.Headers = headersFromMultimap(w.Headers)
	}
}

func applyResponseWire(r *Response, w *WireResponse) {
	r.StatusCode = w.StatusCode
	if w.Headers != nil {
		r.Headers = headersFromMultimap(w.Headers)
	}
}

func headersFromMultimap(m map[string][]string) *Headers {
	h := NewHeaders()
	for k, values := range m {
		for _, v := range values {
			h.Add(k, v)
		}
	}
	return h
}
