package selector

import (
	"mime"

	"github.com/witmproxy/witmproxy/internal/httpevent"
)

// activationFor flattens ev into the map[string]any CEL evaluates selector
// expressions against, per event kind. Field names here are the surface
// plugin authors write selector expressions against (e.g.
// `event.method == "POST"`), and must stay in sync with the Plugin
// Development reference the manifest capability's Expression field
// documents.
func activationFor(ev *httpevent.Event) map[string]any {
	switch ev.Kind() {
	case httpevent.KindConnect:
		return connectActivation(ev.Connect)
	case httpevent.KindRequest:
		return requestActivation(ev.Request)
	case httpevent.KindResponse:
		return responseActivation(ev.Response)
	case httpevent.KindInboundContent:
		return inboundContentActivation(ev.InboundContent.Response)
	default:
		return map[string]any{}
	}
}

func connectActivation(c *httpevent.ConnectEvent) map[string]any {
	remote := ""
	if c.RemoteAddr != nil {
		remote = c.RemoteAddr.String()
	}
	return map[string]any{
		"host":        c.Host,
		"port":        c.Port,
		"remote_addr": remote,
	}
}

func requestActivation(r *httpevent.Request) map[string]any {
	m := map[string]any{
		"method":      r.Method,
		"proto":       r.Proto,
		"remote_addr": r.RemoteAddr,
		"headers":     headerMap(r.Headers),
	}
	if r.URL != nil {
		m["url"] = r.URL.String()
		m["host"] = r.URL.Hostname()
		m["path"] = r.URL.Path
		m["query"] = r.URL.RawQuery
		m["scheme"] = r.URL.Scheme
	}
	return m
}

func responseActivation(r *httpevent.Response) map[string]any {
	return map[string]any{
		"status_code": int64(r.StatusCode),
		"proto":       r.Proto,
		"headers":     headerMap(r.Headers),
	}
}

// inboundContentActivation extends responseActivation with content_type
// (spec §4.5's Content selection surface), the only field a HandleEvent
// (inbound_content) selector actually needs: status/headers are already
// decided by the time the body reaches this stage.
func inboundContentActivation(r *httpevent.Response) map[string]any {
	m := responseActivation(r)
	m["content_type"] = contentType(r.Headers)
	return m
}

// contentType strips any parameters (charset, boundary) off the
// Content-Type header, so a selector can write `content_type ==
// "text/html"` instead of matching against "text/html; charset=utf-8"
// verbatim. Falls back to the raw header value if it doesn't parse.
func contentType(h *httpevent.Headers) string {
	raw := h.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return raw
	}
	return mediaType
}

// headerMap exposes Headers as a plain map[string][]string for CEL's
// built-in map/list support (e.g. `"text/html" in event.headers["Accept"]`),
// rather than as a custom ref.Val type, since headers are read-only from a
// selector's point of view.
func headerMap(h *httpevent.Headers) map[string]any {
	out := make(map[string]any, len(h.Keys()))
	for k, values := range h.ToMultimap() {
		vs := make([]any, len(values))
		for i, v := range values {
			vs[i] = v
		}
		out[k] = vs
	}
	return out
}
