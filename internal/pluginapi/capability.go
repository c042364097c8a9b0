package pluginapi

import "fmt"

// EventKind enumerates the four kinds of events a guest may register a
// HandleEvent capability for.
type EventKind int

const (
	EventConnect EventKind = iota
	EventRequest
	EventResponse
	EventInboundContent
)

// String returns the canonical lowercase name for k, matching the naming
// used by the Rust original's events::mod::EventKind::to_string.
func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventRequest:
		return "request"
	case EventResponse:
		return "response"
	case EventInboundContent:
		return "inbound_content"
	default:
		return "unknown"
	}
}

// CapabilityKind is one of the capability kinds a plugin may request.
// HandleEvent(_) kinds are the only ones that cause dispatch; the rest
// expose host functions callable from inside an event handler.
type CapabilityKind struct {
	// HandleEvent is set (non-nil) when this is a HandleEvent(_) capability;
	// for the service capabilities (Annotator/Logger/LocalStorage) it is
	// nil and Service names which one.
	HandleEvent *EventKind
	Service      ServiceCapability
}

// ServiceCapability names a host service capability that isn't an event
// handler.
type ServiceCapability int

const (
	ServiceNone ServiceCapability = iota
	ServiceAnnotator
	ServiceLogger
	ServiceLocalStorage
)

// HandleEventCapability constructs a HandleEvent(kind) CapabilityKind.
func HandleEventCapability(kind EventKind) CapabilityKind {
	k := kind
	return CapabilityKind{HandleEvent: &k}
}

// IsHandler reports whether ck is a HandleEvent(_) capability.
func (ck CapabilityKind) IsHandler() bool {
	return ck.HandleEvent != nil
}

// Equal reports whether ck and other name the same capability kind. Needed
// because CapabilityKind embeds a pointer field, so == would compare
// pointer identity rather than the EventKind value.
func (ck CapabilityKind) Equal(other CapabilityKind) bool {
	if (ck.HandleEvent == nil) != (other.HandleEvent == nil) {
		return false
	}
	if ck.HandleEvent != nil {
		return *ck.HandleEvent == *other.HandleEvent
	}
	return ck.Service == other.Service
}

// String returns the canonical name used in logs, metrics labels, and the
// capability-set validated at registration. Mirrors the Rust original's
// Capability::to_string.
func (ck CapabilityKind) String() string {
	if ck.HandleEvent != nil {
		switch *ck.HandleEvent {
		case EventConnect:
			return "handle-connect"
		case EventRequest:
			return "handle-request"
		case EventResponse:
			return "handle-response"
		case EventInboundContent:
			return "handle-inbound-content"
		}
	}
	switch ck.Service {
	case ServiceAnnotator:
		return "annotator"
	case ServiceLogger:
		return "logger"
	case ServiceLocalStorage:
		return "local-storage"
	default:
		return "unknown"
	}
}

// Capability pairs a CapabilityKind with its selector expression (meaningful
// only for HandleEvent(_) kinds) and, once compiled at registration time,
// the compiled selector program. Compiled is declared as `any` here
// to avoid an import cycle with internal/selector; callers type-assert it
// to *selector.Program.
type Capability struct {
	Kind       CapabilityKind
	Selector   string // the raw selector expression text
	Compiled   any    // *selector.Program once compiled; nil until then
}

func (c Capability) String() string {
	if c.Kind.IsHandler() {
		return fmt.Sprintf("%s(%q)", c.Kind, c.Selector)
	}
	return c.Kind.String()
}
