// Package proxyerr defines the closed taxonomy of error kinds the proxy
// core distinguishes between, per the error handling design: per-kind
// sentinels classified with errors.Is rather than bespoke error types.
package proxyerr

import "errors"

// Kind identifies one row of the error taxonomy.
type Kind int

const (
	// KindUnknown is the zero value; Classify returns it for errors that
	// don't wrap one of the sentinels below.
	KindUnknown Kind = iota
	KindDownstreamIO
	KindUpstreamIO
	KindTLS
	KindCertificate
	KindPluginInvalid
	KindPluginRuntime
	KindDispatchState
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindDownstreamIO:
		return "downstream-io"
	case KindUpstreamIO:
		return "upstream-io"
	case KindTLS:
		return "tls"
	case KindCertificate:
		return "certificate"
	case KindPluginInvalid:
		return "plugin-invalid"
	case KindPluginRuntime:
		return "plugin-runtime"
	case KindDispatchState:
		return "dispatch-state"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per row of the error taxonomy. Wrap these with
// fmt.Errorf("...: %w", ErrX) at the point of origin; classify downstream
// with Classify or errors.Is.
var (
	ErrDownstreamIO  = errors.New("downstream i/o error")
	ErrUpstreamIO    = errors.New("upstream i/o error")
	ErrTLS           = errors.New("tls error")
	ErrCertificate   = errors.New("certificate authority error")
	ErrPluginInvalid = errors.New("plugin failed validation at registration")
	ErrPluginRuntime = errors.New("plugin failed during event dispatch")
	ErrDispatchState = errors.New("dispatcher observed an invalid event/return state")
	ErrConfig        = errors.New("invalid configuration")

	// ErrFuelExhausted, ErrGuestTimeout, ErrGuestTrap and ErrOutOfMemory
	// are all classified as ErrPluginRuntime (skip-this-plugin, see spec §7)
	// but are kept distinct so logs/metrics can tell the four failure modes
	// of a guest invocation apart.
	ErrFuelExhausted = errors.New("guest invocation exhausted its fuel budget")
	ErrGuestTimeout  = errors.New("guest invocation exceeded its wall-clock timeout")
	ErrGuestTrap     = errors.New("guest invocation trapped")
	ErrOutOfMemory   = errors.New("guest invocation exceeded its memory limit")
)

var kindOf = map[error]Kind{
	ErrDownstreamIO:  KindDownstreamIO,
	ErrUpstreamIO:    KindUpstreamIO,
	ErrTLS:           KindTLS,
	ErrCertificate:   KindCertificate,
	ErrPluginInvalid: KindPluginInvalid,
	ErrPluginRuntime: KindPluginRuntime,
	ErrDispatchState: KindDispatchState,
	ErrConfig:        KindConfig,
	ErrFuelExhausted: KindPluginRuntime,
	ErrGuestTimeout:  KindPluginRuntime,
	ErrGuestTrap:     KindPluginRuntime,
	ErrOutOfMemory:   KindPluginRuntime,
}

// Classify returns the taxonomy row err belongs to, walking the error chain
// with errors.Is against each known sentinel.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for sentinel, kind := range kindOf {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// IsPluginFailure reports whether err represents a per-plugin runtime
// failure (fuel exhaustion, timeout, trap, OOM) that spec §7 says must be
// isolated to the one plugin/event and must never abort the request.
func IsPluginFailure(err error) bool {
	return Classify(err) == KindPluginRuntime
}
