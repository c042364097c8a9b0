// Package protodetect resolves which protocol a connection is speaking at
// the two points spec §4.2 calls out: before TLS, whether the client opened
// a CONNECT tunnel or sent plaintext HTTP; after a MITM TLS handshake,
// whether ALPN selected HTTP/2 or HTTP/1.1. Grounded on the teacher's
// tlsHandler/ALPN wiring in caddyhttp/httpserver/server.go, generalized
// from "does NextProtos include h2" to a first-class detector the
// connection handler calls explicitly rather than relying on net/http's
// implicit h2 upgrade.
package protodetect

import (
	"bufio"

	"github.com/witmproxy/witmproxy/internal/proxyerr"
)

// DefaultALPNProtocols is offered on both the downstream MITM TLS accept
// and the upstream dial, mirroring the teacher's defaultALPN convention:
// h2 must be listed for Go's net/http to consider HTTP/2 at all, and at
// least one protocol must overlap with whatever the peer offers or the
// handshake fails.
var DefaultALPNProtocols = []string{"h2", "http/1.1"}

// Protocol is the detected HTTP protocol version.
type Protocol int

const (
	ProtocolHTTP1 Protocol = iota
	ProtocolHTTP2
)

func (p Protocol) String() string {
	if p == ProtocolHTTP2 {
		return "h2"
	}
	return "http/1.1"
}

// ConnectionKind distinguishes a CONNECT tunnel request from a plaintext
// HTTP request arriving on the proxy's listening socket.
type ConnectionKind int

const (
	KindPlaintextHTTP ConnectionKind = iota
	KindConnectTunnel
)

// PeekConnectionKind inspects the first bytes of a not-yet-consumed
// connection via br (a buffered reader the caller continues reading from
// afterward — Peek does not advance the read position) and reports whether
// the client opened a CONNECT tunnel, per spec §4.2 ("a line starting
// CONNECT triggers the tunnel path").
func PeekConnectionKind(br *bufio.Reader) (ConnectionKind, error) {
	const connectPrefix = "CONNECT "
	peeked, err := br.Peek(len(connectPrefix))
	if err != nil {
		// Fewer bytes than "CONNECT " arrived (short write, or connection
		// closed early); not enough to be a tunnel request. Let the
		// caller's plaintext HTTP parser produce the real error.
		return KindPlaintextHTTP, nil
	}
	if string(peeked) == connectPrefix {
		return KindConnectTunnel, nil
	}
	return KindPlaintextHTTP, nil
}

// NegotiatedProtocol maps a completed TLS handshake's ALPN selection
// (tls.ConnectionState.NegotiatedProtocol) to a Protocol. An empty string
// (no ALPN, or the peer didn't support it) defaults to HTTP/1.1 per
// spec §4.2. An explicit "h3" offer is rejected outright: this proxy's
// core has no QUIC endpoint, and silently downgrading risks a client that
// assumed datagram semantics (SPEC_FULL.md resolves the spec's HTTP/3 open
// question this way).
func NegotiatedProtocol(alpn string) (Protocol, error) {
	switch alpn {
	case "", "http/1.1":
		return ProtocolHTTP1, nil
	case "h2":
		return ProtocolHTTP2, nil
	case "h3":
		return 0, proxyerr.ErrTLS
	default:
		return ProtocolHTTP1, nil
	}
}
