package proxyhandler

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/witmproxy/witmproxy/internal/httpevent"
	"github.com/witmproxy/witmproxy/internal/protodetect"
)

const connectionEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// serveConnectTunnel implements the CONNECT branch of spec §4.7's diagram:
// parse the request line, dispatch a Connect event (allow/deny), reply 200,
// MITM the TLS handshake with a leaf minted for the tunnel's host, then
// branch on negotiated ALPN into the H1 or H2 loop.
func (h *Handler) serveConnectTunnel(ctx context.Context, conn net.Conn, br *bufio.Reader, log *zap.Logger) {
	req, err := http.ReadRequest(br)
	if err != nil {
		log.Debug("failed to parse CONNECT request", zap.Error(err))
		return
	}
	host, port, err := net.SplitHostPort(req.URL.Host)
	if err != nil {
		host, port = req.URL.Host, "443"
	}

	allowed, _ := h.dispatchConnect(ctx, host, port, conn.RemoteAddr(), log)
	if !allowed {
		// spec §4.6/§7: a Done(deny) verdict terminates the connection with
		// a 502-equivalent error, not a 403 — denial is modeled the same way
		// as any other "could not establish the tunnel" failure.
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}

	if _, err := conn.Write([]byte(connectionEstablished)); err != nil {
		log.Debug("failed to write CONNECT reply", zap.Error(err))
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{
		// Disabled so GetConfigForClient runs on every handshake, per the
		// teacher's denisvmedia-inspired mint-per-SNI pattern; session
		// resumption would skip cert minting on the second handshake.
		SessionTicketsDisabled: true,
		NextProtos:             protodetect.DefaultALPNProtocols,
		GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			sni := chi.ServerName
			if sni == "" {
				sni = host
			}
			cert, err := h.ca.CertificateFor(sni)
			if err != nil {
				return nil, fmt.Errorf("minting leaf for %s: %w", sni, err)
			}
			return &tls.Config{
				SessionTicketsDisabled: true,
				Certificates:           []tls.Certificate{*cert},
				NextProtos:             protodetect.DefaultALPNProtocols,
			}, nil
		},
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		log.Debug("client TLS handshake failed", zap.String("host", host), zap.Error(err))
		return
	}

	proto, err := protodetect.NegotiatedProtocol(tlsConn.ConnectionState().NegotiatedProtocol)
	if err != nil {
		log.Warn("rejecting unsupported ALPN offer", zap.Error(err))
		return
	}

	tunnel := &tunnelInfo{host: host, port: port, remote: conn.RemoteAddr()}
	if proto == protodetect.ProtocolHTTP2 {
		h.serveH2(ctx, tlsConn, tunnel, log)
	} else {
		h.serveH1WithTunnel(ctx, tlsConn, tunnel, log)
	}
}

// tunnelInfo is the per-CONNECT-tunnel context threaded into every request
// handled over it, since the tunnel's own Connect event is dispatched once
// (spec §4.7 step 1) rather than per request.
type tunnelInfo struct {
	host, port string
	remote     net.Addr
}

func (h *Handler) dispatchConnect(ctx context.Context, host, port string, remote net.Addr, log *zap.Logger) (bool, *httpevent.Event) {
	ev := httpevent.NewConnectEvent(host, port, remote)
	result, err := h.dispatcher.Dispatch(ctx, ev)
	if err != nil {
		log.Warn("connect dispatch failed, denying tunnel", zap.Error(err))
		return false, ev
	}
	if result.ConnectAllow != nil && !*result.ConnectAllow {
		log.Info("plugin denied connect tunnel", zap.String("host", host))
		return false, result.Event
	}
	return true, result.Event
}

// isHopByHop reports whether k is one of the RFC 7230 §6.1 hop-by-hop
// headers that must not be forwarded across a proxy leg.
func isHopByHop(k string) bool {
	switch strings.ToLower(k) {
	case "connection", "proxy-connection", "keep-alive", "transfer-encoding",
		"te", "trailer", "upgrade", "proxy-authenticate", "proxy-authorization":
		return true
	}
	return false
}
