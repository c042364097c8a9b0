package proxyhandler

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"
)

// serveH1 drives the HTTP/1.1 request loop over a plaintext (non-tunneled)
// connection: there is no enclosing CONNECT tunnel, so no tunnelInfo.
func (h *Handler) serveH1(ctx context.Context, conn net.Conn, log *zap.Logger) {
	h.serveH1WithTunnel(ctx, conn, nil, log)
}

// serveH1WithTunnel feeds one already-(optionally-TLS-)handshaked
// connection into a one-shot net/http.Server, mirroring the teacher's
// listener/attackerConn pattern: net/http owns HTTP/1.1 framing
// (keep-alive, chunked transfer, pipelining) while Handler.serveHTTP
// carries the dispatch/forward logic shared with the H2 path.
func (h *Handler) serveH1WithTunnel(ctx context.Context, conn net.Conn, tunnel *tunnelInfo, log *zap.Logger) {
	ln := newOneShotListener(conn)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.serveHTTP(w, r, tunnel, log)
		}),
		ConnState: func(c net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				ln.closeOnce()
			}
		},
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	_ = srv.Serve(ln)
}

// oneShotListener hands out exactly one net.Conn to its first Accept call,
// then blocks subsequent calls until the connection is done, at which
// point it returns io.EOF so http.Server.Serve returns cleanly. Grounded
// on denisvmedia-go-mitmproxy's attacker.listener, narrowed from a
// channel-fed multi-accept listener to a single-use one since this proxy
// dedicates one http.Server per client connection rather than one per
// process.
type oneShotListener struct {
	conn   net.Conn
	served atomic.Bool
	done   chan struct{}
}

func newOneShotListener(conn net.Conn) *oneShotListener {
	return &oneShotListener{conn: conn, done: make(chan struct{})}
}

func (l *oneShotListener) Accept() (net.Conn, error) {
	if !l.served.Swap(true) {
		return l.conn, nil
	}
	<-l.done
	return nil, io.EOF
}

func (l *oneShotListener) closeOnce() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}

func (l *oneShotListener) Close() error {
	l.closeOnce()
	return nil
}

func (l *oneShotListener) Addr() net.Addr { return l.conn.LocalAddr() }
