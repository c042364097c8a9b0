package proxyhandler

import (
	"context"
	"crypto/tls"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// serveH2 hands a post-handshake h2 connection to golang.org/x/net/http2's
// frame-level server, which calls Handler.serveHTTP once per stream —
// the same entry point the H1 loop uses, so dispatch/forward logic is
// written exactly once.
func (h *Handler) serveH2(ctx context.Context, conn *tls.Conn, tunnel *tunnelInfo, log *zap.Logger) {
	// BaseConfig is left nil: it only supplies fallback timeouts/TLSConfig
	// when ServeConnOpts.Handler is nil and http2 falls back to the
	// base *http.Server's handler. We always set Handler explicitly, and
	// per-connection deadlines are the listener's job, not a shared
	// *http.Server's.
	h.h2Server.ServeConn(conn, &http2.ServeConnOpts{
		Context: ctx,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.serveHTTP(w, r, tunnel, log)
		}),
	})
}
