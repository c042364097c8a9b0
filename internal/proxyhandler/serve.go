package proxyhandler

import (
	"net"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/witmproxy/witmproxy/internal/httpevent"
)

// serveHTTP is the single entry point both the H1 and H2 loops call per
// request (spec §4.7 steps 2-7): dispatch Request, forward upstream unless
// a plugin short-circuited with a synthetic response, dispatch Response,
// dispatch InboundContent if any plugin's selector matches the response's
// content-type, and stream the result back to the client.
func (h *Handler) serveHTTP(w http.ResponseWriter, r *http.Request, tunnel *tunnelInfo, log *zap.Logger) {
	ctx := r.Context()

	var base *url.URL
	if tunnel != nil {
		base = &url.URL{Scheme: "https", Host: net.JoinHostPort(tunnel.host, tunnel.port)}
	}

	reqEvent := httpevent.NewRequestEvent(requestToEvent(ctx, r, base))
	reqResult, err := h.dispatcher.Dispatch(ctx, reqEvent)
	if err != nil {
		log.Warn("request dispatch failed", zap.Error(err))
		http.Error(w, "proxy dispatch error", http.StatusBadGateway)
		return
	}

	var respEvent *httpevent.Response
	if reqResult.Event.Response != nil {
		// A HandleEvent(request) plugin short-circuited the upstream round
		// trip entirely (spec §4.6).
		respEvent = reqResult.Event.Response
	} else {
		fwdReq, err := eventRequestToForward(ctx, reqResult.Event.Request)
		if err != nil {
			log.Warn("failed to build upstream request", zap.Error(err))
			http.Error(w, "proxy request error", http.StatusBadGateway)
			return
		}
		fwdResp, err := h.upstream.RoundTrip(ctx, fwdReq)
		if err != nil {
			log.Info("upstream round trip failed", zap.Error(err))
			http.Error(w, "upstream unreachable", http.StatusBadGateway)
			return
		}
		respEvent = forwardResponseToEvent(ctx, fwdResp)
	}

	respResult, err := h.dispatcher.Dispatch(ctx, httpevent.NewResponseEvent(respEvent))
	if err != nil {
		log.Warn("response dispatch failed", zap.Error(err))
		http.Error(w, "proxy dispatch error", http.StatusBadGateway)
		return
	}
	respEvent = respResult.Event.Response

	if respEvent.Body != nil {
		icResult, err := h.dispatcher.Dispatch(ctx, httpevent.NewInboundContentEvent(respEvent))
		if err != nil {
			log.Warn("inbound content dispatch failed", zap.Error(err))
		} else if icResult.Event.InboundContent != nil {
			respEvent = icResult.Event.InboundContent.Response
		}
	}

	if err := writeEventResponse(w, respEvent); err != nil {
		log.Debug("failed writing response to client", zap.Error(err))
	}
}
