package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"strconv"

	"github.com/witmproxy/witmproxy/internal/bodystream"
	"github.com/witmproxy/witmproxy/internal/httpevent"
	"github.com/witmproxy/witmproxy/internal/pluginapi"
	"github.com/witmproxy/witmproxy/internal/proxyerr"
)

// BodyInvoker is implemented by an Invoker that can additionally stream a
// decoded body across the guest boundary (spec §4.8), on top of the
// metadata-only Invoke every Invoker supports. WasmInvoker implements it;
// dispatch falls back to metadata-only dispatch for InboundContent when the
// configured Invoker doesn't (e.g. a test fake), which is only reachable if
// the event carries no body to begin with.
type BodyInvoker interface {
	InvokeBody(ctx context.Context, plugin *pluginapi.Plugin, kind pluginapi.EventKind, payload []byte, body []byte) (result []byte, replacedBody []byte, wrote bool, err error)
}

// inboundBodyState carries the InboundContent body, decoded once up front,
// through each matching plugin in turn: a plugin's replacement becomes the
// next plugin's input, and the original Content-Encoding is re-applied once
// after the last plugin has run (spec §4.8.3).
type inboundBodyState struct {
	encoding bodystream.Encoding
	current  []byte
	changed  bool
}

func newInboundBodyState(stream *bodystream.Stream) (*inboundBodyState, error) {
	encoding := stream.Encoding()
	r, err := stream.Decoded()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decoding body: %w", err)
	}
	return &inboundBodyState{encoding: encoding, current: data}, nil
}

// finalizeInboundBody re-encodes state's (possibly plugin-rewritten) body
// under its original Content-Encoding and swaps it onto resp, updating
// Content-Length to match. This runs even when no plugin wrote a
// replacement, because decoding consumed resp's original stream.
func finalizeInboundBody(ctx context.Context, resp *httpevent.Response, state *inboundBodyState) error {
	if state == nil {
		return nil
	}

	var buf bytes.Buffer
	enc, err := bodystream.Encoder(&buf, state.encoding)
	if err != nil {
		return fmt.Errorf("%w: re-encoding inbound content body: %v", proxyerr.ErrDispatchState, err)
	}
	if _, err := enc.Write(state.current); err != nil {
		return fmt.Errorf("%w: re-encoding inbound content body: %v", proxyerr.ErrDispatchState, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("%w: re-encoding inbound content body: %v", proxyerr.ErrDispatchState, err)
	}

	resp.Body = bodystream.New(ctx, io.NopCloser(bytes.NewReader(buf.Bytes())), state.encoding)
	resp.Headers.Set("Content-Length", strconv.Itoa(buf.Len()))
	return nil
}
