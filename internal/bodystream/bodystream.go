// Package bodystream implements the one-shot, forward-only body stream
// abstraction that flows between the downstream connection, the dispatcher,
// any InboundContent-handling plugin, and the upstream connection (spec
// §4.8). A Stream may be read exactly once, in order; it is never rewound
// or replayed, matching the original Rust implementation's BodyStream.
package bodystream

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Encoding names a Content-Encoding this package knows how to shim.
type Encoding string

const (
	EncodingIdentity Encoding = ""
	EncodingGzip     Encoding = "gzip"
	EncodingDeflate  Encoding = "deflate"
	EncodingBrotli   Encoding = "br"
	EncodingZstd     Encoding = "zstd"
)

// ParseEncoding maps a Content-Encoding header value to an Encoding,
// defaulting to EncodingIdentity for anything unrecognized (the proxy then
// passes the bytes through untouched rather than failing the request).
func ParseEncoding(headerValue string) Encoding {
	switch Encoding(headerValue) {
	case EncodingGzip, EncodingDeflate, EncodingBrotli, EncodingZstd:
		return Encoding(headerValue)
	default:
		return EncodingIdentity
	}
}

// Stream wraps a single forward-only io.Reader of body bytes together with
// the Content-Encoding those bytes are in. Consuming it (via Reader or
// Decoded) is a one-time operation: a second call after the first returns
// ErrAlreadyConsumed. Close does not count as consuming it.
type Stream struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	raw      io.ReadCloser
	encoding Encoding
	consumed bool
}

// New wraps r, tagging it with encoding. ctx governs cancellation: if ctx is
// cancelled mid-read, subsequent Read calls return ctx.Err().
func New(ctx context.Context, r io.ReadCloser, encoding Encoding) *Stream {
	ctx, cancel := context.WithCancelCause(ctx)
	return &Stream{ctx: ctx, cancel: cancel, raw: r, encoding: encoding}
}

// Encoding returns the Content-Encoding the underlying bytes are in.
func (s *Stream) Encoding() Encoding {
	return s.encoding
}

// Reader returns the raw (still-encoded) byte stream, wrapped so that reads
// past ctx cancellation fail, and marks s consumed. Calling Reader twice, or
// calling it after Decoded, returns ErrAlreadyConsumed.
func (s *Stream) Reader() (io.Reader, error) {
	if s.consumed {
		return nil, ErrAlreadyConsumed
	}
	s.consumed = true
	return &ctxReader{ctx: s.ctx, r: s.raw}, nil
}

// Decoded returns a reader that transparently decompresses the body
// according to its Encoding, regardless of what encoding it's in. The
// returned reader must be closed when InboundContent's replacement or
// downstream forwarding is not going to re-apply compression, per the
// encoding shims' own io.Closer contracts (gzip.Reader, zstd.Decoder).
func (s *Stream) Decoded() (io.ReadCloser, error) {
	if s.consumed {
		return nil, ErrAlreadyConsumed
	}
	s.consumed = true
	cr := &ctxReader{ctx: s.ctx, r: s.raw}
	switch s.encoding {
	case EncodingGzip:
		zr, err := gzip.NewReader(cr)
		if err != nil {
			return nil, fmt.Errorf("bodystream: opening gzip reader: %w", err)
		}
		return zr, nil
	case EncodingDeflate:
		return flate.NewReader(cr), nil
	case EncodingBrotli:
		return io.NopCloser(brotli.NewReader(cr)), nil
	case EncodingZstd:
		zr, err := zstd.NewReader(cr)
		if err != nil {
			return nil, fmt.Errorf("bodystream: opening zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return io.NopCloser(cr), nil
	}
}

// Close releases the underlying reader without reading further. Safe to
// call even if the stream was never consumed (e.g. a Skip verdict); safe to
// call more than once.
func (s *Stream) Close() error {
	s.cancel(nil)
	return s.raw.Close()
}

// ctxReader aborts reads once ctx is done, surfacing its Err rather than
// blocking forever on a hung upstream/downstream connection.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, context.Cause(cr.ctx)
	default:
	}
	n, err := cr.r.Read(p)
	if err != nil {
		select {
		case <-cr.ctx.Done():
			return n, context.Cause(cr.ctx)
		default:
		}
	}
	return n, err
}

// Encoder wraps w so that bytes written to it are compressed under enc
// before reaching w. Used when InboundContent rewrites a body and the
// original Content-Encoding must be preserved on the wire (spec §4.8.3).
func Encoder(w io.Writer, enc Encoding) (io.WriteCloser, error) {
	switch enc {
	case EncodingGzip:
		return gzip.NewWriter(w), nil
	case EncodingDeflate:
		return flate.NewWriter(w, flate.DefaultCompression)
	case EncodingBrotli:
		return brotli.NewWriter(w), nil
	case EncodingZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("bodystream: opening zstd writer: %w", err)
		}
		return zw, nil
	default:
		return nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// BufferedReader wraps r with a bufio.Reader sized for protocol peeking
// (internal/protodetect) without re-buffering bodies already read from it.
func BufferedReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 4096)
}
