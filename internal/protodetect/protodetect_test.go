package protodetect

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witmproxy/witmproxy/internal/proxyerr"
)

func TestPeekConnectionKindDetectsConnect(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	kind, err := PeekConnectionKind(br)
	require.NoError(t, err)
	assert.Equal(t, KindConnectTunnel, kind)

	// Peek must not have consumed the bytes.
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "CONNECT example.com:443 HTTP/1.1\r\n", line)
}

func TestPeekConnectionKindDetectsPlaintext(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	kind, err := PeekConnectionKind(br)
	require.NoError(t, err)
	assert.Equal(t, KindPlaintextHTTP, kind)
}

func TestPeekConnectionKindShortReadIsPlaintext(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("CON"))
	kind, err := PeekConnectionKind(br)
	require.NoError(t, err)
	assert.Equal(t, KindPlaintextHTTP, kind)
}

func TestNegotiatedProtocolDefaultsToHTTP1(t *testing.T) {
	p, err := NegotiatedProtocol("")
	require.NoError(t, err)
	assert.Equal(t, ProtocolHTTP1, p)
}

func TestNegotiatedProtocolH2(t *testing.T) {
	p, err := NegotiatedProtocol("h2")
	require.NoError(t, err)
	assert.Equal(t, ProtocolHTTP2, p)
}

func TestNegotiatedProtocolRejectsH3(t *testing.T) {
	_, err := NegotiatedProtocol("h3")
	require.Error(t, err)
	assert.ErrorIs(t, err, proxyerr.ErrTLS)
}
