package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/pkg/auth"
	werr "github.com/weftlabs/weft/pkg/errors"
)

func TestRawFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	payload := []byte(`{"id":"abcd1234","body":{"count":100}}`)
	require.NoError(t, writeRawFrame(&buf, frameData, payload))

	typ, got, err := readRawFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, frameData, typ)
	require.Equal(t, payload, got)
}

func TestRawFrameSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{frameData, 0xff, 0xff, 0xff, 0xff})

	_, _, err := readRawFrame(&buf)
	require.Error(t, err)
}

func startTestListener(t *testing.T, gate *auth.Gate) (*TCPListener, chan Conn) {
	t.Helper()

	accepted := make(chan Conn, 4)
	listener := CreateTCPListener(TCPListenerParams{
		ListenAddress: "127.0.0.1:0",
		Gate:          gate,
		Logger:        zap.NewNop(),
		OnConnection:  func(c Conn) { accepted <- c },
	})
	require.NoError(t, listener.Start())
	t.Cleanup(func() { listener.Close() })

	return listener, accepted
}

func TestTCPChallengeHandshake(t *testing.T) {
	gate := auth.NewGate(auth.GateParams{
		AuthorizedTokens: []string{"authorized-token-0123456789"},
		ExpectedUser:     "weft-internal",
	})
	listener, accepted := startTestListener(t, gate)

	conn, err := DialTCP(TCPDialParams{
		Address: listener.Addr(),
		User:    "weft-internal",
		Token:   "authorized-token-0123456789",
	})
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never delivered the authenticated connection")
	}
}

func TestTCPChallengeRejectsBadToken(t *testing.T) {
	gate := auth.NewGate(auth.GateParams{
		AuthorizedTokens: []string{"authorized-token-0123456789"},
		ExpectedUser:     "weft-internal",
	})
	listener, accepted := startTestListener(t, gate)

	_, err := DialTCP(TCPDialParams{
		Address: listener.Addr(),
		User:    "weft-internal",
		Token:   "stolen-token-0123456789",
	})

	var authErr *werr.AuthFailure
	require.True(t, errors.As(err, &authErr), "expected AuthFailure, got %v", err)

	select {
	case <-accepted:
		t.Fatal("rejected connection reached the channel layer")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTCPDataExchange(t *testing.T) {
	gate := auth.NewGate(auth.GateParams{
		AuthorizedTokens: []string{"authorized-token-0123456789"},
		ExpectedUser:     "weft-internal",
	})
	listener, accepted := startTestListener(t, gate)

	client, err := DialTCP(TCPDialParams{
		Address: listener.Addr(),
		User:    "weft-internal",
		Token:   "authorized-token-0123456789",
	})
	require.NoError(t, err)
	defer client.Close()

	var server Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no server connection")
	}
	defer server.Close()

	require.NoError(t, client.Send([]byte("hello")))
	got, err := server.Receive()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	require.NoError(t, server.Send([]byte("world")))
	got, err = client.Receive()
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got)

	// Ping is answered by the peer's read loop without surfacing a frame.
	require.NoError(t, client.Ping())
	require.NoError(t, client.Send([]byte("after-ping")))
	got, err = server.Receive()
	require.NoError(t, err)
	require.Equal(t, []byte("after-ping"), got)
}

func TestCloseFlushesQueuedFrames(t *testing.T) {
	gate := auth.NewGate(auth.GateParams{
		AuthorizedTokens: []string{"authorized-token-0123456789"},
		ExpectedUser:     "weft-internal",
	})
	listener, accepted := startTestListener(t, gate)

	client, err := DialTCP(TCPDialParams{
		Address: listener.Addr(),
		User:    "weft-internal",
		Token:   "authorized-token-0123456789",
	})
	require.NoError(t, err)

	var server Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no server connection")
	}
	defer client.Close()

	// Enqueue a frame and close immediately; the frame must still reach the
	// peer before the socket goes away.
	require.NoError(t, server.Send([]byte("final-envelope")))
	server.Close()

	got, err := client.Receive()
	require.NoError(t, err)
	require.Equal(t, []byte("final-envelope"), got)

	_, err = client.Receive()
	var closedErr *werr.RemoteClosed
	require.True(t, errors.As(err, &closedErr), "expected RemoteClosed after the flushed frame, got %v", err)
}
