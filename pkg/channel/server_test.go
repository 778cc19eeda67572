package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	werr "github.com/weftlabs/weft/pkg/errors"
	"github.com/weftlabs/weft/pkg/wire"
)

// stubConn lets tests control the backpressure signals the policy layer
// reacts to, without a real socket.
type stubConn struct {
	incoming chan []byte

	mu       sync.Mutex
	sent     [][]byte
	buffered int
	sendErr  error

	closeOnce sync.Once
	closed    chan struct{}
}

func newStubConn() *stubConn {
	return &stubConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (f *stubConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *stubConn) Receive() ([]byte, error) {
	select {
	case frame := <-f.incoming:
		return frame, nil
	case <-f.closed:
		return nil, &werr.RemoteClosed{}
	}
}

func (f *stubConn) Ping() error { return nil }

func (f *stubConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *stubConn) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

func (f *stubConn) RemoteAddr() string { return "stub" }

func (f *stubConn) setBuffered(n int) {
	f.mu.Lock()
	f.buffered = n
	f.mu.Unlock()
}

func (f *stubConn) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *stubConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newStubServer(t *testing.T) *Server {
	t.Helper()

	s, err := CreateServer(ServerConfig{
		ListenAddress:    "127.0.0.1:0",
		AuthorizedTokens: []string{testToken},
		Logger:           zap.NewNop(),
	}, nil)
	require.NoError(t, err)
	return s
}

func encodeRequest(t *testing.T, token string, body any) []byte {
	t.Helper()
	frame, err := wire.Encode(token, body)
	require.NoError(t, err)
	return frame
}

func TestBackpressureDropsConnection(t *testing.T) {
	s := newStubServer(t)
	require.NoError(t, s.OfferTopics("feed"))

	stub := newStubConn()
	s.acceptConn(stub)
	require.Equal(t, 1, s.ConnectionCount())

	stub.incoming <- encodeRequest(t, "tok00001", map[string]any{"action": "subscribe", "topic": "feed"})
	require.Eventually(t, func() bool { return stub.sentCount() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, s.ConnectionCount(), "healthy connection must survive its response")

	// Residual backlog after the next response write condemns the peer,
	// even though the response itself was delivered.
	stub.setBuffered(defaultBacklogLimit + 1)
	stub.incoming <- encodeRequest(t, "tok00002", map[string]any{"count": 1})

	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 2, stub.sentCount(), "response is still attempted before the drop")

	// The dropped connection no longer appears in the topic registry.
	before := stub.sentCount()
	require.NoError(t, s.Broadcast("feed", map[string]any{"x": 1}))
	require.Equal(t, before, stub.sentCount(), "broadcast must not reference the dropped connection")
}

func TestWriteFailureDropsConnection(t *testing.T) {
	s := newStubServer(t)

	stub := newStubConn()
	s.acceptConn(stub)

	stub.setSendErr(&werr.SendBacklog{Buffered: 123})
	stub.incoming <- encodeRequest(t, "tok00003", map[string]any{"count": 1})

	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMalformedFrameDropsConnection(t *testing.T) {
	s := newStubServer(t)

	stub := newStubConn()
	s.acceptConn(stub)

	stub.incoming <- []byte("definitely not a wire unit")

	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, stub.sentCount(), "malformed input earns no response")
}

func TestClientErrorKeepOpenFlag(t *testing.T) {
	s, err := CreateServer(ServerConfig{
		ListenAddress:    "127.0.0.1:0",
		AuthorizedTokens: []string{testToken},
		Logger:           zap.NewNop(),
	}, func(_ context.Context, req *Request) (any, error) {
		fatal := gjson.GetBytes(req.Body, "fatal").Bool()
		return nil, &werr.ClientError{
			Message:  "bad request",
			Response: wire.Nok("bad request"),
			KeepOpen: !fatal,
		}
	})
	require.NoError(t, err)

	stub := newStubConn()
	s.acceptConn(stub)

	// Non-fatal: response sent, connection survives.
	stub.incoming <- encodeRequest(t, "tok00004", map[string]any{"fatal": false})
	require.Eventually(t, func() bool { return stub.sentCount() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, s.ConnectionCount())

	// Fatal: response sent, then the connection is dropped.
	stub.incoming <- encodeRequest(t, "tok00005", map[string]any{"fatal": true})
	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 2, stub.sentCount())
}
