// Package transport provides the low-level socket bindings weft channels run
// on. Policy (authentication decisions, correlation, pub/sub, backpressure
// handling) lives in pkg/channel and pkg/auth; a binding only supplies
// framing and the credential extraction appropriate to its protocol.
package transport

// Conn is one established, already-authenticated peer socket.
//
// Send enqueues a frame for the writer pump and fails with
// *errors.SendBacklog when the peer is not draining its queue. Buffered
// reports the bytes accepted by Send but not yet flushed to the socket; the
// server channel treats a residual backlog after a response write as an
// independent drop trigger alongside a failed write.
type Conn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Ping() error
	Close() error
	Buffered() int
	RemoteAddr() string
}

// Listener accepts connections for one server channel. Implementations
// authenticate each connection attempt before handing it to the callback;
// rejected peers never reach the channel layer.
type Listener interface {
	Start() error
	Addr() string
	Close() error
}
