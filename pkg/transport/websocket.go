package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/pkg/auth"
	werr "github.com/weftlabs/weft/pkg/errors"
)

const (
	defaultSendQueueSize    = 64
	defaultHandshakeTimeout = 10 * time.Second
	writeDeadline           = 10 * time.Second

	// A graceful close lets the write pump flush queued frames first, so a
	// condemned connection still receives its final response envelope.
	closeGrace        = time.Second
	closePollInterval = 5 * time.Millisecond
)

var expectedCloseErrors = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// wsConn adapts a gorilla connection to the Conn interface. Writes go
// through a bounded queue drained by a single pump goroutine; a full queue
// means the peer stopped draining and Send fails rather than blocks.
type wsConn struct {
	c *websocket.Conn

	sendQueue chan []byte
	buffered  atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newWsConn(c *websocket.Conn, queueSize int) *wsConn {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}

	conn := &wsConn{
		c:         c,
		sendQueue: make(chan []byte, queueSize),
		closed:    make(chan struct{}),
	}
	go conn.writePump()
	return conn
}

func (w *wsConn) writePump() {
	for {
		select {
		case <-w.closed:
			return
		case frame := <-w.sendQueue:
			w.c.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := w.c.WriteMessage(websocket.TextMessage, frame)
			w.buffered.Add(int64(-len(frame)))
			if err != nil {
				w.abort()
				return
			}
		}
	}
}

func (w *wsConn) Send(data []byte) error {
	select {
	case <-w.closed:
		return &werr.Disconnected{Reason: "connection closed"}
	default:
	}

	// Counted before enqueueing so a concurrent Close never observes an
	// empty buffer while a frame is still on its way into the queue.
	w.buffered.Add(int64(len(data)))
	select {
	case w.sendQueue <- data:
		return nil
	default:
		w.buffered.Add(int64(-len(data)))
		return &werr.SendBacklog{Buffered: w.Buffered()}
	}
}

func (w *wsConn) Receive() ([]byte, error) {
	for {
		msgType, payload, err := w.c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, expectedCloseErrors...) {
				return nil, &werr.RemoteClosed{}
			}
			select {
			case <-w.closed:
				return nil, &werr.Disconnected{Reason: "connection closed"}
			default:
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil, &werr.Disconnected{Reason: "connection closed"}
			}
			return nil, &werr.Disconnected{Reason: err.Error()}
		}

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		return payload, nil
	}
}

func (w *wsConn) Ping() error {
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
}

// abort tears the socket down without draining; the pump uses it when a
// write already failed and flushing is pointless.
func (w *wsConn) abort() {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.c.Close()
	})
}

func (w *wsConn) Close() error {
	deadline := time.Now().Add(closeGrace)
	for w.buffered.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-w.closed:
			return nil
		default:
		}
		time.Sleep(closePollInterval)
	}

	w.closeOnce.Do(func() {
		close(w.closed)
		w.c.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		w.c.Close()
	})
	return nil
}

func (w *wsConn) Buffered() int {
	return int(w.buffered.Load())
}

func (w *wsConn) RemoteAddr() string {
	return w.c.RemoteAddr().String()
}

type WebsocketListenerParams struct {
	ListenAddress string
	Path          string

	Gate *auth.Gate

	// QuietPaths are request paths excluded from access logging.
	QuietPaths []string

	SendQueueSize int

	Logger       *zap.Logger
	OnConnection func(Conn)
}

// WebsocketListener serves the header-credential binding: the peer presents
// a bearer token during the HTTP upgrade and an unauthorized attempt is
// turned away before any framed traffic.
type WebsocketListener struct {
	params   WebsocketListenerParams
	upgrader *websocket.Upgrader

	ln  net.Listener
	srv *http.Server

	log *zap.Logger
}

func CreateWebsocketListener(params WebsocketListenerParams) *WebsocketListener {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &WebsocketListener{
		params: params,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.With(zap.String("binding", "websocket")),
	}
}

func (l *WebsocketListener) quiet(path string) bool {
	for _, p := range l.params.QuietPaths {
		if p == path {
			return true
		}
	}
	return false
}

func (l *WebsocketListener) onRequest(w http.ResponseWriter, r *http.Request) {
	if !l.quiet(r.URL.Path) {
		l.log.Info("New WebSocket request", zap.String("remote", r.RemoteAddr), zap.String("path", r.URL.Path))
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if l.params.Gate != nil && !l.params.Gate.Allow(token) {
		// The peer is not a trusted party yet, so no error body is sent.
		l.log.Warn("Rejected connection attempt with unauthorized token", zap.String("remote", r.RemoteAddr))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	c, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}

	l.params.OnConnection(newWsConn(c, l.params.SendQueueSize))
}

func (l *WebsocketListener) Start() error {
	mux := http.NewServeMux()
	path := l.params.Path
	if path == "" {
		path = "/"
	}
	mux.HandleFunc(path, l.onRequest)

	ln, err := net.Listen("tcp", l.params.ListenAddress)
	if err != nil {
		return err
	}
	l.ln = ln
	l.srv = &http.Server{Handler: mux}

	go func() {
		if serveErr := l.srv.Serve(ln); !errors.Is(serveErr, http.ErrServerClosed) {
			l.log.Error("Unexpected WebSocket server close", zap.Error(serveErr))
		}
	}()

	l.log.Info("WebSocket listener started", zap.String("address", ln.Addr().String()), zap.String("path", path))
	return nil
}

func (l *WebsocketListener) Addr() string {
	if l.ln == nil {
		return l.params.ListenAddress
	}
	return l.ln.Addr().String()
}

func (l *WebsocketListener) Close() error {
	if l.srv == nil {
		return nil
	}
	return l.srv.Close()
}

type WebsocketDialParams struct {
	URL   string
	Token string

	HandshakeTimeout time.Duration
	SendQueueSize    int
}

// DialWebsocket establishes an authenticated client connection. The auth
// handshake rides on the HTTP upgrade, so a rejected token surfaces here and
// never as framed traffic.
func DialWebsocket(ctx context.Context, params WebsocketDialParams) (Conn, error) {
	handshakeTimeout := params.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+params.Token)

	c, resp, err := dialer.DialContext(ctx, params.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &werr.AuthFailure{}
		}
		return nil, &werr.Connect{URL: params.URL, Err: err}
	}

	return newWsConn(c, params.SendQueueSize), nil
}
