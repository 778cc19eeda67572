package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/weftlabs/weft/pkg/auth"
	werr "github.com/weftlabs/weft/pkg/errors"
)

// Framed-TCP binding, dealer-style: every frame is a one-byte type, a
// four-byte big-endian length and a payload. The first exchange on a fresh
// socket is the plain-credential challenge; everything after that is data
// and keep-alive frames.

const (
	frameData byte = 0x0
	framePing byte = 0x1
	framePong byte = 0x2

	maxFrameSize     = 8 << 20
	handshakeTimeout = 5 * time.Second
)

type challenge struct {
	Mechanism string `json:"mechanism"`
	User      string `json:"user"`
	Token     string `json:"token"`
}

type challengeReply struct {
	Status string `json:"status"`
}

func writeRawFrame(w io.Writer, typ byte, payload []byte) error {
	var hdr [5]byte
	hdr[0] = typ
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readRawFrame(r io.Reader) (byte, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}

	size := binary.BigEndian.Uint32(hdr[1:])
	if size > maxFrameSize {
		return 0, nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}

type tcpFrame struct {
	typ     byte
	payload []byte
}

type tcpConn struct {
	c  net.Conn
	br *bufio.Reader

	sendQueue chan tcpFrame
	buffered  atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newTCPConn(c net.Conn, queueSize int) *tcpConn {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}

	conn := &tcpConn{
		c:         c,
		br:        bufio.NewReader(c),
		sendQueue: make(chan tcpFrame, queueSize),
		closed:    make(chan struct{}),
	}
	go conn.writePump()
	return conn
}

func (t *tcpConn) writePump() {
	for {
		select {
		case <-t.closed:
			return
		case frame := <-t.sendQueue:
			t.c.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := writeRawFrame(t.c, frame.typ, frame.payload)
			t.buffered.Add(int64(-len(frame.payload)))
			if err != nil {
				t.abort()
				return
			}
		}
	}
}

func (t *tcpConn) enqueue(typ byte, payload []byte) error {
	select {
	case <-t.closed:
		return &werr.Disconnected{Reason: "connection closed"}
	default:
	}

	// Counted before enqueueing so a concurrent Close never observes an
	// empty buffer while a frame is still on its way into the queue.
	t.buffered.Add(int64(len(payload)))
	select {
	case t.sendQueue <- tcpFrame{typ: typ, payload: payload}:
		return nil
	default:
		t.buffered.Add(int64(-len(payload)))
		return &werr.SendBacklog{Buffered: t.Buffered()}
	}
}

func (t *tcpConn) Send(data []byte) error {
	return t.enqueue(frameData, data)
}

func (t *tcpConn) Receive() ([]byte, error) {
	for {
		typ, payload, err := readRawFrame(t.br)
		if err != nil {
			select {
			case <-t.closed:
				return nil, &werr.Disconnected{Reason: "connection closed"}
			default:
			}
			if err == io.EOF || strings.Contains(err.Error(), "use of closed network connection") {
				return nil, &werr.RemoteClosed{}
			}
			return nil, &werr.Disconnected{Reason: err.Error()}
		}

		switch typ {
		case frameData:
			return payload, nil
		case framePing:
			t.enqueue(framePong, nil)
		case framePong:
			// Keep-alive acknowledgement, nothing to do.
		}
	}
}

func (t *tcpConn) Ping() error {
	return t.enqueue(framePing, nil)
}

// abort tears the socket down without draining; the pump uses it when a
// write already failed and flushing is pointless.
func (t *tcpConn) abort() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.c.Close()
	})
}

// Close lets the pump flush queued frames within a bounded grace before the
// socket goes away, so a condemned peer still gets its final envelope.
func (t *tcpConn) Close() error {
	deadline := time.Now().Add(closeGrace)
	for t.buffered.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-t.closed:
			return nil
		default:
		}
		time.Sleep(closePollInterval)
	}

	t.closeOnce.Do(func() {
		close(t.closed)
		t.c.Close()
	})
	return nil
}

func (t *tcpConn) Buffered() int {
	return int(t.buffered.Load())
}

func (t *tcpConn) RemoteAddr() string {
	return t.c.RemoteAddr().String()
}

type TCPListenerParams struct {
	ListenAddress string

	Gate *auth.Gate

	SendQueueSize int

	Logger       *zap.Logger
	OnConnection func(Conn)
}

// TCPListener serves the challenge binding: the transport extracts the
// {mechanism, user, token} tuple from the first frame of each connection
// attempt and answers with the gate's tri-state verdict before any data
// frame is accepted.
type TCPListener struct {
	params TCPListenerParams

	ln net.Listener

	closeOnce sync.Once
	closed    chan struct{}

	log *zap.Logger
}

func CreateTCPListener(params TCPListenerParams) *TCPListener {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &TCPListener{
		params: params,
		closed: make(chan struct{}),
		log:    logger.With(zap.String("binding", "tcp")),
	}
}

func (l *TCPListener) Start() error {
	ln, err := net.Listen("tcp", l.params.ListenAddress)
	if err != nil {
		return err
	}
	l.ln = ln

	go func() {
		for {
			c, acceptErr := ln.Accept()
			if acceptErr != nil {
				select {
				case <-l.closed:
				default:
					l.log.Error("Accept failed", zap.Error(acceptErr))
				}
				return
			}
			go l.handshake(c)
		}
	}()

	l.log.Info("TCP listener started", zap.String("address", ln.Addr().String()))
	return nil
}

func (l *TCPListener) handshake(c net.Conn) {
	c.SetDeadline(time.Now().Add(handshakeTimeout))

	typ, payload, err := readRawFrame(c)
	if err != nil || typ != frameData {
		l.log.Warn("Connection attempt without challenge frame", zap.String("remote", c.RemoteAddr().String()))
		c.Close()
		return
	}

	var ch challenge
	verdict := auth.VerdictAuthRequired
	if json.Unmarshal(payload, &ch) == nil && l.params.Gate != nil {
		verdict = l.params.Gate.Challenge(ch.Mechanism, ch.User, ch.Token)
	}

	reply, _ := json.Marshal(challengeReply{Status: verdict.String()})
	if err := writeRawFrame(c, frameData, reply); err != nil {
		c.Close()
		return
	}

	if verdict != auth.VerdictOK {
		l.log.Warn("Rejected connection attempt",
			zap.String("remote", c.RemoteAddr().String()),
			zap.String("verdict", verdict.String()))
		c.Close()
		return
	}

	c.SetDeadline(time.Time{})
	l.params.OnConnection(newTCPConn(c, l.params.SendQueueSize))
}

func (l *TCPListener) Addr() string {
	if l.ln == nil {
		return l.params.ListenAddress
	}
	return l.ln.Addr().String()
}

func (l *TCPListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		if l.ln != nil {
			err = l.ln.Close()
		}
	})
	return err
}

type TCPDialParams struct {
	Address string
	User    string
	Token   string

	DialTimeout   time.Duration
	SendQueueSize int
}

// DialTCP connects and runs the plain-credential challenge before returning
// the connection. Any verdict other than OK is an authentication failure.
func DialTCP(params TCPDialParams) (Conn, error) {
	dialTimeout := params.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultHandshakeTimeout
	}

	c, err := net.DialTimeout("tcp", params.Address, dialTimeout)
	if err != nil {
		return nil, &werr.Connect{URL: params.Address, Err: err}
	}

	c.SetDeadline(time.Now().Add(handshakeTimeout))

	ch, _ := json.Marshal(challenge{
		Mechanism: auth.MechanismPlain,
		User:      params.User,
		Token:     params.Token,
	})
	if err := writeRawFrame(c, frameData, ch); err != nil {
		c.Close()
		return nil, &werr.Connect{URL: params.Address, Err: err}
	}

	typ, payload, err := readRawFrame(c)
	if err != nil || typ != frameData {
		c.Close()
		return nil, &werr.Connect{URL: params.Address, Err: fmt.Errorf("challenge reply not received: %v", err)}
	}

	var reply challengeReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		c.Close()
		return nil, &werr.Connect{URL: params.Address, Err: err}
	}
	if reply.Status != auth.VerdictOK.String() {
		c.Close()
		return nil, &werr.AuthFailure{}
	}

	c.SetDeadline(time.Time{})
	return newTCPConn(c, params.SendQueueSize), nil
}
