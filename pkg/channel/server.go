package channel

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/pkg/auth"
	werr "github.com/weftlabs/weft/pkg/errors"
	"github.com/weftlabs/weft/pkg/transport"
	"github.com/weftlabs/weft/pkg/wire"
)

// Request is what the injected handler sees for each inbound frame.
type Request struct {
	ConnID string
	Action string
	Body   json.RawMessage

	// Identity carries fields attached by a wrapping layer (e.g. the
	// delegation layer after a successful upstream verification).
	Identity map[string]any
}

// Handler is the single injection point for domain behavior. Returning a
// *errors.ClientError controls the response envelope and whether the
// connection survives; any other error is treated as unexpected, logged
// locally in full, answered with an opaque error envelope and paired with
// dropping the connection.
type Handler func(ctx context.Context, req *Request) (any, error)

// EchoHandler answers every request with its own body.
func EchoHandler(_ context.Context, req *Request) (any, error) {
	return req.Body, nil
}

type serverConn struct {
	id   string
	conn transport.Conn
	log  *zap.Logger
}

// Server accepts many concurrent connections, authenticates each at
// establishment, dispatches inbound requests to the injected handler and
// maintains per-topic subscriber sets for broadcast.
type Server struct {
	cfg     ServerConfig
	gate    *auth.Gate
	handler Handler
	log     *zap.Logger

	mut      sync.Mutex
	started  bool
	stopped  bool
	listener transport.Listener

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mutConns sync.RWMutex
	conns    map[string]*serverConn

	mutTopics sync.RWMutex
	topics    map[string]map[string]struct{}
}

func CreateServer(cfg ServerConfig, handler Handler) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if handler == nil {
		handler = EchoHandler
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())

	return &Server{
		cfg: cfg,
		gate: auth.NewGate(auth.GateParams{
			AuthorizedTokens: cfg.AuthorizedTokens,
			ExpectedUser:     cfg.ExpectedUser,
		}),
		handler:    handler,
		log:        logger.With(zap.String("channel", "server"), zap.String("address", cfg.ListenAddress)),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		conns:      make(map[string]*serverConn),
		topics:     make(map[string]map[string]struct{}),
	}, nil
}

// Start opens the listener. A second Start fails with AlreadyStarted and
// does not disturb the running listener.
func (s *Server) Start() error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.started {
		return &werr.AlreadyStarted{Address: s.cfg.ListenAddress}
	}

	var listener transport.Listener
	switch s.cfg.Binding {
	case BindingTCP:
		listener = transport.CreateTCPListener(transport.TCPListenerParams{
			ListenAddress: s.cfg.ListenAddress,
			Gate:          s.gate,
			SendQueueSize: s.cfg.SendQueueSize,
			Logger:        s.cfg.Logger,
			OnConnection:  s.acceptConn,
		})
	default:
		listener = transport.CreateWebsocketListener(transport.WebsocketListenerParams{
			ListenAddress: s.cfg.ListenAddress,
			Path:          s.cfg.Path,
			Gate:          s.gate,
			QuietPaths:    s.cfg.QuietPaths,
			SendQueueSize: s.cfg.SendQueueSize,
			Logger:        s.cfg.Logger,
			OnConnection:  s.acceptConn,
		})
	}

	if err := listener.Start(); err != nil {
		return err
	}

	s.listener = listener
	s.started = true
	return nil
}

// Addr reports the bound listen address once started.
func (s *Server) Addr() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.listener == nil {
		return s.cfg.ListenAddress
	}
	return s.listener.Addr()
}

// Stop closes every live connection and stops listening. Stopping an
// already-stopped channel is a no-op.
func (s *Server) Stop() {
	s.mut.Lock()
	if s.stopped {
		s.mut.Unlock()
		return
	}
	s.stopped = true
	listener := s.listener
	s.mut.Unlock()

	s.rootCancel()
	if listener != nil {
		listener.Close()
	}

	s.mutConns.Lock()
	conns := s.conns
	s.conns = make(map[string]*serverConn)
	s.mutConns.Unlock()

	s.mutTopics.Lock()
	for topic := range s.topics {
		s.topics[topic] = make(map[string]struct{})
	}
	s.mutTopics.Unlock()

	for _, sc := range conns {
		sc.conn.Close()
		metrics.LiveConnections.Dec()
	}

	s.log.Info("Server channel stopped", zap.Int("closedConnections", len(conns)))
}

// ConnectionCount reports the number of live registered connections.
func (s *Server) ConnectionCount() int {
	s.mutConns.RLock()
	defer s.mutConns.RUnlock()
	return len(s.conns)
}

// OfferTopics declares topics before any subscribe or broadcast referencing
// them is valid. Names containing '{' are reserved and rejected.
func (s *Server) OfferTopics(names ...string) error {
	for _, name := range names {
		if strings.Contains(name, "{") {
			return &werr.TopicName{Name: name}
		}
	}

	s.mutTopics.Lock()
	defer s.mutTopics.Unlock()
	for _, name := range names {
		if _, has := s.topics[name]; !has {
			s.topics[name] = make(map[string]struct{})
		}
	}
	return nil
}

// Broadcast writes one broadcast unit to every currently subscribed
// connection. Individual send failures drop the failing subscriber but
// never abort delivery to the others.
func (s *Server) Broadcast(topic string, body any) error {
	if strings.Contains(topic, "{") {
		return &werr.TopicName{Name: topic}
	}

	s.mutTopics.RLock()
	subs, known := s.topics[topic]
	if !known {
		s.mutTopics.RUnlock()
		return &werr.UnknownTopic{Name: topic}
	}
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	s.mutTopics.RUnlock()

	frame, err := wire.EncodeBroadcast(topic, body)
	if err != nil {
		return err
	}

	for _, id := range ids {
		s.mutConns.RLock()
		sc := s.conns[id]
		s.mutConns.RUnlock()
		if sc == nil {
			continue
		}

		if sendErr := sc.conn.Send(frame); sendErr != nil {
			sc.log.Warn("Dropping subscriber after failed broadcast send", zap.Error(sendErr))
			s.dropConn(sc)
		}
	}

	metrics.BroadcastsTotal.Inc()
	return nil
}

func (s *Server) acceptConn(tc transport.Conn) {
	s.mut.Lock()
	stopped := s.stopped
	s.mut.Unlock()
	if stopped {
		tc.Close()
		return
	}

	id := uuid.NewString()
	sc := &serverConn{
		id:   id,
		conn: tc,
		log:  s.log.With(zap.String("connId", id), zap.String("remote", tc.RemoteAddr())),
	}

	s.mutConns.Lock()
	s.conns[id] = sc
	s.mutConns.Unlock()
	metrics.LiveConnections.Inc()

	sc.log.Info("Connection registered")
	go s.readLoop(sc)
}

// readLoop processes frames from one connection strictly one at a time; a
// second frame is not picked up until the previous one's response or drop
// decision has been made.
func (s *Server) readLoop(sc *serverConn) {
	for {
		data, err := sc.conn.Receive()
		if err != nil {
			var remote *werr.RemoteClosed
			if goerrors.As(err, &remote) {
				sc.log.Info("Peer closed the connection")
			} else {
				sc.log.Warn("Receive failed", zap.Error(err))
			}
			s.dropConn(sc)
			return
		}

		unit, decErr := wire.Decode(data)
		if decErr != nil {
			sc.log.Warn("Dropping connection after malformed frame", zap.Error(decErr))
			s.dropConn(sc)
			return
		}
		if unit.IsBroadcast() {
			sc.log.Warn("Peer sent a broadcast unit, dropping connection")
			s.dropConn(sc)
			return
		}

		if !s.handleFrame(sc, unit) {
			s.dropConn(sc)
			return
		}
	}
}

// handleFrame dispatches one request and writes the response. It reports
// whether the connection may live on: a failed write, residual backlog
// after the write, or a fatal handler error each independently condemn it.
func (s *Server) handleFrame(sc *serverConn, unit *wire.Unit) bool {
	action := wire.Action(unit.Body)
	metrics.RequestsTotal.WithLabelValues(action).Inc()

	var respBody any
	fatal := false

	switch action {
	case wire.ActionSubscribe:
		respBody = s.handleSubscribe(sc, unit.Body)
	case wire.ActionUnsubscribe:
		respBody = s.handleUnsubscribe(sc, unit.Body)
	default:
		respBody, fatal = s.dispatch(sc, unit)
	}

	frame, err := wire.Encode(unit.ID, respBody)
	if err != nil {
		sc.log.Error("Failed to encode response", zap.Error(err))
		return false
	}

	if sendErr := sc.conn.Send(frame); sendErr != nil {
		sc.log.Warn("Response write failed", zap.Error(sendErr))
		return false
	}

	if buffered := sc.conn.Buffered(); buffered > s.cfg.BacklogLimit {
		sc.log.Warn("Backlog over limit after response, cutting peer loose", zap.Int("buffered", buffered))
		return false
	}

	return !fatal
}

func (s *Server) dispatch(sc *serverConn, unit *wire.Unit) (any, bool) {
	req := &Request{
		ConnID: sc.id,
		Action: wire.Action(unit.Body),
		Body:   unit.Body,
	}

	resp, err := s.handler(s.rootCtx, req)
	if err == nil {
		return resp, false
	}

	var ce *werr.ClientError
	if goerrors.As(err, &ce) {
		respBody := ce.Response
		if respBody == nil {
			env := wire.ErrorEnvelope(json.RawMessage(unit.Body))
			if ce.Message != "" {
				env["message"] = ce.Message
			}
			respBody = env
		}
		return respBody, !ce.KeepOpen
	}

	// Unexpected failure: full detail stays local, the peer only sees an
	// opaque envelope echoing its request.
	sc.log.Error("Handler failed", zap.Error(err))
	return wire.ErrorEnvelope(json.RawMessage(unit.Body)), true
}

func (s *Server) handleSubscribe(sc *serverConn, body []byte) any {
	topic := gjson.GetBytes(body, "topic").String()

	s.mutTopics.Lock()
	subs, known := s.topics[topic]
	if known {
		subs[sc.id] = struct{}{}
	}
	s.mutTopics.Unlock()

	if !known {
		// Business-level rejection: the connection stays open and the
		// caller can retry with a valid topic.
		return wire.Nok(fmt.Sprintf("unknown topic '%s'", topic))
	}

	sc.log.Debug("Subscribed", zap.String("topic", topic))
	return wire.Ok(wire.ActionSubscribe, map[string]any{"topic": topic})
}

func (s *Server) handleUnsubscribe(sc *serverConn, body []byte) any {
	topic := gjson.GetBytes(body, "topic").String()

	s.mutTopics.Lock()
	if subs, known := s.topics[topic]; known {
		delete(subs, sc.id)
	}
	s.mutTopics.Unlock()

	return wire.Ok(wire.ActionUnsubscribe, map[string]any{"topic": topic})
}

func (s *Server) dropConn(sc *serverConn) {
	s.mutConns.Lock()
	if _, has := s.conns[sc.id]; !has {
		s.mutConns.Unlock()
		return
	}
	delete(s.conns, sc.id)
	s.mutConns.Unlock()

	s.mutTopics.Lock()
	for _, subs := range s.topics {
		delete(subs, sc.id)
	}
	s.mutTopics.Unlock()

	sc.conn.Close()
	metrics.LiveConnections.Dec()
	metrics.DroppedConnectionsTotal.Inc()
	sc.log.Info("Connection removed")
}
