// Package channel turns a raw persistent socket into a reliable RPC channel:
// correlated request/response, topic broadcast, heartbeat keep-alive and
// backpressure-triggered disconnection. Domain services only ever see
// Send/Subscribe/Broadcast and a single injected handler.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	werr "github.com/weftlabs/weft/pkg/errors"
	"github.com/weftlabs/weft/pkg/transport"
	"github.com/weftlabs/weft/pkg/wire"
)

type connState int

const (
	stateClosed connState = iota
	stateConnecting
	stateOpen
	stateClosing
)

// Bounded wait for an in-flight connect or close to settle before a Send
// gives up. A channel never holds two live transports concurrently; waiting
// here is what enforces single-flight connection establishment.
const (
	maxConnectWaits     = 50
	connectPollInterval = 20 * time.Millisecond
)

// BroadcastFunc receives every broadcast on a subscribed topic.
type BroadcastFunc func(topic string, body json.RawMessage)

type outcome struct {
	body json.RawMessage
	err  error
}

// Client owns at most one live connection to a server channel and turns
// Send(payload) into a correlated request. Connection loss rejects every
// pending request with a disconnected error; the next Send reconnects
// transparently, so callers never need their own retry loop for transport
// failures.
type Client struct {
	cfg ClientConfig
	log *zap.Logger

	mut         sync.Mutex
	state       connState
	conn        transport.Conn
	epoch       int
	connectDone chan struct{}
	readerDone  chan struct{}
	hbCancel    context.CancelFunc

	mutPending sync.Mutex
	pending    map[string]chan outcome

	mutSubs sync.RWMutex
	subs    map[string]BroadcastFunc
}

func CreateClient(cfg ClientConfig) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &Client{
		cfg:     cfg,
		log:     logger.With(zap.String("channel", "client"), zap.String("url", cfg.URL)),
		state:   stateClosed,
		pending: make(map[string]chan outcome),
		subs:    make(map[string]BroadcastFunc),
	}, nil
}

// Send transmits body as a correlated request and blocks until the matching
// response, the configured request timeout, or ctx expiry. Concurrent Sends
// are independent and may complete out of order.
func (c *Client) Send(ctx context.Context, body any) (json.RawMessage, error) {
	return c.SendTimeout(ctx, body, c.cfg.RequestTimeout)
}

// SendTimeout is Send with a per-request timeout overriding the configured
// one. Expiry rejects only this request; other pending requests and the
// transport are untouched.
func (c *Client) SendTimeout(ctx context.Context, body any, timeout time.Duration) (json.RawMessage, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	token, ch := c.registerPending()

	frame, err := wire.Encode(token, body)
	if err != nil {
		c.unregister(token)
		return nil, err
	}

	c.mut.Lock()
	conn := c.conn
	epoch := c.epoch
	c.mut.Unlock()

	if conn == nil {
		c.unregister(token)
		return nil, &werr.Disconnected{Reason: "no live connection"}
	}

	if sendErr := conn.Send(frame); sendErr != nil {
		c.unregister(token)
		c.teardown(epoch, sendErr)
		return nil, &werr.Disconnected{Reason: sendErr.Error()}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.body, out.err
	case <-timer.C:
		c.unregister(token)
		return nil, &werr.Timeout{Token: token, After: timeout}
	case <-ctx.Done():
		c.unregister(token)
		return nil, ctx.Err()
	}
}

// Subscribe registers fn for every subsequent broadcast on topic, but only
// once the server acknowledged the subscription with an ok envelope. A nok
// response is returned to the caller and registers nothing.
func (c *Client) Subscribe(ctx context.Context, topic string, fn BroadcastFunc) (json.RawMessage, error) {
	resp, err := c.Send(ctx, map[string]any{"action": wire.ActionSubscribe, "topic": topic})
	if err != nil {
		return nil, err
	}

	if wire.Status(resp) == wire.StatusOk {
		c.mutSubs.Lock()
		c.subs[topic] = fn
		c.mutSubs.Unlock()
	}
	return resp, nil
}

// Unsubscribe always removes the local registration, whatever the server
// answers; from the caller's perspective it is idempotent.
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) {
	for _, topic := range topics {
		c.mutSubs.Lock()
		delete(c.subs, topic)
		c.mutSubs.Unlock()

		if _, err := c.Send(ctx, map[string]any{"action": wire.ActionUnsubscribe, "topic": topic}); err != nil {
			c.log.Debug("Unsubscribe request failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Stop cancels the heartbeat, rejects every pending request with a
// disconnected error and closes the transport. No subscription callback
// fires after it returns.
func (c *Client) Stop() {
	c.mut.Lock()
	c.stopHeartbeatLocked()
	conn := c.conn
	readerDone := c.readerDone
	connectDone := c.connectDone
	c.conn = nil
	c.epoch++
	c.state = stateClosing
	c.mut.Unlock()

	// An in-flight connect observes the state change and discards its
	// transport instead of promoting it; wait for that to settle so no
	// goroutine of ours outlives the stop.
	if connectDone != nil {
		select {
		case <-connectDone:
		case <-time.After(2 * time.Second):
			c.log.Warn("Connect attempt did not settle within the stop grace period")
		}
	}

	c.mutSubs.Lock()
	c.subs = make(map[string]BroadcastFunc)
	c.mutSubs.Unlock()

	if conn != nil {
		conn.Close()
	}
	if readerDone != nil {
		select {
		case <-readerDone:
		case <-time.After(2 * time.Second):
			c.log.Warn("Reader did not exit within the stop grace period")
		}
	}

	c.failAllPending(&werr.Disconnected{Reason: "channel stopped"})

	c.mut.Lock()
	c.state = stateClosed
	c.mut.Unlock()
}

func (c *Client) registerPending() (string, chan outcome) {
	c.mutPending.Lock()
	defer c.mutPending.Unlock()

	for {
		token := wire.NewCorrelationToken()
		if _, taken := c.pending[token]; taken {
			continue
		}
		ch := make(chan outcome, 1)
		c.pending[token] = ch
		return token, ch
	}
}

func (c *Client) unregister(token string) {
	c.mutPending.Lock()
	delete(c.pending, token)
	c.mutPending.Unlock()
}

func (c *Client) failAllPending(cause error) {
	c.mutPending.Lock()
	pending := c.pending
	c.pending = make(map[string]chan outcome)
	c.mutPending.Unlock()

	for _, ch := range pending {
		ch <- outcome{err: cause}
	}
}

// ensureConnected establishes the connection if none exists. While another
// goroutine is connecting or closing, it waits for that transition instead
// of opening a second transport.
func (c *Client) ensureConnected(ctx context.Context) error {
	for attempt := 0; attempt < maxConnectWaits; attempt++ {
		c.mut.Lock()
		switch c.state {
		case stateOpen:
			c.mut.Unlock()
			return nil

		case stateClosed:
			done := make(chan struct{})
			c.connectDone = done
			c.state = stateConnecting
			c.mut.Unlock()
			return c.dial(ctx, done)

		default:
			done := c.connectDone
			c.mut.Unlock()
			if done == nil {
				select {
				case <-time.After(connectPollInterval):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.DialTimeout):
				return &werr.Connect{URL: c.cfg.URL, Err: fmt.Errorf("timed out waiting for an in-flight connect")}
			}
		}
	}
	return &werr.Connect{URL: c.cfg.URL, Err: fmt.Errorf("gave up after %d waits for an open connection", maxConnectWaits)}
}

func (c *Client) dial(ctx context.Context, done chan struct{}) error {
	conn, err := c.dialTransport(ctx)

	c.mut.Lock()
	c.connectDone = nil
	if err != nil {
		if c.state == stateConnecting {
			c.state = stateClosed
		}
		c.mut.Unlock()
		close(done)
		c.log.Warn("Connection attempt failed", zap.Error(err))
		return err
	}

	// Stop may have run while the transport was being established; the
	// fresh connection must not be promoted behind its back.
	if c.state != stateConnecting {
		c.mut.Unlock()
		close(done)
		conn.Close()
		return &werr.Disconnected{Reason: "channel stopped during connect"}
	}

	c.conn = conn
	c.epoch++
	epoch := c.epoch
	c.state = stateOpen
	readerDone := make(chan struct{})
	c.readerDone = readerDone
	c.startHeartbeatLocked(conn, epoch)
	c.mut.Unlock()
	close(done)

	c.log.Info("Connection established")
	go c.readLoop(conn, epoch, readerDone)
	return nil
}

func (c *Client) dialTransport(ctx context.Context) (transport.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, &werr.Connect{URL: c.cfg.URL, Err: err}
	}

	switch u.Scheme {
	case "ws", "wss":
		return transport.DialWebsocket(ctx, transport.WebsocketDialParams{
			URL:              c.cfg.URL,
			Token:            c.cfg.Token,
			HandshakeTimeout: c.cfg.DialTimeout,
			SendQueueSize:    c.cfg.SendQueueSize,
		})
	default:
		return transport.DialTCP(transport.TCPDialParams{
			Address:       u.Host,
			User:          c.cfg.User,
			Token:         c.cfg.Token,
			DialTimeout:   c.cfg.DialTimeout,
			SendQueueSize: c.cfg.SendQueueSize,
		})
	}
}

func (c *Client) readLoop(conn transport.Conn, epoch int, done chan struct{}) {
	defer close(done)

	for {
		data, err := conn.Receive()
		if err != nil {
			c.teardown(epoch, err)
			return
		}

		unit, decErr := wire.Decode(data)
		if decErr != nil {
			// Malformed input is never trusted further.
			c.teardown(epoch, decErr)
			return
		}

		if unit.IsBroadcast() {
			c.mutSubs.RLock()
			fn := c.subs[unit.Topic]
			c.mutSubs.RUnlock()
			if fn != nil {
				fn(unit.Topic, unit.Body)
			}
			continue
		}

		c.mutPending.Lock()
		ch, has := c.pending[unit.ID]
		if has {
			delete(c.pending, unit.ID)
		}
		c.mutPending.Unlock()

		if has {
			ch <- outcome{body: unit.Body}
		}
		// A response for a token that already timed out is harmless.
	}
}

// teardown handles any transport-level failure: all pending requests are
// rejected with a disconnected error and the channel returns to CLOSED so
// the next Send can reconnect.
func (c *Client) teardown(epoch int, cause error) {
	c.mut.Lock()
	if epoch != c.epoch || c.state != stateOpen {
		c.mut.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.state = stateClosed
	c.mut.Unlock()

	if conn != nil {
		conn.Close()
	}

	c.log.Warn("Connection lost, rejecting pending requests", zap.Error(cause))
	c.failAllPending(&werr.Disconnected{Reason: cause.Error()})
}

func (c *Client) startHeartbeatLocked(conn transport.Conn, epoch int) {
	if c.hbCancel != nil {
		panic("heartbeat already running; restarting it without a stop is a bug")
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	c.hbCancel = cancel

	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := conn.Ping(); err != nil {
					c.teardown(epoch, err)
					return
				}
			}
		}
	}()
}

func (c *Client) stopHeartbeatLocked() {
	if c.hbCancel != nil {
		c.hbCancel()
		c.hbCancel = nil
	}
}
