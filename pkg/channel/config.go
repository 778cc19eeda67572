package channel

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Validation bounds. Violations surface as fixed, human-readable messages
// naming the offending field; other components pattern-match on them in
// tests, so the format is itself a contract.
const (
	MinTokenLength = 16

	MinRequestTimeout = 10 * time.Millisecond
	MaxRequestTimeout = 60 * time.Second

	MinHeartbeatInterval = 100 * time.Millisecond
	MaxHeartbeatInterval = 60 * time.Second
)

const (
	defaultRequestTimeout    = 10 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultBacklogLimit      = 256 << 10
)

const (
	BindingWebsocket = "websocket"
	BindingTCP       = "tcp"
)

type ClientConfig struct {
	// URL of the peer channel: ws://, wss:// or tcp://.
	URL string

	// User is the identity presented by the challenge binding; the
	// websocket binding ignores it.
	User  string
	Token string

	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration

	SendQueueSize int

	Logger *zap.Logger
}

func (c *ClientConfig) applyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

func (c *ClientConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("client config: url: required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("client config: url: wrong shape (%v)", err)
	}
	switch u.Scheme {
	case "ws", "wss", "tcp":
	default:
		return fmt.Errorf("client config: url: unsupported scheme '%s'", u.Scheme)
	}
	if len(c.Token) < MinTokenLength {
		return fmt.Errorf("client config: token: too short (minimum %d characters)", MinTokenLength)
	}
	if c.RequestTimeout < MinRequestTimeout || c.RequestTimeout > MaxRequestTimeout {
		return fmt.Errorf("client config: requestTimeout: out of bounds (%s to %s)", MinRequestTimeout, MaxRequestTimeout)
	}
	if c.HeartbeatInterval < MinHeartbeatInterval || c.HeartbeatInterval > MaxHeartbeatInterval {
		return fmt.Errorf("client config: heartbeatInterval: out of bounds (%s to %s)", MinHeartbeatInterval, MaxHeartbeatInterval)
	}
	return nil
}

type ServerConfig struct {
	ListenAddress string

	// Path is the websocket upgrade endpoint; unused by the tcp binding.
	Path string

	// Binding selects the transport: BindingWebsocket (default) or
	// BindingTCP.
	Binding string

	AuthorizedTokens []string

	// ExpectedUser is the single identity the challenge binding accepts.
	ExpectedUser string

	// BacklogLimit is the buffered-bytes level above which a connection is
	// considered unhealthy and dropped after a response write.
	BacklogLimit int

	SendQueueSize int

	// QuietPaths are request paths suppressed from access logging.
	QuietPaths []string

	Logger *zap.Logger
}

func (c *ServerConfig) applyDefaults() {
	if c.Binding == "" {
		c.Binding = BindingWebsocket
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.BacklogLimit == 0 {
		c.BacklogLimit = defaultBacklogLimit
	}
}

func (c *ServerConfig) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("server config: listenAddress: required")
	}
	if c.Binding != BindingWebsocket && c.Binding != BindingTCP {
		return fmt.Errorf("server config: binding: wrong shape (must be '%s' or '%s')", BindingWebsocket, BindingTCP)
	}
	if len(c.AuthorizedTokens) == 0 {
		return fmt.Errorf("server config: authorizedTokens: required")
	}
	for i, token := range c.AuthorizedTokens {
		if len(token) < MinTokenLength {
			return fmt.Errorf("server config: authorizedTokens[%d]: too short (minimum %d characters)", i, MinTokenLength)
		}
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("server config: path: wrong shape (must start with '/')")
	}
	return nil
}
