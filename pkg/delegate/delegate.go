// Package delegate decorates a server channel with credential verification
// against a second service: before the domain handler runs, the credential
// carried by the request is forwarded to an upstream verifier through an
// owned client channel, and only a positive outcome lets the request
// through.
package delegate

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/pkg/channel"
	werr "github.com/weftlabs/weft/pkg/errors"
	"github.com/weftlabs/weft/pkg/wire"
)

const defaultCredentialField = "token"

// ActionVerify is the request action the upstream verifier answers.
const ActionVerify = "verify"

type Config struct {
	Server   channel.ServerConfig
	Upstream channel.ClientConfig

	// CredentialField names the request body field holding the
	// credential; defaults to "token".
	CredentialField string

	Logger *zap.Logger
}

// Layer is the wrapping channel. It owns both the server channel it
// decorates and the client channel to the upstream verifier.
type Layer struct {
	cfg      Config
	server   *channel.Server
	upstream *channel.Client
	handler  channel.Handler
	log      *zap.Logger
}

func CreateLayer(cfg Config, handler channel.Handler) (*Layer, error) {
	if cfg.CredentialField == "" {
		cfg.CredentialField = defaultCredentialField
	}
	if handler == nil {
		handler = channel.EchoHandler
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	upstream, err := channel.CreateClient(cfg.Upstream)
	if err != nil {
		return nil, err
	}

	l := &Layer{
		cfg:      cfg,
		upstream: upstream,
		handler:  handler,
		log:      logger.With(zap.String("channel", "delegate")),
	}

	server, err := channel.CreateServer(cfg.Server, l.received)
	if err != nil {
		return nil, err
	}
	l.server = server

	return l, nil
}

func (l *Layer) Start() error {
	return l.server.Start()
}

// Stop stops the upstream client channel and the underlying server channel.
// A verification in flight observes the upstream teardown as a rejected
// call and resolves to the upstream-unavailable envelope; nothing dangles.
func (l *Layer) Stop() {
	l.upstream.Stop()
	l.server.Stop()
}

func (l *Layer) Addr() string {
	return l.server.Addr()
}

func (l *Layer) OfferTopics(names ...string) error {
	return l.server.OfferTopics(names...)
}

func (l *Layer) Broadcast(topic string, body any) error {
	return l.server.Broadcast(topic, body)
}

func (l *Layer) received(ctx context.Context, req *channel.Request) (any, error) {
	cred := gjson.GetBytes(req.Body, l.cfg.CredentialField).String()
	if cred == "" {
		// Checked before any network call; a peer that cannot present a
		// credential at all is cut loose.
		return nil, &werr.ClientError{Message: "missing credential"}
	}

	resp, err := l.upstream.Send(ctx, map[string]any{
		"action": ActionVerify,
		"token":  cred,
	})
	if err != nil {
		l.log.Warn("Upstream verification unreachable", zap.Error(err))
		return upstreamUnavailable(), nil
	}

	switch wire.Status(resp) {
	case wire.StatusOk:
		if subject := gjson.GetBytes(resp, "subject").String(); subject != "" {
			req.Identity = map[string]any{"subject": subject}
		}
		return l.handler(ctx, req)

	case wire.StatusNok:
		// Business rejection from the verifier, returned unchanged; the
		// connection stays open.
		return json.RawMessage(resp), nil

	default:
		// The raw upstream error must not leak to the end caller.
		l.log.Warn("Upstream verification returned an error envelope")
		return upstreamUnavailable(), nil
	}
}

func upstreamUnavailable() map[string]any {
	return map[string]any{
		"status":  wire.StatusError,
		"message": "upstream unavailable",
	}
}
