package delegate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/pkg/channel"
	"github.com/weftlabs/weft/pkg/wire"
)

const (
	upstreamToken = "upstream-token-0123456789abcdef"
	edgeToken     = "edge-token-0123456789abcdef"
)

// startVerifier runs an upstream channel answering verify requests:
// tokens prefixed "good-" pass with a subject claim, "boom" trips a
// handler error, anything else is rejected as a business nok.
func startVerifier(t *testing.T) *channel.Server {
	t.Helper()

	s, err := channel.CreateServer(channel.ServerConfig{
		ListenAddress:    "127.0.0.1:0",
		Path:             "/verify",
		AuthorizedTokens: []string{upstreamToken},
		Logger:           zap.NewNop(),
	}, func(_ context.Context, req *channel.Request) (any, error) {
		token := gjson.GetBytes(req.Body, "token").String()
		switch {
		case token == "boom":
			return nil, context.DeadlineExceeded
		case len(token) > 5 && token[:5] == "good-":
			return map[string]any{
				"status":  wire.StatusOk,
				"subject": token[5:],
			}, nil
		default:
			return wire.Nok("invalid token"), nil
		}
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	return s
}

func startLayer(t *testing.T, verifier *channel.Server, handler channel.Handler) *Layer {
	t.Helper()

	l, err := CreateLayer(Config{
		Server: channel.ServerConfig{
			ListenAddress:    "127.0.0.1:0",
			Path:             "/edge",
			AuthorizedTokens: []string{edgeToken},
			Logger:           zap.NewNop(),
		},
		Upstream: channel.ClientConfig{
			URL:    "ws://" + verifier.Addr() + "/verify",
			Token:  upstreamToken,
			Logger: zap.NewNop(),
		},
		Logger: zap.NewNop(),
	}, handler)
	require.NoError(t, err)
	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)

	return l
}

func newCaller(t *testing.T, l *Layer) *channel.Client {
	t.Helper()

	c, err := channel.CreateClient(channel.ClientConfig{
		URL:            "ws://" + l.Addr() + "/edge",
		Token:          edgeToken,
		RequestTimeout: 5 * time.Second,
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	return c
}

func TestVerifiedRequestReachesHandler(t *testing.T) {
	verifier := startVerifier(t)

	l := startLayer(t, verifier, func(_ context.Context, req *channel.Request) (any, error) {
		return map[string]any{
			"status":  wire.StatusOk,
			"subject": req.Identity["subject"],
		}, nil
	})
	c := newCaller(t, l)

	resp, err := c.Send(context.Background(), map[string]any{
		"action": "lookup",
		"token":  "good-alice",
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusOk, wire.Status(resp))
	require.Equal(t, "alice", gjson.GetBytes(resp, "subject").String())
}

func TestRejectedCredentialPassesThroughUnchanged(t *testing.T) {
	verifier := startVerifier(t)

	handlerCalled := false
	l := startLayer(t, verifier, func(_ context.Context, _ *channel.Request) (any, error) {
		handlerCalled = true
		return map[string]any{"status": wire.StatusOk}, nil
	})
	c := newCaller(t, l)

	resp, err := c.Send(context.Background(), map[string]any{
		"action": "lookup",
		"token":  "stale",
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusNok, wire.Status(resp))
	require.Equal(t, "invalid token", gjson.GetBytes(resp, "message").String())
	require.False(t, handlerCalled)

	// The connection survives a business rejection.
	resp, err = c.Send(context.Background(), map[string]any{
		"action": "lookup",
		"token":  "good-bob",
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusOk, wire.Status(resp))
}

// okHandler answers every verified request with a plain ok envelope.
func okHandler(_ context.Context, _ *channel.Request) (any, error) {
	return map[string]any{"status": wire.StatusOk}, nil
}

func TestUpstreamErrorIsMasked(t *testing.T) {
	verifier := startVerifier(t)

	l := startLayer(t, verifier, okHandler)
	c := newCaller(t, l)

	resp, err := c.Send(context.Background(), map[string]any{
		"action": "lookup",
		"token":  "boom",
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusError, wire.Status(resp))
	require.Equal(t, "upstream unavailable", gjson.GetBytes(resp, "message").String())

	// The caller's connection stays open even though the verifier dropped
	// the layer's upstream connection.
	resp, err = c.Send(context.Background(), map[string]any{
		"action": "lookup",
		"token":  "good-carol",
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusOk, wire.Status(resp))
}

func TestMissingCredentialIsFatal(t *testing.T) {
	verifier := startVerifier(t)

	l := startLayer(t, verifier, nil)
	c := newCaller(t, l)

	resp, err := c.Send(context.Background(), map[string]any{"action": "lookup"})
	require.NoError(t, err)
	require.Equal(t, wire.StatusError, wire.Status(resp))
	require.Equal(t, "missing credential", gjson.GetBytes(resp, "message").String())

	require.Eventually(t, func() bool {
		return connectionCount(l) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStoppedUpstreamMasksAsUnavailable(t *testing.T) {
	verifier := startVerifier(t)

	l := startLayer(t, verifier, okHandler)
	c := newCaller(t, l)

	// Warm the upstream connection, then take the verifier away.
	resp, err := c.Send(context.Background(), map[string]any{
		"action": "lookup",
		"token":  "good-dave",
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusOk, wire.Status(resp))

	verifier.Stop()

	resp, err = c.SendTimeout(context.Background(), map[string]any{
		"action": "lookup",
		"token":  "good-dave",
	}, time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.StatusError, wire.Status(resp))
	require.Equal(t, "upstream unavailable", gjson.GetBytes(resp, "message").String())
}

func TestBroadcastPassthrough(t *testing.T) {
	verifier := startVerifier(t)

	l := startLayer(t, verifier, nil)
	require.NoError(t, l.OfferTopics("events"))

	c := newCaller(t, l)
	got := make(chan json.RawMessage, 1)
	resp, err := c.Subscribe(context.Background(), "events", func(_ string, body json.RawMessage) {
		got <- body
	})
	require.NoError(t, err)
	require.Equal(t, wire.StatusOk, wire.Status(resp))

	require.NoError(t, l.Broadcast("events", map[string]any{"seq": 1}))

	select {
	case body := <-got:
		require.Equal(t, int64(1), gjson.GetBytes(body, "seq").Int())
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never arrived")
	}
}

func connectionCount(l *Layer) int {
	return l.server.ConnectionCount()
}
