package channel

import (
	"strings"
	"testing"
	"time"
)

// The validation message format is a contract: other components pattern
// match on "<which> config: <field>: <reason>".

func TestClientConfigValidation(t *testing.T) {
	valid := func() ClientConfig {
		cfg := ClientConfig{
			URL:   "ws://localhost:9000/weft",
			Token: "long-enough-token-123",
		}
		cfg.applyDefaults()
		return cfg
	}

	if err := func() error { cfg := valid(); return cfg.Validate() }(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*ClientConfig)
		message string
	}{
		{
			"missing url",
			func(c *ClientConfig) { c.URL = "" },
			"client config: url: required",
		},
		{
			"bad scheme",
			func(c *ClientConfig) { c.URL = "http://localhost:9000" },
			"client config: url: unsupported scheme 'http'",
		},
		{
			"short token",
			func(c *ClientConfig) { c.Token = "short" },
			"client config: token: too short",
		},
		{
			"timeout too small",
			func(c *ClientConfig) { c.RequestTimeout = time.Millisecond },
			"client config: requestTimeout: out of bounds",
		},
		{
			"timeout too large",
			func(c *ClientConfig) { c.RequestTimeout = 2 * time.Minute },
			"client config: requestTimeout: out of bounds",
		},
		{
			"heartbeat too small",
			func(c *ClientConfig) { c.HeartbeatInterval = 10 * time.Millisecond },
			"client config: heartbeatInterval: out of bounds",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := valid()
			c.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), c.message) {
				t.Errorf("error %q does not contain %q", err.Error(), c.message)
			}
		})
	}
}

func TestServerConfigValidation(t *testing.T) {
	valid := func() ServerConfig {
		cfg := ServerConfig{
			ListenAddress:    "127.0.0.1:9000",
			AuthorizedTokens: []string{"long-enough-token-123"},
		}
		cfg.applyDefaults()
		return cfg
	}

	if err := func() error { cfg := valid(); return cfg.Validate() }(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*ServerConfig)
		message string
	}{
		{
			"missing address",
			func(c *ServerConfig) { c.ListenAddress = "" },
			"server config: listenAddress: required",
		},
		{
			"no tokens",
			func(c *ServerConfig) { c.AuthorizedTokens = nil },
			"server config: authorizedTokens: required",
		},
		{
			"short token",
			func(c *ServerConfig) { c.AuthorizedTokens = []string{"long-enough-token-123", "x"} },
			"server config: authorizedTokens[1]: too short",
		},
		{
			"bad binding",
			func(c *ServerConfig) { c.Binding = "carrier-pigeon" },
			"server config: binding: wrong shape",
		},
		{
			"bad path",
			func(c *ServerConfig) { c.Path = "weft" },
			"server config: path: wrong shape",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := valid()
			c.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), c.message) {
				t.Errorf("error %q does not contain %q", err.Error(), c.message)
			}
		})
	}
}
