// Main package for the wallet watcher: a delegation-protected channel that
// answers deposit-address lookups and broadcasts block and balance changes
// pulled from a node's JSON-RPC endpoint.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/watch"
	"github.com/weftlabs/weft/pkg/channel"
	"github.com/weftlabs/weft/pkg/delegate"
)

type config struct {
	ListenAddress string `env:"WALLETD_LISTEN,default=127.0.0.1:7410"`
	Path          string `env:"WALLETD_PATH,default=/wallet"`

	// Tokens is the comma-separated allow-list for inbound connections.
	Tokens string `env:"WALLETD_TOKENS,required"`

	// SessionURL and SessionToken point at the sessiond channel the
	// delegation layer verifies credentials against.
	SessionURL   string `env:"WALLETD_SESSION_URL,required"`
	SessionToken string `env:"WALLETD_SESSION_TOKEN,required"`

	RPCURL   string `env:"WALLETD_RPC_URL,required"`
	Schedule string `env:"WALLETD_SCHEDULE,default=@every 30s"`

	// Accounts maps account names to addresses, comma-separated
	// name=address pairs.
	Accounts string `env:"WALLETD_ACCOUNTS,required"`

	AdminListen string `env:"WALLETD_ADMIN_LISTEN,default=127.0.0.1:7411"`
}

func parseAccounts(raw string) map[string]string {
	accounts := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		name, address, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && name != "" && address != "" {
			accounts[name] = address
		}
	}
	return accounts
}

func main() {
	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	envFile := flag.String("env", "", "Optional .env file to load before reading configuration")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			logger.Fatal("Failed to load env file", zap.String("path", *envFile), zap.Error(err))
		}
	}

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		logger.Fatal("Failed to read configuration", zap.Error(err))
	}

	accounts := parseAccounts(cfg.Accounts)
	if len(accounts) == 0 {
		logger.Fatal("No usable account mappings", zap.String("raw", cfg.Accounts))
	}

	watcher := watch.CreateWatcher(watch.Config{
		RPCURL:   cfg.RPCURL,
		Schedule: cfg.Schedule,
		Accounts: accounts,
		Logger:   logger,
	})

	layer, err := delegate.CreateLayer(delegate.Config{
		Server: channel.ServerConfig{
			ListenAddress:    cfg.ListenAddress,
			Path:             cfg.Path,
			AuthorizedTokens: strings.Split(cfg.Tokens, ","),
			Logger:           logger,
		},
		Upstream: channel.ClientConfig{
			URL:    cfg.SessionURL,
			Token:  cfg.SessionToken,
			Logger: logger,
		},
		Logger: logger,
	}, watcher.Handle)
	if err != nil {
		logger.Fatal("Failed to create delegation layer", zap.Error(err))
	}

	if err := layer.Start(); err != nil {
		logger.Fatal("Failed to start channel", zap.Error(err))
	}
	if err := layer.OfferTopics(watch.TopicBalances, watch.TopicBlocks); err != nil {
		logger.Fatal("Failed to offer topics", zap.Error(err))
	}
	logger.Info("Wallet watcher listening", zap.String("addr", layer.Addr()))

	// The watcher needs the layer running before its first broadcast.
	watcher.SetBroadcaster(layer)
	if err := watcher.Start(); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", metrics.Handler())
	adminMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	adminSrv := &http.Server{Addr: cfg.AdminListen, Handler: adminMux}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin endpoint failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	watcher.Stop()
	layer.Stop()
	adminSrv.Close()
}
