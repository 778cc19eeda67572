// Main package for the session service: issues, verifies and revokes the
// HS256 tokens the delegation layer checks against.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/session"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/channel"
)

type config struct {
	ListenAddress string `env:"SESSIOND_LISTEN,default=127.0.0.1:7400"`
	Path          string `env:"SESSIOND_PATH,default=/session"`
	Binding       string `env:"SESSIOND_BINDING,default=websocket"`

	// Tokens is the comma-separated allow-list for inbound connections.
	Tokens string `env:"SESSIOND_TOKENS,required"`

	// ExpectedUser is the identity the tcp binding's challenge accepts;
	// the websocket binding ignores it.
	ExpectedUser string `env:"SESSIOND_EXPECTED_USER"`

	Secret   string        `env:"SESSIOND_SECRET,required"`
	TokenTTL time.Duration `env:"SESSIOND_TOKEN_TTL,default=24h"`

	// RedisAddr switches token bookkeeping from memory to Redis when set.
	RedisAddr string `env:"SESSIOND_REDIS_ADDR"`

	AdminListen string `env:"SESSIOND_ADMIN_LISTEN,default=127.0.0.1:7401"`
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

	var tokenStore store.Store = store.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs := store.NewRedisStore(cfg.RedisAddr, "sessiond:")
		defer rs.Close()
		tokenStore = rs
		logger.Info("Using Redis token store", zap.String("addr", cfg.RedisAddr))
	}

	svc, err := session.CreateService(session.Config{
		Secret:   []byte(cfg.Secret),
		TokenTTL: cfg.TokenTTL,
		Store:    tokenStore,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Failed to create session service", zap.Error(err))
	}

	server, err := channel.CreateServer(channel.ServerConfig{
		ListenAddress:    cfg.ListenAddress,
		Path:             cfg.Path,
		Binding:          cfg.Binding,
		AuthorizedTokens: strings.Split(cfg.Tokens, ","),
		ExpectedUser:     cfg.ExpectedUser,
		Logger:           logger,
	}, svc.Handle)
	if err != nil {
		logger.Fatal("Failed to create server channel", zap.Error(err))
	}

	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start server channel", zap.Error(err))
	}
	logger.Info("Session service listening", zap.String("addr", server.Addr()), zap.String("binding", cfg.Binding))

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
	server.Stop()
	adminSrv.Close()
}
