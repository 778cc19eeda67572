// Package session implements the token issuing side of the delegation
// story: a channel handler answering issue, verify and revoke requests
// with HS256 tokens whose ids are tracked in a store so revocation takes
// effect before expiry.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/channel"
	"github.com/weftlabs/weft/pkg/wire"
)

const (
	ActionIssue  = "issue"
	ActionVerify = "verify"
	ActionRevoke = "revoke"

	defaultTokenTTL = 24 * time.Hour
	minSecretLength = 32
)

type Claims struct {
	Subject string `json:"subject"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret   []byte
	TokenTTL time.Duration
	Store    store.Store
	Logger   *zap.Logger
}

type Service struct {
	cfg Config
	log *zap.Logger
}

func CreateService(cfg Config) (*Service, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, errors.New("session config: secret must be at least 32 bytes")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &Service{
		cfg: cfg,
		log: logger.With(zap.String("service", "session")),
	}, nil
}

// Handle is a channel.Handler.
func (s *Service) Handle(ctx context.Context, req *channel.Request) (any, error) {
	switch req.Action {
	case ActionIssue:
		return s.issue(ctx, gjson.GetBytes(req.Body, "subject").String())
	case ActionVerify:
		return s.verify(ctx, gjson.GetBytes(req.Body, "token").String())
	case ActionRevoke:
		return s.revoke(ctx, gjson.GetBytes(req.Body, "token").String())
	default:
		return wire.Nok("unknown action '" + req.Action + "'"), nil
	}
}

func (s *Service) issue(ctx context.Context, subject string) (any, error) {
	if subject == "" {
		return wire.Nok("subject is required"), nil
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.TokenTTL)
	jti := uuid.NewString()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := token.SignedString(s.cfg.Secret)
	if err != nil {
		return nil, err
	}

	if err := s.cfg.Store.Put(ctx, jtiKey(jti), subject, s.cfg.TokenTTL); err != nil {
		return nil, err
	}

	s.log.Info("Issued session token", zap.String("subject", subject), zap.String("jti", jti))

	return wire.Ok(ActionIssue, map[string]any{
		"token":      signed,
		"expires_at": expiresAt.Unix(),
	}), nil
}

func (s *Service) verify(ctx context.Context, tokenString string) (any, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return wire.Nok("invalid token"), nil
	}

	active, err := s.cfg.Store.Exists(ctx, jtiKey(claims.ID))
	if err != nil {
		return nil, err
	}
	if !active {
		return wire.Nok("token revoked"), nil
	}

	return wire.Ok(ActionVerify, map[string]any{
		"subject": claims.Subject,
		"jti":     claims.ID,
	}), nil
}

func (s *Service) revoke(ctx context.Context, tokenString string) (any, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return wire.Nok("invalid token"), nil
	}

	if err := s.cfg.Store.Delete(ctx, jtiKey(claims.ID)); err != nil {
		return nil, err
	}

	s.log.Info("Revoked session token", zap.String("jti", claims.ID))

	return wire.Ok(ActionRevoke, map[string]any{"jti": claims.ID}), nil
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("empty token")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.cfg.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	return claims, nil
}

func jtiKey(jti string) string {
	return "jti:" + jti
}
