package idp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/civic-directory/accessgate/internal/auth"
	"github.com/civic-directory/accessgate/internal/config"
)

// Claims are the access-token claims issued by the hosted auth service.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// JWTProvider validates HS256 access tokens signed with a shared secret.
type JWTProvider struct {
	secret []byte
	opts   []jwt.ParserOption
}

// JWTOption configures a JWTProvider.
type JWTOption func(*jwtOptions)

type jwtOptions struct {
	now func() time.Time
}

// WithClock sets the time used for expiry checks.
func WithClock(now func() time.Time) JWTOption {
	return func(o *jwtOptions) { o.now = now }
}

// NewJWTProvider creates a JWTProvider. Issuer and audience are enforced when set.
func NewJWTProvider(cfg config.JWTIdentityConfig, opts ...JWTOption) (*JWTProvider, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt identity provider requires a secret")
	}
	o := jwtOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(o.now),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTProvider{secret: []byte(cfg.Secret), opts: parserOpts}, nil
}

// GetPrincipal implements auth.IdentityProvider. Tokens that fail parsing,
// signature or claim validation are not recognised and yield (nil, nil).
func (p *JWTProvider) GetPrincipal(ctx context.Context, credential string) (*auth.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(*jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, p.opts...)
	if err != nil || !token.Valid {
		slog.DebugContext(ctx, "rejected bearer token", "error", err)
		return nil, nil
	}
	if claims.Subject == "" {
		return nil, nil
	}
	return &auth.Identity{ID: claims.Subject, Email: claims.Email, Role: auth.RoleUser}, nil
}
