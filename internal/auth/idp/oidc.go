package idp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/civic-directory/accessgate/internal/auth"
	"github.com/civic-directory/accessgate/internal/config"
)

// OIDCProvider validates tokens from an OpenID Connect issuer. JWTs are
// verified locally against the issuer's keys; with UseUserInfo set, tokens
// that fail local verification are resolved through the userinfo endpoint.
type OIDCProvider struct {
	verifier    *oidc.IDTokenVerifier
	provider    *oidc.Provider
	useUserInfo bool
}

// NewOIDCProvider performs issuer discovery and returns an OIDCProvider.
func NewOIDCProvider(ctx context.Context, cfg config.OIDCIdentityConfig) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("OIDC issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("OIDC client ID is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	return &OIDCProvider{
		verifier:    provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		provider:    provider,
		useUserInfo: cfg.UseUserInfo,
	}, nil
}

// GetPrincipal implements auth.IdentityProvider.
func (p *OIDCProvider) GetPrincipal(ctx context.Context, credential string) (*auth.Identity, error) {
	if strings.Count(credential, ".") == 2 {
		idToken, err := p.verifier.Verify(ctx, credential)
		if err == nil {
			return identityFromToken(idToken)
		}
		slog.DebugContext(ctx, "bearer token failed OIDC verification", "error", err)
	}

	if !p.useUserInfo {
		return nil, nil
	}

	info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential}))
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, fmt.Errorf("userinfo request: %w", err)
		}
		// Non-2xx responses mean the issuer rejected the token.
		return nil, nil
	}
	if info.Subject == "" {
		return nil, nil
	}
	return &auth.Identity{ID: info.Subject, Email: info.Email, Role: auth.RoleUser}, nil
}

func identityFromToken(idToken *oidc.IDToken) (*auth.Identity, error) {
	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, nil
	}
	if idToken.Subject == "" {
		return nil, nil
	}
	return &auth.Identity{ID: idToken.Subject, Email: claims.Email, Role: auth.RoleUser}, nil
}
