// Package idp adapts external identity providers to auth.IdentityProvider.
// Providers authenticate the bearer credential only; the application role
// comes from the profiles table through WithRoles.
package idp

import (
	"context"
	"fmt"

	"github.com/civic-directory/accessgate/internal/auth"
	"github.com/civic-directory/accessgate/internal/config"
)

// RoleSource returns the stored role string for a user, or "" when none is stored.
type RoleSource interface {
	GetRole(ctx context.Context, userID string) (string, error)
}

// New builds the provider selected by cfg.Provider, decorated with role
// lookup. It returns nil for provider "none".
func New(ctx context.Context, cfg config.IdentityConfig, roles RoleSource) (auth.IdentityProvider, error) {
	var p auth.IdentityProvider
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "jwt":
		jp, err := NewJWTProvider(cfg.JWT)
		if err != nil {
			return nil, err
		}
		p = jp
	case "oidc":
		op, err := NewOIDCProvider(ctx, cfg.OIDC)
		if err != nil {
			return nil, err
		}
		p = op
	default:
		return nil, fmt.Errorf("unknown identity provider: %s", cfg.Provider)
	}
	return WithRoles(p, roles), nil
}

type roleProvider struct {
	next  auth.IdentityProvider
	roles RoleSource
}

// WithRoles fills in the Role of identities returned by next from roles.
// Users without a stored role are RoleUser.
func WithRoles(next auth.IdentityProvider, roles RoleSource) auth.IdentityProvider {
	if roles == nil {
		return next
	}
	return &roleProvider{next: next, roles: roles}
}

func (p *roleProvider) GetPrincipal(ctx context.Context, credential string) (*auth.Identity, error) {
	id, err := p.next.GetPrincipal(ctx, credential)
	if err != nil || id == nil {
		return id, err
	}
	role, err := p.roles.GetRole(ctx, id.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup role for %s: %w", id.ID, err)
	}
	id.Role = auth.ParseRole(role)
	return id, nil
}
