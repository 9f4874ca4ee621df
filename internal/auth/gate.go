package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/civic-directory/accessgate/internal/ratelimit"
	"github.com/civic-directory/accessgate/internal/telemetry"
)

// ActionSessionAuth is the rate-limit action class for politician credential checks.
const ActionSessionAuth = "session-auth"

// Credentials are the raw authentication inputs extracted from a request.
type Credentials struct {
	// Bearer is an identity-provider token from the Authorization header or cookie.
	Bearer string

	PoliticianID string
	SessionToken string

	// ClientIP keys the session-auth throttle.
	ClientIP string
}

// IdentityProvider authenticates bearer credentials issued by the external
// identity provider. It returns (nil, nil) for a credential it does not accept
// and an error only for infrastructure failures.
type IdentityProvider interface {
	GetPrincipal(ctx context.Context, credential string) (*Identity, error)
}

// SessionValidator authenticates politician session tokens.
type SessionValidator interface {
	ValidateSession(ctx context.Context, politicianID, token string) (*Politician, error)
}

// RateChecker admits or rejects an attempt for a client and action class.
type RateChecker interface {
	Check(ctx context.Context, clientID string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// GateDeps holds the collaborators of a Gate. Any of them may be nil: a nil
// IdentityProvider ignores bearer credentials, a nil SessionValidator ignores
// politician credentials and a nil RateChecker disables the throttle.
type GateDeps struct {
	Identity    IdentityProvider
	Sessions    SessionValidator
	Limiter     RateChecker
	SessionRule ratelimit.Rule

	// IdentityTimeout bounds each IdentityProvider call, role lookup included.
	// Zero leaves it unbounded.
	IdentityTimeout time.Duration
}

// Gate resolves request credentials to a Principal.
type Gate struct {
	deps GateDeps
}

// NewGate creates a Gate.
func NewGate(deps GateDeps) *Gate {
	if deps.SessionRule.Action == "" {
		deps.SessionRule = ratelimit.Rule{Action: ActionSessionAuth, Limit: 30, Window: time.Minute}
	}
	return &Gate{deps: deps}
}

// Resolve returns the Principal for cred. Credentials are tried in order:
// bearer token, then the politician (id, token) pair. Missing or invalid
// credentials yield Anonymous. Errors are returned only for RATE_LIMITED and
// infrastructure failures.
func (g *Gate) Resolve(ctx context.Context, cred Credentials) (Principal, error) {
	p, err := g.resolve(ctx, cred)
	if err != nil {
		return nil, err
	}
	telemetry.PrincipalsResolvedTotal.WithLabelValues(string(p.Kind())).Inc()
	return p, nil
}

func (g *Gate) resolve(ctx context.Context, cred Credentials) (Principal, error) {
	if cred.Bearer != "" && g.deps.Identity != nil {
		id, err := g.identify(ctx, cred.Bearer)
		if err != nil {
			return nil, Internal(fmt.Errorf("identity provider: %w", err))
		}
		if id != nil {
			return PrincipalFor(*id), nil
		}
	}

	if cred.PoliticianID != "" && cred.SessionToken != "" && g.deps.Sessions != nil {
		if err := g.admit(ctx, cred.ClientIP); err != nil {
			return nil, err
		}
		p, err := g.deps.Sessions.ValidateSession(ctx, cred.PoliticianID, cred.SessionToken)
		switch {
		case err == nil:
			return *p, nil
		case !errors.Is(err, ErrUnauthorized):
			return nil, err
		}
	}

	return Anonymous{}, nil
}

func (g *Gate) identify(ctx context.Context, bearer string) (*Identity, error) {
	if g.deps.IdentityTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.deps.IdentityTimeout)
		defer cancel()
	}
	return g.deps.Identity.GetPrincipal(ctx, bearer)
}

func (g *Gate) admit(ctx context.Context, clientIP string) error {
	if g.deps.Limiter == nil {
		return nil
	}
	d, err := g.deps.Limiter.Check(ctx, clientIP, g.deps.SessionRule)
	if err != nil {
		return Internal(err)
	}
	if !d.Allowed {
		return RateLimited(d.RetryAfter)
	}
	return nil
}

// RequireAuth resolves cred and rejects Anonymous with UNAUTHORIZED.
func (g *Gate) RequireAuth(ctx context.Context, cred Credentials) (Principal, error) {
	p, err := g.Resolve(ctx, cred)
	if err != nil {
		return nil, err
	}
	if err := CheckAuthenticated(p); err != nil {
		return nil, err
	}
	return p, nil
}

// RequireAdmin resolves cred and rejects Anonymous with UNAUTHORIZED and any
// non-admin principal with FORBIDDEN.
func (g *Gate) RequireAdmin(ctx context.Context, cred Credentials) (Principal, error) {
	p, err := g.Resolve(ctx, cred)
	if err != nil {
		return nil, err
	}
	if err := CheckAdmin(p); err != nil {
		return nil, err
	}
	return p, nil
}
