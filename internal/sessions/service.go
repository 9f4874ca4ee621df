// Package sessions issues and validates the opaque bearer tokens a politician
// receives after proving control of an email address.
//
// Tokens are 32 random bytes rendered as 64 hex characters. Only the SHA-256
// of a token is stored, so a leaked table cannot be replayed. A politician may
// hold any number of concurrent sessions; each dies by expiry or revocation.
package sessions

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/civic-directory/accessgate/internal/auth"
	"github.com/civic-directory/accessgate/internal/db/models"
	"github.com/civic-directory/accessgate/internal/db/repositories"
	"github.com/civic-directory/accessgate/internal/safego"
	"github.com/civic-directory/accessgate/internal/telemetry"
)

const (
	DefaultLifetime     = 24 * time.Hour
	DefaultTouchTimeout = 5 * time.Second

	tokenBytes     = 32
	createAttempts = 3
)

// Store persists politician sessions.
type Store interface {
	CreateSession(ctx context.Context, s *models.PoliticianSession) error
	FindActiveSession(ctx context.Context, politicianID, tokenHash string, now time.Time) (*models.PoliticianSession, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	RevokeSession(ctx context.Context, id string, at time.Time) (bool, error)
	RevokeAllSessions(ctx context.Context, politicianID string, at time.Time) (int64, error)
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// PoliticianLookup resolves politician ids to their public fields.
type PoliticianLookup interface {
	GetPolitician(ctx context.Context, id string) (*models.Politician, error)
}

// Config tunes a Service. Zero values fall back to the package defaults.
type Config struct {
	Lifetime       time.Duration
	TouchTimeout   time.Duration
	StorageTimeout time.Duration
}

// Metadata is recorded on a session for audit.
type Metadata struct {
	IPAddress string
	UserAgent string
}

// Issued is a freshly created session. Token is returned once and never stored.
type Issued struct {
	SessionID string
	Token     string
	ExpiresAt time.Time
}

// Service implements session issuance, validation and revocation.
type Service struct {
	store       Store
	politicians PoliticianLookup
	cfg         Config
	now         func() time.Time
	random      func([]byte) (int, error)
}

// Option configures a Service.
type Option func(*Service)

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a Service. store and politicians are required.
func NewService(store Store, politicians PoliticianLookup, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("[sessions.NewService] store is required")
	}
	if politicians == nil {
		return nil, errors.New("[sessions.NewService] politician lookup is required")
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.TouchTimeout <= 0 {
		cfg.TouchTimeout = DefaultTouchTimeout
	}

	s := &Service{
		store:       store,
		politicians: politicians,
		cfg:         cfg,
		now:         time.Now,
		random:      rand.Read,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Lifetime reports how long issued sessions stay valid.
func (s *Service) Lifetime() time.Duration { return s.cfg.Lifetime }

// IssueSession creates a session for politicianID. The caller must have just
// completed a successful code verification for the same politician.
func (s *Service) IssueSession(ctx context.Context, politicianID string, meta Metadata) (*Issued, error) {
	if _, err := uuid.Parse(politicianID); err != nil {
		return nil, auth.InvalidInput("politician_id must be a UUID")
	}

	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	now := s.now().UTC()
	sess := &models.PoliticianSession{
		PoliticianID: politicianID,
		ExpiresAt:    now.Add(s.cfg.Lifetime),
		IPAddress:    optional(meta.IPAddress),
		UserAgent:    optional(meta.UserAgent),
		CreatedAt:    now,
	}

	for attempt := 1; ; attempt++ {
		token, err := s.newToken()
		if err != nil {
			return nil, auth.Internal(err)
		}
		sess.ID = uuid.NewString()
		sess.TokenHash = HashToken(token)

		err = s.store.CreateSession(sctx, sess)
		if err == nil {
			telemetry.SessionsIssuedTotal.Inc()
			return &Issued{SessionID: sess.ID, Token: token, ExpiresAt: sess.ExpiresAt}, nil
		}
		if !errors.Is(err, repositories.ErrDuplicate) || attempt == createAttempts {
			return nil, auth.Internal(fmt.Errorf("persist session: %w", err))
		}
		slog.Warn("session token collision, regenerating", "politician_id", politicianID, "attempt", attempt)
	}
}

// ValidateSession authenticates a (politicianID, token) pair. Every failure
// other than a storage error is reported as UNAUTHORIZED, whether the token is
// malformed, unknown, bound to another politician, expired or revoked.
func (s *Service) ValidateSession(ctx context.Context, politicianID, token string) (*auth.Politician, error) {
	p, err := s.validate(ctx, politicianID, token)
	switch {
	case err == nil:
		telemetry.SessionValidationsTotal.WithLabelValues("valid").Inc()
	case auth.KindOf(err) == auth.KindUnauthorized:
		telemetry.SessionValidationsTotal.WithLabelValues("unauthorized").Inc()
	default:
		telemetry.SessionValidationsTotal.WithLabelValues("error").Inc()
	}
	return p, err
}

func (s *Service) validate(ctx context.Context, politicianID, token string) (*auth.Politician, error) {
	if _, err := uuid.Parse(politicianID); err != nil {
		return nil, auth.ErrUnauthorized
	}
	if !ValidTokenFormat(token) {
		return nil, auth.ErrUnauthorized
	}

	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	now := s.now().UTC()
	sess, err := s.store.FindActiveSession(sctx, politicianID, HashToken(token), now)
	if err != nil {
		return nil, auth.Internal(fmt.Errorf("find session: %w", err))
	}
	if sess == nil {
		return nil, auth.ErrUnauthorized
	}

	politician, err := s.politicians.GetPolitician(sctx, politicianID)
	if err != nil {
		return nil, auth.Internal(fmt.Errorf("lookup politician: %w", err))
	}
	if politician == nil {
		return nil, auth.ErrUnauthorized
	}

	s.touch(sess.ID, now)

	return &auth.Politician{ID: politician.ID, Name: politician.Name, SessionID: sess.ID}, nil
}

// touch stamps last_used_at in the background. Failures are logged only.
func (s *Service) touch(sessionID string, at time.Time) {
	safego.GoWithTimeout(s.cfg.TouchTimeout, func(ctx context.Context) {
		if err := s.store.TouchSession(ctx, sessionID, at); err != nil {
			slog.Warn("failed to update session last_used_at", "session_id", sessionID, "error", err)
		}
	})
}

// Revoke ends a single session. It reports false when the session was unknown
// or already revoked.
func (s *Service) Revoke(ctx context.Context, sessionID string) (bool, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return false, auth.InvalidInput("session id must be a UUID")
	}
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	ok, err := s.store.RevokeSession(sctx, sessionID, s.now().UTC())
	if err != nil {
		return false, auth.Internal(fmt.Errorf("revoke session: %w", err))
	}
	if ok {
		telemetry.SessionsRevokedTotal.WithLabelValues("single").Inc()
	}
	return ok, nil
}

// RevokeAll ends every active session of politicianID and returns how many
// were revoked.
func (s *Service) RevokeAll(ctx context.Context, politicianID string) (int64, error) {
	if _, err := uuid.Parse(politicianID); err != nil {
		return 0, auth.InvalidInput("politician_id must be a UUID")
	}
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	n, err := s.store.RevokeAllSessions(sctx, politicianID, s.now().UTC())
	if err != nil {
		return 0, auth.Internal(fmt.Errorf("revoke sessions: %w", err))
	}
	telemetry.SessionsRevokedTotal.WithLabelValues("all").Add(float64(n))
	return n, nil
}

// Prune deletes sessions that expired more than olderThan ago.
func (s *Service) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	n, err := s.store.DeleteExpiredSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	telemetry.SessionsPrunedTotal.Add(float64(n))
	return n, nil
}

func (s *Service) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := s.random(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StorageTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.StorageTimeout)
	}
	return ctx, func() {}
}

// HashToken returns the stored form of a session token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(token)))
	return hex.EncodeToString(sum[:])
}

// ValidTokenFormat reports whether token is 64 hex characters.
func ValidTokenFormat(token string) bool {
	if len(token) != 2*tokenBytes {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
