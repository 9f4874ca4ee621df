// Package verification issues and redeems one-time email codes that prove a
// person controls an address on behalf of a politician.
//
// Codes are six characters from [A-Z0-9], valid for fifteen minutes by default,
// and stored only as bcrypt hashes. Requesting a new code supersedes any
// pending code for the same politician and address. Email delivery happens
// after the code is persisted and never fails the request.
package verification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/civic-directory/accessgate/internal/auth"
	"github.com/civic-directory/accessgate/internal/db/models"
	"github.com/civic-directory/accessgate/internal/ratelimit"
	"github.com/civic-directory/accessgate/internal/safego"
	"github.com/civic-directory/accessgate/internal/telemetry"
)

const (
	ActionRequestCode = "request-code"
	ActionVerifyCode  = "verify-code"

	DefaultCodeTTL      = 15 * time.Minute
	DefaultCodeLength   = 6
	DefaultEmailTimeout = 10 * time.Second
	DefaultEmailSubject = "Your verification code"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Store persists verification records.
type Store interface {
	CreateSuperseding(ctx context.Context, v *models.EmailVerification) error
	GetVerification(ctx context.Context, id string) (*models.EmailVerification, error)
	MarkVerified(ctx context.Context, id string, at time.Time) (bool, error)
	UnmarkVerified(ctx context.Context, id string, at time.Time) (bool, error)
}

// PoliticianLookup resolves politician ids.
type PoliticianLookup interface {
	GetPolitician(ctx context.Context, id string) (*models.Politician, error)
}

// RateChecker admits or rejects an attempt for a client and action class.
type RateChecker interface {
	Check(ctx context.Context, clientID string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// Mailer delivers a plain-text email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Deps holds the collaborators of a Service.
type Deps struct {
	Store       Store
	Politicians PoliticianLookup
	Limiter     RateChecker
	Mailer      Mailer
}

// Config tunes a Service. Zero values fall back to the package defaults.
type Config struct {
	CodeTTL         time.Duration
	CodeLength      int
	EmailTimeout    time.Duration
	EmailSubject    string
	BcryptCost      int
	StorageTimeout  time.Duration
	RequestCodeRule ratelimit.Rule
	VerifyCodeRule  ratelimit.Rule
}

// CodeRequest is the result of RequestCode.
type CodeRequest struct {
	VerificationID string
	ExpiresAt      time.Time
}

// Verified is the result of a successful VerifyCode.
type Verified struct {
	VerificationID string
	PoliticianID   string
	Email          string
	VerifiedAt     time.Time
}

// Service implements code issuance and verification.
type Service struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService validates deps and returns a Service.
func NewService(deps Deps, cfg Config, opts ...Option) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("[verification.NewService] Store is required")
	}
	if deps.Politicians == nil {
		return nil, errors.New("[verification.NewService] Politicians is required")
	}
	if deps.Mailer == nil {
		return nil, errors.New("[verification.NewService] Mailer is required")
	}

	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = DefaultCodeLength
	}
	if cfg.EmailTimeout <= 0 {
		cfg.EmailTimeout = DefaultEmailTimeout
	}
	if cfg.EmailSubject == "" {
		cfg.EmailSubject = DefaultEmailSubject
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.RequestCodeRule.Action == "" {
		cfg.RequestCodeRule = ratelimit.Rule{Action: ActionRequestCode, Limit: 3, Window: 15 * time.Minute}
	}
	if cfg.VerifyCodeRule.Action == "" {
		cfg.VerifyCodeRule = ratelimit.Rule{Action: ActionVerifyCode, Limit: 5, Window: 15 * time.Minute}
	}

	s := &Service{deps: deps, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RequestCode issues a new code for (politicianID, email), superseding any
// pending one, and dispatches it by email in the background.
func (s *Service) RequestCode(ctx context.Context, politicianID, email string) (*CodeRequest, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(politicianID); err != nil {
		return nil, auth.InvalidInput("politician_id must be a UUID")
	}

	if err := s.admit(ctx, email, s.cfg.RequestCodeRule); err != nil {
		return nil, err
	}

	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	politician, err := s.deps.Politicians.GetPolitician(sctx, politicianID)
	if err != nil {
		return nil, auth.Internal(fmt.Errorf("lookup politician: %w", err))
	}
	if politician == nil {
		return nil, auth.ErrNotFound
	}

	code, err := generateCode(s.cfg.CodeLength)
	if err != nil {
		return nil, auth.Internal(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cfg.BcryptCost)
	if err != nil {
		return nil, auth.Internal(fmt.Errorf("hash verification code: %w", err))
	}

	now := s.now().UTC()
	v := &models.EmailVerification{
		ID:           uuid.NewString(),
		PoliticianID: politicianID,
		Email:        email,
		CodeHash:     string(hash),
		ExpiresAt:    now.Add(s.cfg.CodeTTL),
		CreatedAt:    now,
	}
	if err := s.deps.Store.CreateSuperseding(sctx, v); err != nil {
		return nil, auth.Internal(fmt.Errorf("persist verification: %w", err))
	}
	telemetry.VerificationCodesRequestedTotal.Inc()

	s.dispatch(v.ID, email, code)

	return &CodeRequest{VerificationID: v.ID, ExpiresAt: v.ExpiresAt}, nil
}

// VerifyCode redeems code against the verification record. Failures are
// reported in order: NOT_FOUND, ALREADY_VERIFIED, EXPIRED, INVALID_CODE.
func (s *Service) VerifyCode(ctx context.Context, verificationID, code string) (*Verified, error) {
	if _, err := uuid.Parse(verificationID); err != nil {
		return nil, auth.InvalidInput("verification_id must be a UUID")
	}
	code, err := s.normalizeCode(code)
	if err != nil {
		return nil, err
	}

	if err := s.admit(ctx, verificationID, s.cfg.VerifyCodeRule); err != nil {
		recordAttempt(err)
		return nil, err
	}

	res, err := s.verify(ctx, verificationID, code)
	recordAttempt(err)
	return res, err
}

func (s *Service) verify(ctx context.Context, verificationID, code string) (*Verified, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	v, err := s.deps.Store.GetVerification(sctx, verificationID)
	if err != nil {
		return nil, auth.Internal(fmt.Errorf("load verification: %w", err))
	}
	if v == nil {
		return nil, auth.ErrNotFound
	}
	if v.Verified {
		return nil, auth.ErrAlreadyVerified
	}
	now := s.now().UTC()
	if v.IsExpired(now) {
		return nil, auth.ErrExpired
	}

	if err := bcrypt.CompareHashAndPassword([]byte(v.CodeHash), []byte(code)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, auth.ErrInvalidCode
		}
		return nil, auth.Internal(fmt.Errorf("compare verification code: %w", err))
	}

	won, err := s.deps.Store.MarkVerified(sctx, verificationID, now)
	if err != nil {
		return nil, auth.Internal(fmt.Errorf("mark verified: %w", err))
	}
	if !won {
		// A concurrent verify or a newer request got there first.
		current, err := s.deps.Store.GetVerification(sctx, verificationID)
		if err != nil {
			return nil, auth.Internal(fmt.Errorf("reload verification: %w", err))
		}
		if current != nil && current.Verified {
			return nil, auth.ErrAlreadyVerified
		}
		return nil, auth.ErrExpired
	}

	return &Verified{VerificationID: v.ID, PoliticianID: v.PoliticianID, Email: v.Email, VerifiedAt: now}, nil
}

// Release returns a redeemed code to pending so it can be redeemed again.
// Callers use it when the work that follows redemption fails. It reports
// false when the code can no longer be released: it was superseded, or a
// newer code is pending.
func (s *Service) Release(ctx context.Context, v *Verified) (bool, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	ok, err := s.deps.Store.UnmarkVerified(sctx, v.VerificationID, v.VerifiedAt)
	if err != nil {
		return false, auth.Internal(fmt.Errorf("release verification: %w", err))
	}
	return ok, nil
}

func (s *Service) admit(ctx context.Context, clientID string, rule ratelimit.Rule) error {
	if s.deps.Limiter == nil {
		return nil
	}
	d, err := s.deps.Limiter.Check(ctx, clientID, rule)
	if err != nil {
		return auth.Internal(err)
	}
	if !d.Allowed {
		return auth.RateLimited(d.RetryAfter)
	}
	return nil
}

func (s *Service) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StorageTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.StorageTimeout)
	}
	return ctx, func() {}
}

func (s *Service) dispatch(verificationID, email, code string) {
	subject := s.cfg.EmailSubject
	body := fmt.Sprintf(
		"Your verification code is %s.\n\nIt expires in %d minutes. If you did not request this code, you can ignore this email.\n",
		code, int(s.cfg.CodeTTL.Minutes()),
	)

	safego.GoWithTimeout(s.cfg.EmailTimeout, func(ctx context.Context) {
		if err := s.deps.Mailer.Send(ctx, email, subject, body); err != nil {
			telemetry.EmailDeliveriesTotal.WithLabelValues("failed").Inc()
			slog.Error("failed to send verification email",
				"verification_id", verificationID,
				"email", telemetry.RedactEmail(email),
				"error", err)
			return
		}
		telemetry.EmailDeliveriesTotal.WithLabelValues("sent").Inc()
	})
}

func (s *Service) normalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != s.cfg.CodeLength {
		return "", auth.InvalidInput("code must be %d characters", s.cfg.CodeLength)
	}
	for _, r := range code {
		if !strings.ContainsRune(codeAlphabet, r) {
			return "", auth.InvalidInput("code must contain only letters and digits")
		}
	}
	return code, nil
}

// NormalizeEmail trims and lower-cases an address and rejects anything that
// is not a bare addr-spec.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", auth.InvalidInput("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", auth.InvalidInput("email is not a valid address")
	}
	return email, nil
}

func generateCode(length int) (string, error) {
	alphabetSize := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("generate verification code: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

func recordAttempt(err error) {
	result := "verified"
	if err != nil {
		switch auth.KindOf(err) {
		case auth.KindNotFound:
			result = "not_found"
		case auth.KindAlreadyVerified:
			result = "already_verified"
		case auth.KindExpired:
			result = "expired"
		case auth.KindInvalidCode:
			result = "invalid_code"
		case auth.KindRateLimited:
			result = "rate_limited"
		default:
			result = "error"
		}
	}
	telemetry.VerificationAttemptsTotal.WithLabelValues(result).Inc()
}
