package verification

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/civic-directory/accessgate/internal/auth"
	"github.com/civic-directory/accessgate/internal/db/models"
	"github.com/civic-directory/accessgate/internal/db/repofakes"
	"github.com/civic-directory/accessgate/internal/mailer/mailertest"
	"github.com/civic-directory/accessgate/internal/ratelimit"
)

var (
	_ Store            = (*repofakes.VerificationStore)(nil)
	_ PoliticianLookup = (*repofakes.PoliticianStore)(nil)
	_ RateChecker      = (*ratelimit.Limiter)(nil)
	_ Mailer           = (*mailertest.Outbox)(nil)
)

const testPoliticianID = "8f14e45f-ceea-467f-a0e6-0b2e6a6b4f11"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc         *Service
	store       *repofakes.VerificationStore
	politicians *repofakes.PoliticianStore
	outbox      *mailertest.Outbox
	clock       *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: repofakes.NewVerificationStore(),
		politicians: repofakes.NewPoliticianStore(&models.Politician{
			ID:   testPoliticianID,
			Name: "Jane Mayor",
			Slug: "jane-mayor",
		}),
		outbox: mailertest.NewOutbox(),
		clock:  &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
	}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(ratelimit.WithClock(h.clock.Now)))

	svc, err := NewService(Deps{
		Store:       h.store,
		Politicians: h.politicians,
		Limiter:     limiter,
		Mailer:      h.outbox,
	}, Config{BcryptCost: bcrypt.MinCost}, WithNowTime(h.clock.Now))
	require.NoError(t, err)
	h.svc = svc
	return h
}

// request issues a code and returns it along with the verification id.
func (h *harness) request(t *testing.T, email string) (string, string) {
	t.Helper()
	res, err := h.svc.RequestCode(context.Background(), testPoliticianID, email)
	require.NoError(t, err)
	msg, ok := h.outbox.Next(2 * time.Second)
	require.True(t, ok, "no verification email was sent")
	return res.VerificationID, msg.Code()
}

func wrongCode(code string) string {
	if strings.HasPrefix(code, "A") {
		return "B" + code[1:]
	}
	return "A" + code[1:]
}

func TestNewService_RequiresDeps(t *testing.T) {
	_, err := NewService(Deps{}, Config{})
	assert.Error(t, err)

	_, err = NewService(Deps{Store: repofakes.NewVerificationStore()}, Config{})
	assert.Error(t, err)

	_, err = NewService(Deps{
		Store:       repofakes.NewVerificationStore(),
		Politicians: repofakes.NewPoliticianStore(),
	}, Config{})
	assert.Error(t, err)
}

func TestRequestCode_IssuesAndSendsCode(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.RequestCode(context.Background(), testPoliticianID, "  Mayor@City.Example ")
	require.NoError(t, err)
	assert.NotEmpty(t, res.VerificationID)
	assert.Equal(t, h.clock.Now().Add(15*time.Minute), res.ExpiresAt)

	msg, ok := h.outbox.Next(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "mayor@city.example", msg.To)
	assert.Equal(t, DefaultEmailSubject, msg.Subject)
	assert.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{6}$`), msg.Code())
	assert.Contains(t, msg.Body, "15 minutes")

	row, err := h.store.GetVerification(context.Background(), res.VerificationID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "mayor@city.example", row.Email)
	assert.False(t, row.Verified)
	assert.NotEqual(t, msg.Code(), row.CodeHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(row.CodeHash), []byte(msg.Code())))
}

func TestRequestCode_InvalidInput(t *testing.T) {
	h := newHarness(t)
	h.store.Fail("CreateSuperseding", errors.New("must not be reached"))
	h.politicians.Fail("GetPolitician", errors.New("must not be reached"))

	tests := []struct {
		name         string
		politicianID string
		email        string
	}{
		{"empty email", testPoliticianID, ""},
		{"no at sign", testPoliticianID, "mayor.city.example"},
		{"display name", testPoliticianID, "Jane <jane@city.example>"},
		{"bad politician id", "not-a-uuid", "mayor@city.example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.RequestCode(context.Background(), tt.politicianID, tt.email)
			assert.ErrorIs(t, err, auth.ErrInvalidInput)
		})
	}
}

func TestRequestCode_UnknownPolitician(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.RequestCode(context.Background(), uuid.NewString(), "mayor@city.example")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	assert.Empty(t, h.outbox.Messages())
}

func TestRequestCode_SupersedesPendingCode(t *testing.T) {
	h := newHarness(t)

	firstID, firstCode := h.request(t, "mayor@city.example")
	secondID, secondCode := h.request(t, "mayor@city.example")
	require.NotEqual(t, firstID, secondID)

	pending := h.store.Pending(testPoliticianID, "mayor@city.example")
	require.Len(t, pending, 1)
	assert.Equal(t, secondID, pending[0].ID)

	_, err := h.svc.VerifyCode(context.Background(), firstID, firstCode)
	assert.ErrorIs(t, err, auth.ErrExpired)

	res, err := h.svc.VerifyCode(context.Background(), secondID, secondCode)
	require.NoError(t, err)
	assert.Equal(t, secondID, res.VerificationID)
}

func TestRequestCode_DifferentEmailsDoNotSupersede(t *testing.T) {
	h := newHarness(t)

	h.request(t, "mayor@city.example")
	h.request(t, "office@city.example")

	assert.Len(t, h.store.Pending(testPoliticianID, "mayor@city.example"), 1)
	assert.Len(t, h.store.Pending(testPoliticianID, "office@city.example"), 1)
}

func TestRequestCode_RateLimitedPerEmail(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		h.request(t, "mayor@city.example")
	}
	_, err := h.svc.RequestCode(context.Background(), testPoliticianID, "MAYOR@city.example")
	require.ErrorIs(t, err, auth.ErrRateLimited)
	assert.Equal(t, 15*time.Minute, auth.RetryAfterOf(err))

	// Another address is counted separately.
	h.request(t, "office@city.example")

	h.clock.Advance(15 * time.Minute)
	h.request(t, "mayor@city.example")
}

func TestRequestCode_EmailFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.outbox.FailWith(errors.New("relay down"))

	res, err := h.svc.RequestCode(context.Background(), testPoliticianID, "mayor@city.example")
	require.NoError(t, err)
	assert.NotEmpty(t, res.VerificationID)
	assert.Len(t, h.store.Pending(testPoliticianID, "mayor@city.example"), 1)
}

func TestRequestCode_StorageFailure(t *testing.T) {
	h := newHarness(t)
	h.store.Fail("CreateSuperseding", errors.New("connection reset"))

	_, err := h.svc.RequestCode(context.Background(), testPoliticianID, "mayor@city.example")
	assert.ErrorIs(t, err, auth.ErrInternal)
	assert.Empty(t, h.outbox.Messages())

	h.store.Fail("CreateSuperseding", nil)
	h.politicians.Fail("GetPolitician", errors.New("connection reset"))
	_, err = h.svc.RequestCode(context.Background(), testPoliticianID, "mayor@city.example")
	assert.ErrorIs(t, err, auth.ErrInternal)
}

func TestVerifyCode_Success(t *testing.T) {
	h := newHarness(t)
	id, code := h.request(t, "mayor@city.example")

	res, err := h.svc.VerifyCode(context.Background(), id, " "+strings.ToLower(code)+" ")
	require.NoError(t, err)
	assert.Equal(t, &Verified{VerificationID: id, PoliticianID: testPoliticianID, Email: "mayor@city.example"}, res)

	row, _ := h.store.GetVerification(context.Background(), id)
	require.NotNil(t, row.VerifiedAt)
	assert.True(t, row.Verified)
	assert.Equal(t, h.clock.Now(), *row.VerifiedAt)
}

func TestVerifyCode_SecondRedemptionIsAlreadyVerified(t *testing.T) {
	h := newHarness(t)
	id, code := h.request(t, "mayor@city.example")

	_, err := h.svc.VerifyCode(context.Background(), id, code)
	require.NoError(t, err)

	_, err = h.svc.VerifyCode(context.Background(), id, code)
	assert.ErrorIs(t, err, auth.ErrAlreadyVerified)
}

func TestVerifyCode_Expiry(t *testing.T) {
	h := newHarness(t)
	id, code := h.request(t, "mayor@city.example")

	h.clock.Advance(15*time.Minute - time.Second)
	_, err := h.svc.VerifyCode(context.Background(), id, wrongCode(code))
	require.ErrorIs(t, err, auth.ErrInvalidCode)

	h.clock.Advance(time.Second)
	_, err = h.svc.VerifyCode(context.Background(), id, code)
	assert.ErrorIs(t, err, auth.ErrExpired)
}

func TestVerifyCode_FailureOrder(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.VerifyCode(context.Background(), uuid.NewString(), "ABC123")
	assert.ErrorIs(t, err, auth.ErrNotFound, "unknown id")

	verifiedID, verifiedCode := h.request(t, "verified@city.example")
	_, err = h.svc.VerifyCode(context.Background(), verifiedID, verifiedCode)
	require.NoError(t, err)

	expiredID, expiredCode := h.request(t, "expired@city.example")
	h.clock.Advance(time.Hour)

	_, err = h.svc.VerifyCode(context.Background(), verifiedID, wrongCode(verifiedCode))
	assert.ErrorIs(t, err, auth.ErrAlreadyVerified, "verified wins over expired and wrong code")

	_, err = h.svc.VerifyCode(context.Background(), expiredID, wrongCode(expiredCode))
	assert.ErrorIs(t, err, auth.ErrExpired, "expired wins over wrong code")
}

func TestVerifyCode_InvalidInput(t *testing.T) {
	h := newHarness(t)
	h.store.Fail("GetVerification", errors.New("must not be reached"))

	tests := []struct {
		name string
		id   string
		code string
	}{
		{"bad id", "123", "ABC123"},
		{"short code", uuid.NewString(), "ABC12"},
		{"long code", uuid.NewString(), "ABC1234"},
		{"punctuation", uuid.NewString(), "ABC-23"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.VerifyCode(context.Background(), tt.id, tt.code)
			assert.ErrorIs(t, err, auth.ErrInvalidInput)
		})
	}
}

func TestVerifyCode_RateLimitedPerVerification(t *testing.T) {
	h := newHarness(t)
	id, code := h.request(t, "mayor@city.example")

	for i := 0; i < 5; i++ {
		_, err := h.svc.VerifyCode(context.Background(), id, wrongCode(code))
		require.ErrorIs(t, err, auth.ErrInvalidCode)
	}

	_, err := h.svc.VerifyCode(context.Background(), id, code)
	require.ErrorIs(t, err, auth.ErrRateLimited)
	assert.Greater(t, auth.RetryAfterOf(err), time.Duration(0))

	row, _ := h.store.GetVerification(context.Background(), id)
	assert.False(t, row.Verified)
}

func TestVerifyCode_ConcurrentRedemptionHasOneWinner(t *testing.T) {
	h := newHarness(t)
	id, code := h.request(t, "mayor@city.example")

	// Stay under the verify-code limit so every attempt reaches storage.
	const attempts = 5
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		already   int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.VerifyCode(context.Background(), id, code)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, auth.ErrAlreadyVerified):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, already)
}

func TestVerifyCode_StorageFailure(t *testing.T) {
	h := newHarness(t)
	id, code := h.request(t, "mayor@city.example")

	h.store.Fail("MarkVerified", errors.New("deadlock detected"))
	_, err := h.svc.VerifyCode(context.Background(), id, code)
	assert.ErrorIs(t, err, auth.ErrInternal)
}

func TestRelease_CodeCanBeRedeemedAgain(t *testing.T) {
	h := newHarness(t)
	id, code := h.request(t, "mayor@city.example")

	v, err := h.svc.VerifyCode(context.Background(), id, code)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now(), v.VerifiedAt)

	released, err := h.svc.Release(context.Background(), v)
	require.NoError(t, err)
	assert.True(t, released)

	again, err := h.svc.VerifyCode(context.Background(), id, code)
	require.NoError(t, err)
	assert.Equal(t, id, again.VerificationID)
}

func TestRelease_NewerCodePending(t *testing.T) {
	h := newHarness(t)
	id, code := h.request(t, "mayor@city.example")

	v, err := h.svc.VerifyCode(context.Background(), id, code)
	require.NoError(t, err)
	h.request(t, "mayor@city.example")

	released, err := h.svc.Release(context.Background(), v)
	require.NoError(t, err)
	assert.False(t, released)

	_, err = h.svc.VerifyCode(context.Background(), id, code)
	assert.ErrorIs(t, err, auth.ErrAlreadyVerified)
}

func TestRelease_StorageFailure(t *testing.T) {
	h := newHarness(t)
	id, code := h.request(t, "mayor@city.example")
	v, err := h.svc.VerifyCode(context.Background(), id, code)
	require.NoError(t, err)

	h.store.Fail("UnmarkVerified", errors.New("connection reset"))
	_, err = h.svc.Release(context.Background(), v)
	assert.ErrorIs(t, err, auth.ErrInternal)
}

type brokenLimiter struct{}

func (brokenLimiter) Check(context.Context, string, ratelimit.Rule) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis: connection refused")
}

func TestLimiterFailureIsInternal(t *testing.T) {
	h := newHarness(t)
	svc, err := NewService(Deps{
		Store:       h.store,
		Politicians: h.politicians,
		Limiter:     brokenLimiter{},
		Mailer:      h.outbox,
	}, Config{BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)

	_, err = svc.RequestCode(context.Background(), testPoliticianID, "mayor@city.example")
	assert.ErrorIs(t, err, auth.ErrInternal)

	_, err = svc.VerifyCode(context.Background(), uuid.NewString(), "ABC123")
	assert.ErrorIs(t, err, auth.ErrInternal)
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := generateCode(6)
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			require.True(t, strings.ContainsRune(codeAlphabet, r), "unexpected rune %q", r)
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190)
}

func TestNormalizeEmail(t *testing.T) {
	got, err := NormalizeEmail(" Someone@Example.ORG ")
	require.NoError(t, err)
	assert.Equal(t, "someone@example.org", got)

	_, err = NormalizeEmail("someone@")
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
}
