package sessions

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-directory/accessgate/internal/auth"
	"github.com/civic-directory/accessgate/internal/db/models"
	"github.com/civic-directory/accessgate/internal/db/repofakes"
)

var (
	_ Store            = (*repofakes.SessionStore)(nil)
	_ PoliticianLookup = (*repofakes.PoliticianStore)(nil)
)

const (
	politicianA = "0b6c1f0e-54a4-4c40-9b0e-1c8b2a6c7d01"
	politicianB = "5d2f4b8a-7f1e-4b7a-8e63-2a1d9c0e4f02"
)

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

func newTestService(t *testing.T) (*Service, *repofakes.SessionStore, *repofakes.PoliticianStore, *clock) {
	t.Helper()
	store := repofakes.NewSessionStore()
	politicians := repofakes.NewPoliticianStore(
		&models.Politician{ID: politicianA, Name: "Ada Alderman", Slug: "ada-alderman"},
		&models.Politician{ID: politicianB, Name: "Bo Burgess", Slug: "bo-burgess"},
	)
	clk := &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	svc, err := NewService(store, politicians, Config{}, WithNowTime(clk.Now))
	require.NoError(t, err)
	return svc, store, politicians, clk
}

func TestNewService_RequiresDeps(t *testing.T) {
	_, err := NewService(nil, repofakes.NewPoliticianStore(), Config{})
	assert.Error(t, err)
	_, err = NewService(repofakes.NewSessionStore(), nil, Config{})
	assert.Error(t, err)
}

func TestIssueSession(t *testing.T) {
	svc, store, _, clk := newTestService(t)

	issued, err := svc.IssueSession(context.Background(), politicianA, Metadata{IPAddress: "203.0.113.7", UserAgent: "curl/8"})
	require.NoError(t, err)
	assert.Len(t, issued.Token, 64)
	assert.True(t, ValidTokenFormat(issued.Token))
	assert.Equal(t, clk.Now().Add(DefaultLifetime), issued.ExpiresAt)

	row, ok := store.Get(issued.SessionID)
	require.True(t, ok)
	assert.Equal(t, politicianA, row.PoliticianID)
	assert.Equal(t, HashToken(issued.Token), row.TokenHash)
	assert.NotContains(t, row.TokenHash, issued.Token)
	require.NotNil(t, row.IPAddress)
	assert.Equal(t, "203.0.113.7", *row.IPAddress)
	require.NotNil(t, row.UserAgent)
	assert.Equal(t, "curl/8", *row.UserAgent)
}

func TestIssueSession_EmptyMetadataStoredAsNull(t *testing.T) {
	svc, store, _, _ := newTestService(t)

	issued, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
	require.NoError(t, err)
	row, _ := store.Get(issued.SessionID)
	assert.Nil(t, row.IPAddress)
	assert.Nil(t, row.UserAgent)
}

func TestIssueSession_InvalidPolitician(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.IssueSession(context.Background(), "p1", Metadata{})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestIssueSession_MultipleConcurrentSessions(t *testing.T) {
	svc, store, _, _ := newTestService(t)

	first, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
	require.NoError(t, err)
	second, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)
	assert.Len(t, store.ForPolitician(politicianA), 2)

	_, err = svc.ValidateSession(context.Background(), politicianA, first.Token)
	assert.NoError(t, err)
	_, err = svc.ValidateSession(context.Background(), politicianA, second.Token)
	assert.NoError(t, err)
}

func TestIssueSession_RegeneratesOnCollision(t *testing.T) {
	svc, store, _, _ := newTestService(t)

	existing, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
	require.NoError(t, err)
	existingBytes := mustDecode(t, existing.Token)

	calls := 0
	svc.random = func(b []byte) (int, error) {
		calls++
		if calls == 1 {
			return copy(b, existingBytes), nil
		}
		for i := range b {
			b[i] = 0xAB
		}
		return len(b), nil
	}

	issued, err := svc.IssueSession(context.Background(), politicianB, Metadata{})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, strings.Repeat("ab", 32), issued.Token)
	assert.Len(t, store.ForPolitician(politicianB), 1)
}

func TestIssueSession_GivesUpAfterRepeatedCollisions(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	existing, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
	require.NoError(t, err)
	existingBytes := mustDecode(t, existing.Token)
	svc.random = func(b []byte) (int, error) { return copy(b, existingBytes), nil }

	_, err = svc.IssueSession(context.Background(), politicianB, Metadata{})
	assert.ErrorIs(t, err, auth.ErrInternal)
}

func TestIssueSession_StorageFailure(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	store.Fail("CreateSession", errors.New("connection refused"))

	_, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
	assert.ErrorIs(t, err, auth.ErrInternal)
}

func TestValidateSession(t *testing.T) {
	svc, _, _, clk := newTestService(t)
	issued, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
	require.NoError(t, err)

	p, err := svc.ValidateSession(context.Background(), politicianA, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, &auth.Politician{ID: politicianA, Name: "Ada Alderman", SessionID: issued.SessionID}, p)

	// Upper-case hex is the same token.
	_, err = svc.ValidateSession(context.Background(), politicianA, strings.ToUpper(issued.Token))
	assert.NoError(t, err)

	clk.Advance(DefaultLifetime - time.Second)
	_, err = svc.ValidateSession(context.Background(), politicianA, issued.Token)
	assert.NoError(t, err)
}

func TestValidateSession_FailuresCollapseToUnauthorized(t *testing.T) {
	svc, store, politicians, clk := newTestService(t)
	issued, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
	require.NoError(t, err)

	store.Fail("FindActiveSession", errors.New("must not be reached"))
	malformed := []struct {
		name         string
		politicianID string
		token        string
	}{
		{"non-uuid politician", "p1", issued.Token},
		{"short token", politicianA, issued.Token[:63]},
		{"non-hex token", politicianA, strings.Repeat("zz", 32)},
		{"empty token", politicianA, ""},
	}
	for _, tt := range malformed {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateSession(context.Background(), tt.politicianID, tt.token)
			assert.ErrorIs(t, err, auth.ErrUnauthorized)
		})
	}
	store.Fail("FindActiveSession", nil)

	t.Run("wrong token", func(t *testing.T) {
		_, err := svc.ValidateSession(context.Background(), politicianA, strings.Repeat("0", 64))
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
	})
	t.Run("wrong politician", func(t *testing.T) {
		_, err := svc.ValidateSession(context.Background(), politicianB, issued.Token)
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
	})
	t.Run("unknown politician", func(t *testing.T) {
		_, err := svc.ValidateSession(context.Background(), uuid.NewString(), issued.Token)
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
	})
	t.Run("politician deleted", func(t *testing.T) {
		other, err := svc.IssueSession(context.Background(), politicianB, Metadata{})
		require.NoError(t, err)
		politicians.Delete(politicianB)
		_, err = svc.ValidateSession(context.Background(), politicianB, other.Token)
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
	})
	t.Run("expired", func(t *testing.T) {
		clk.Advance(DefaultLifetime)
		_, err := svc.ValidateSession(context.Background(), politicianA, issued.Token)
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
	})
}

func TestValidateSession_StorageFailureIsInternal(t *testing.T) {
	svc, store, politicians, _ := newTestService(t)
	issued, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
	require.NoError(t, err)

	store.Fail("FindActiveSession", errors.New("timeout"))
	_, err = svc.ValidateSession(context.Background(), politicianA, issued.Token)
	assert.ErrorIs(t, err, auth.ErrInternal)

	store.Fail("FindActiveSession", nil)
	politicians.Fail("GetPolitician", errors.New("timeout"))
	_, err = svc.ValidateSession(context.Background(), politicianA, issued.Token)
	assert.ErrorIs(t, err, auth.ErrInternal)
}

func TestValidateSession_TouchesLastUsed(t *testing.T) {
	svc, store, _, clk := newTestService(t)
	touches := store.NotifyTouches()
	issued, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
	require.NoError(t, err)

	clk.Advance(time.Hour)
	_, err = svc.ValidateSession(context.Background(), politicianA, issued.Token)
	require.NoError(t, err)

	select {
	case id := <-touches:
		assert.Equal(t, issued.SessionID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("last_used_at was never updated")
	}
	row, _ := store.Get(issued.SessionID)
	require.NotNil(t, row.LastUsedAt)
	assert.Equal(t, clk.Now(), *row.LastUsedAt)
}

func TestValidateSession_TouchFailureIsSwallowed(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	touches := store.NotifyTouches()
	issued, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
	require.NoError(t, err)
	store.Fail("TouchSession", errors.New("disk full"))

	p, err := svc.ValidateSession(context.Background(), politicianA, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, politicianA, p.ID)

	select {
	case <-touches:
	case <-time.After(2 * time.Second):
		t.Fatal("touch was never attempted")
	}
	row, _ := store.Get(issued.SessionID)
	assert.Nil(t, row.LastUsedAt)
}

func TestRevoke(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	keep, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
	require.NoError(t, err)
	drop, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
	require.NoError(t, err)

	ok, err := svc.Revoke(context.Background(), drop.SessionID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Revoke(context.Background(), drop.SessionID)
	require.NoError(t, err)
	assert.False(t, ok, "second revoke is a no-op")

	_, err = svc.ValidateSession(context.Background(), politicianA, drop.Token)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = svc.ValidateSession(context.Background(), politicianA, keep.Token)
	assert.NoError(t, err)

	_, err = svc.Revoke(context.Background(), "nope")
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestRevokeAll(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	var tokens []string
	for i := 0; i < 3; i++ {
		issued, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
		require.NoError(t, err)
		tokens = append(tokens, issued.Token)
	}
	other, err := svc.IssueSession(context.Background(), politicianB, Metadata{})
	require.NoError(t, err)

	n, err := svc.RevokeAll(context.Background(), politicianA)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, tok := range tokens {
		_, err := svc.ValidateSession(context.Background(), politicianA, tok)
		assert.ErrorIs(t, err, auth.ErrUnauthorized)
	}
	_, err = svc.ValidateSession(context.Background(), politicianB, other.Token)
	assert.NoError(t, err)

	n, err = svc.RevokeAll(context.Background(), politicianA)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRevokeAll_StorageFailure(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	store.Fail("RevokeAllSessions", errors.New("boom"))

	_, err := svc.RevokeAll(context.Background(), politicianA)
	assert.ErrorIs(t, err, auth.ErrInternal)
}

func TestPrune(t *testing.T) {
	svc, store, _, clk := newTestService(t)
	old, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)
	fresh, err := svc.IssueSession(context.Background(), politicianA, Metadata{})
	require.NoError(t, err)

	n, err := svc.Prune(context.Background(), 12*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok := store.Get(old.SessionID)
	assert.False(t, ok)
	_, ok = store.Get(fresh.SessionID)
	assert.True(t, ok)
}

func TestHashToken(t *testing.T) {
	tok := strings.Repeat("ab", 32)
	assert.Len(t, HashToken(tok), 64)
	assert.Equal(t, HashToken(tok), HashToken(strings.ToUpper(tok)))
	assert.NotEqual(t, HashToken(tok), HashToken(strings.Repeat("cd", 32)))
}

func mustDecode(t *testing.T, token string) []byte {
	t.Helper()
	b, err := hex.DecodeString(token)
	require.NoError(t, err)
	return b
}
