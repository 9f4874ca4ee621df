// politician_session_repository.go implements PoliticianSessionRepository, providing
// session creation, active-session lookup by token hash, last-used stamping,
// revocation and pruning of long-expired rows.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/civic-directory/accessgate/internal/db/models"
)

// PoliticianSessionRepository handles politician session database operations
type PoliticianSessionRepository struct {
	db *sqlx.DB
}

// NewPoliticianSessionRepository creates a new PoliticianSessionRepository
func NewPoliticianSessionRepository(db *sqlx.DB) *PoliticianSessionRepository {
	return &PoliticianSessionRepository{db: db}
}

// CreateSession inserts s. A token hash collision is reported as ErrDuplicate.
func (r *PoliticianSessionRepository) CreateSession(ctx context.Context, s *models.PoliticianSession) error {
	query := `
		INSERT INTO politician_sessions (id, politician_id, token_hash, expires_at, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.PoliticianID,
		s.TokenHash,
		s.ExpiresAt,
		s.IPAddress,
		s.UserAgent,
		s.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create politician session: %w", err)
	}
	return nil
}

// FindActiveSession returns the unrevoked session for politicianID whose token
// hashes to tokenHash and which has not expired at now, or nil.
func (r *PoliticianSessionRepository) FindActiveSession(ctx context.Context, politicianID, tokenHash string, now time.Time) (*models.PoliticianSession, error) {
	query := `
		SELECT id, politician_id, token_hash, expires_at, last_used_at, revoked_at, ip_address, user_agent, created_at
		FROM politician_sessions
		WHERE politician_id = $1 AND token_hash = $2 AND expires_at > $3 AND revoked_at IS NULL
	`

	var s models.PoliticianSession
	err := r.db.GetContext(ctx, &s, query, politicianID, tokenHash, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find politician session: %w", err)
	}
	return &s, nil
}

// TouchSession records the time a session was last used.
func (r *PoliticianSessionRepository) TouchSession(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE politician_sessions
		SET last_used_at = $2
		WHERE id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("failed to touch politician session: %w", err)
	}
	return nil
}

// RevokeSession tombstones a single session. It reports false when the session
// does not exist or was already revoked.
func (r *PoliticianSessionRepository) RevokeSession(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE politician_sessions
		SET revoked_at = $2
		WHERE id = $1 AND revoked_at IS NULL
	`

	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to revoke politician session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// RevokeAllSessions tombstones every live session of a politician and returns the count.
func (r *PoliticianSessionRepository) RevokeAllSessions(ctx context.Context, politicianID string, at time.Time) (int64, error) {
	query := `
		UPDATE politician_sessions
		SET revoked_at = $2
		WHERE politician_id = $1 AND revoked_at IS NULL AND expires_at > $2
	`

	res, err := r.db.ExecContext(ctx, query, politicianID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke politician sessions: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpiredSessions removes sessions that expired before cutoff.
func (r *PoliticianSessionRepository) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM politician_sessions WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired politician sessions: %w", err)
	}
	return res.RowsAffected()
}
