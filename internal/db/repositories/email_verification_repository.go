// email_verification_repository.go implements EmailVerificationRepository. Creating a
// code supersedes every pending code for the same politician and address in the
// same transaction, and verification is a conditional update so only one caller
// can redeem a code.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/civic-directory/accessgate/internal/db/models"
)

// createAttempts bounds retries when two requests race on the pending-code index.
const createAttempts = 3

// EmailVerificationRepository handles email verification database operations
type EmailVerificationRepository struct {
	db *sqlx.DB
}

// NewEmailVerificationRepository creates a new EmailVerificationRepository
func NewEmailVerificationRepository(db *sqlx.DB) *EmailVerificationRepository {
	return &EmailVerificationRepository{db: db}
}

// CreateSuperseding marks any pending code for (politician_id, email) as
// superseded and inserts v. v.CreatedAt is used as the supersede timestamp.
func (r *EmailVerificationRepository) CreateSuperseding(ctx context.Context, v *models.EmailVerification) error {
	var err error
	for attempt := 0; attempt < createAttempts; attempt++ {
		err = r.createSuperseding(ctx, v)
		if err == nil || !isUniqueViolation(err) {
			break
		}
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("failed to create email verification: %w", ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create email verification: %w", err)
	}
	return nil
}

func (r *EmailVerificationRepository) createSuperseding(ctx context.Context, v *models.EmailVerification) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	supersede := `
		UPDATE email_verifications
		SET superseded_at = $3
		WHERE politician_id = $1 AND email = $2 AND verified = false AND superseded_at IS NULL
	`
	if _, err := tx.ExecContext(ctx, supersede, v.PoliticianID, v.Email, v.CreatedAt); err != nil {
		return err
	}

	insert := `
		INSERT INTO email_verifications (id, politician_id, email, code_hash, expires_at, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6)
	`
	if _, err := tx.ExecContext(ctx, insert,
		v.ID,
		v.PoliticianID,
		v.Email,
		v.CodeHash,
		v.ExpiresAt,
		v.CreatedAt,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// GetVerification returns the verification with the given id, or nil if none exists.
func (r *EmailVerificationRepository) GetVerification(ctx context.Context, id string) (*models.EmailVerification, error) {
	query := `
		SELECT id, politician_id, email, code_hash, expires_at, verified, verified_at, superseded_at, created_at
		FROM email_verifications
		WHERE id = $1
	`

	var v models.EmailVerification
	err := r.db.GetContext(ctx, &v, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email verification: %w", err)
	}
	return &v, nil
}

// MarkVerified flips a pending, unsuperseded code to verified. It reports false
// when the row was already verified or superseded by a concurrent request.
func (r *EmailVerificationRepository) MarkVerified(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE email_verifications
		SET verified = true, verified_at = $2
		WHERE id = $1 AND verified = false AND superseded_at IS NULL
	`

	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark email verification verified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// UnmarkVerified returns a code verified at `at` to pending. It reports false
// when the row changed since, or when a newer pending code for the same
// politician and address exists.
func (r *EmailVerificationRepository) UnmarkVerified(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE email_verifications e
		SET verified = false, verified_at = NULL
		WHERE e.id = $1 AND e.verified = true AND e.verified_at = $2 AND e.superseded_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM email_verifications p
			WHERE p.politician_id = e.politician_id AND p.email = e.email
			  AND p.verified = false AND p.superseded_at IS NULL
		  )
	`

	res, err := r.db.ExecContext(ctx, query, id, at)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to unmark email verification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}
