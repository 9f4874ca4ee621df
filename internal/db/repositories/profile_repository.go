// profile_repository.go implements ProfileRepository, which maps identity-provider
// subjects to their application role.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
)

// ProfileRepository handles user profile lookups
type ProfileRepository struct {
	db *sql.DB
}

// NewProfileRepository creates a new ProfileRepository
func NewProfileRepository(db *sql.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// GetRole returns the stored role for userID, or "" when the user has no profile row.
func (r *ProfileRepository) GetRole(ctx context.Context, userID string) (string, error) {
	var role string
	err := r.db.QueryRowContext(ctx, `SELECT role FROM profiles WHERE id = $1`, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}
