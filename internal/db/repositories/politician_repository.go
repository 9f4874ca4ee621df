// politician_repository.go implements PoliticianRepository, a read-only view of
// the politicians table used to resolve session principals.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/civic-directory/accessgate/internal/db/models"
)

// PoliticianRepository handles politician lookups
type PoliticianRepository struct {
	db *sql.DB
}

// NewPoliticianRepository creates a new PoliticianRepository
func NewPoliticianRepository(db *sql.DB) *PoliticianRepository {
	return &PoliticianRepository{db: db}
}

// GetPolitician returns the politician with the given id, or nil if none exists.
func (r *PoliticianRepository) GetPolitician(ctx context.Context, id string) (*models.Politician, error) {
	query := `
		SELECT id, name, slug, created_at, updated_at
		FROM politicians
		WHERE id = $1
	`

	p := &models.Politician{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.Slug, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get politician: %w", err)
	}
	return p, nil
}
