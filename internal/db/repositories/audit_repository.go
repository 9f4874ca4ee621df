// audit_repository.go implements AuditRepository, providing database queries for writing
// and retrieving security audit entries with optional filters.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/civic-directory/accessgate/internal/db/models"
)

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters contains filters for querying audit logs
type AuditFilters struct {
	ActorType  *string
	ActorID    *string
	Action     *string
	ResourceID *string
	StartDate  *time.Time
	EndDate    *time.Time
}

// CreateAuditLog creates a new audit log entry. ID and CreatedAt are filled in
// when left empty.
func (r *AuditRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}

	var metadataJSON []byte
	if log.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(log.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (id, actor_type, actor_id, action, resource_type, resource_id, metadata, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		log.ID,
		log.ActorType,
		log.ActorID,
		log.Action,
		log.ResourceType,
		log.ResourceID,
		metadataJSON,
		log.IPAddress,
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// ListAuditLogs retrieves audit logs, newest first, with optional filters and pagination
func (r *AuditRepository) ListAuditLogs(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)

	add := func(column, op string, value interface{}) {
		args = append(args, value)
		where += fmt.Sprintf(` AND %s %s $%d`, column, op, len(args))
	}
	if filters.ActorType != nil {
		add("actor_type", "=", *filters.ActorType)
	}
	if filters.ActorID != nil {
		add("actor_id", "=", *filters.ActorID)
	}
	if filters.Action != nil {
		add("action", "=", *filters.Action)
	}
	if filters.ResourceID != nil {
		add("resource_id", "=", *filters.ResourceID)
	}
	if filters.StartDate != nil {
		add("created_at", ">=", *filters.StartDate)
	}
	if filters.EndDate != nil {
		add("created_at", "<=", *filters.EndDate)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	query := `
		SELECT id, actor_type, actor_id, action, resource_type, resource_id, metadata, ip_address, created_at
		FROM audit_logs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)
	for rows.Next() {
		log := &models.AuditLog{}
		var metadataJSON []byte

		if err := rows.Scan(
			&log.ID,
			&log.ActorType,
			&log.ActorID,
			&log.Action,
			&log.ResourceType,
			&log.ResourceID,
			&metadataJSON,
			&log.IPAddress,
			&log.CreatedAt,
		); err != nil {
			return nil, 0, err
		}

		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &log.Metadata); err != nil {
				return nil, 0, err
			}
		}

		logs = append(logs, log)
	}

	return logs, total, rows.Err()
}
