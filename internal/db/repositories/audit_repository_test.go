package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/civic-directory/accessgate/internal/db/models"
)

var auditCols = []string{
	"id", "actor_type", "actor_id", "action",
	"resource_type", "resource_id", "metadata", "ip_address", "created_at",
}

func newAuditRepo(t *testing.T) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewAuditRepository(db), mock
}

// ---------------------------------------------------------------------------
// CreateAuditLog
// ---------------------------------------------------------------------------

func TestCreateAuditLog_FillsIDAndTimestamp(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	log := &models.AuditLog{
		ActorType:    "politician",
		ActorID:      strPtr("p-1"),
		Action:       "session.revoked",
		ResourceType: strPtr("politician_session"),
		ResourceID:   strPtr("s-1"),
		Metadata:     map[string]interface{}{"reason": "logout"},
		IPAddress:    strPtr("203.0.113.7"),
	}
	if err := repo.CreateAuditLog(context.Background(), log); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.ID == "" {
		t.Error("ID was not assigned")
	}
	if log.CreatedAt.IsZero() {
		t.Error("CreatedAt was not assigned")
	}
}

func TestCreateAuditLog_DBError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errDB)

	if err := repo.CreateAuditLog(context.Background(), &models.AuditLog{ActorType: "system", Action: "x"}); err == nil {
		t.Fatal("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// ListAuditLogs
// ---------------------------------------------------------------------------

func TestListAuditLogs_WithFilters(t *testing.T) {
	repo, mock := newAuditRepo(t)
	action := "session.revoked_all"

	mock.ExpectQuery("SELECT COUNT.*FROM audit_logs.*action = \\$1").
		WithArgs(action).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT.*FROM audit_logs.*action = \\$1.*LIMIT \\$2 OFFSET \\$3").
		WithArgs(action, 50, 0).
		WillReturnRows(sqlmock.NewRows(auditCols).AddRow(
			"log-1", "admin", "admin-1", action, "politician", "p-1",
			[]byte(`{"revoked":2}`), "203.0.113.7", time.Now(),
		))

	logs, total, err := repo.ListAuditLogs(context.Background(), AuditFilters{Action: &action}, 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(logs) != 1 {
		t.Fatalf("total=%d len=%d, want 1/1", total, len(logs))
	}
	if logs[0].Metadata["revoked"] != float64(2) {
		t.Errorf("metadata = %v, want revoked=2", logs[0].Metadata)
	}
}

func TestListAuditLogs_CountError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errDB)

	if _, _, err := repo.ListAuditLogs(context.Background(), AuditFilters{}, 10, 0); err == nil {
		t.Fatal("expected error, got nil")
	}
}
