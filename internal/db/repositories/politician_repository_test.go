package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

var politicianCols = []string{"id", "name", "slug", "created_at", "updated_at"}

func newPoliticianRepo(t *testing.T) (*PoliticianRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewPoliticianRepository(db), mock
}

func TestGetPolitician_Found(t *testing.T) {
	repo, mock := newPoliticianRepo(t)
	mock.ExpectQuery("SELECT.*FROM politicians.*WHERE id").
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows(politicianCols).
			AddRow("p-1", "Pat Example", "pat-example", time.Now(), time.Now()))

	p, err := repo.GetPolitician(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil || p.Name != "Pat Example" {
		t.Fatalf("got %+v, want Pat Example", p)
	}
}

func TestGetPolitician_NotFound(t *testing.T) {
	repo, mock := newPoliticianRepo(t)
	mock.ExpectQuery("SELECT.*FROM politicians").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(politicianCols))

	p, err := repo.GetPolitician(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil, got %+v", p)
	}
}

func TestGetPolitician_DBError(t *testing.T) {
	repo, mock := newPoliticianRepo(t)
	mock.ExpectQuery("SELECT.*FROM politicians").WillReturnError(errDB)

	if _, err := repo.GetPolitician(context.Background(), "p-1"); err == nil {
		t.Fatal("expected error, got nil")
	}
}
