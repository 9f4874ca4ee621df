package repositories

import (
	"errors"

	"github.com/lib/pq"
)

// ErrDuplicate is returned when an insert collides with a unique constraint
// the caller is expected to handle (e.g. a session token hash).
var ErrDuplicate = errors.New("duplicate key")

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
