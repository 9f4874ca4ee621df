// Package models defines the database row types for accessgate.
// Each type corresponds to a table and carries db tags for sqlx row scanning.
// Models are pure data types; business logic belongs in the service packages and
// query logic belongs in the repositories layer.
package models

import "time"

// Politician is the public profile a verified session acts on behalf of.
// Rows are owned by the directory application; accessgate only reads them.
type Politician struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Slug      string    `json:"slug" db:"slug"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
