package models

import "time"

// PoliticianSession is a bearer credential issued after a successful email
// verification.
type PoliticianSession struct {
	ID           string `json:"id" db:"id"`
	PoliticianID string `json:"politician_id" db:"politician_id"`
	// TokenHash is the hex SHA-256 of the session token.
	TokenHash  string     `json:"-" db:"token_hash"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	IPAddress  *string    `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent  *string    `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// IsActive reports whether the session authenticates requests at now.
func (s *PoliticianSession) IsActive(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
