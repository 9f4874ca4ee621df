package models

import "time"

// EmailVerification is a one-time code issued to prove control of an email
// address on behalf of a politician. Rows are never deleted.
type EmailVerification struct {
	ID           string `json:"id" db:"id"`
	PoliticianID string `json:"politician_id" db:"politician_id"`
	Email        string `json:"email" db:"email"`
	// CodeHash is the bcrypt hash of the upper-cased code; the code itself is never stored.
	CodeHash   string     `json:"-" db:"code_hash"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	Verified   bool       `json:"verified" db:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	// SupersededAt is set when a newer code was requested for the same politician and email.
	SupersededAt *time.Time `json:"superseded_at,omitempty" db:"superseded_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// IsExpired reports whether the code can no longer be redeemed at now.
// A superseded code counts as expired.
func (v *EmailVerification) IsExpired(now time.Time) bool {
	return v.SupersededAt != nil || !now.Before(v.ExpiresAt)
}
