// Package models - audit_log.go defines the AuditLog model for recording security-relevant
// events such as code requests, verifications and session revocations.
package models

import "time"

// AuditLog represents an audit log entry
type AuditLog struct {
	ID           string
	ActorType    string                 // "anonymous", "user", "politician", "admin", "system"
	ActorID      *string                // Nullable for anonymous and system actions
	Action       string                 // "verification.requested", "session.revoked", ...
	ResourceType *string                // "email_verification", "politician_session", "politician"
	ResourceID   *string                // ID of affected resource
	Metadata     map[string]interface{} // JSONB: additional context
	IPAddress    *string                // Client IP
	CreatedAt    time.Time
}
