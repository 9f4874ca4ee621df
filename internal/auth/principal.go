// Package auth resolves who is making a request. A request is Anonymous, an
// identity-provider User or Admin, or a Politician holding a session token.
// The package also owns the error taxonomy shared by the verification and
// session services.
package auth

import "strings"

// Role is the application role of an identity-provider user.
type Role int

const (
	RoleUser Role = iota + 1
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	default:
		return "user"
	}
}

// ParseRole maps a stored role string onto the closed Role set. Anything other
// than "admin" is treated as RoleUser.
func ParseRole(s string) Role {
	if strings.EqualFold(strings.TrimSpace(s), "admin") {
		return RoleAdmin
	}
	return RoleUser
}

// PrincipalKind names the variant of a Principal.
type PrincipalKind string

const (
	KindAnonymous  PrincipalKind = "anonymous"
	KindUser       PrincipalKind = "user"
	KindPolitician PrincipalKind = "politician"
	KindAdmin      PrincipalKind = "admin"
)

// Principal is the resolved identity of a request. The variants are
// Anonymous, User, Politician and Admin; no other type implements it.
type Principal interface {
	Kind() PrincipalKind
	principal()
}

// Anonymous is a request with no valid credentials.
type Anonymous struct{}

// User is an authenticated identity-provider user without the admin role.
type User struct {
	ID    string
	Email string
}

// Politician is a politician authenticated by a session token.
type Politician struct {
	ID        string
	Name      string
	SessionID string
}

// Admin is an identity-provider user holding the admin role.
type Admin struct {
	ID    string
	Email string
}

func (Anonymous) Kind() PrincipalKind  { return KindAnonymous }
func (User) Kind() PrincipalKind       { return KindUser }
func (Politician) Kind() PrincipalKind { return KindPolitician }
func (Admin) Kind() PrincipalKind      { return KindAdmin }

func (Anonymous) principal()  {}
func (User) principal()       {}
func (Politician) principal() {}
func (Admin) principal()      {}

// Identity is what an identity provider knows about a bearer credential.
type Identity struct {
	ID    string
	Email string
	Role  Role
}

// PrincipalFor converts an identity-provider result into its Principal variant.
func PrincipalFor(id Identity) Principal {
	if id.Role == RoleAdmin {
		return Admin{ID: id.ID, Email: id.Email}
	}
	return User{ID: id.ID, Email: id.Email}
}

// CheckAuthenticated fails UNAUTHORIZED for an Anonymous (or nil) principal.
func CheckAuthenticated(p Principal) error {
	if p == nil || p.Kind() == KindAnonymous {
		return ErrUnauthorized
	}
	return nil
}

// CheckAdmin fails UNAUTHORIZED for an anonymous principal and FORBIDDEN for
// any authenticated principal that is not an Admin.
func CheckAdmin(p Principal) error {
	if err := CheckAuthenticated(p); err != nil {
		return err
	}
	if p.Kind() != KindAdmin {
		return ErrForbidden
	}
	return nil
}
