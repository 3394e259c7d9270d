package auth

import (
	"strings"
	"time"
)

// Role is the coarse-grained role carried by every actor.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// ParseRole normalises raw input into a known role.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleUser:
		return RoleUser, true
	}
	return "", false
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// Actor is the credential-bearing view of a user record.
type Actor struct {
	ID                string
	Email             string
	Role              Role
	PasswordHash      string
	RenewalCredential string
}

// Profile is the public identity returned to clients after authentication.
type Profile struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// Profile strips credentials from the actor.
func (a Actor) Profile() Profile {
	return Profile{ID: a.ID, Email: a.Email, Role: a.Role}
}

// Principal is the verified identity attached to an authenticated request.
type Principal struct {
	ID   string
	Role Role
}

// Authenticated reports whether the principal came from a verified token.
func (p Principal) Authenticated() bool {
	return p.ID != "" && p.Role.Valid()
}

// Session bundles a freshly issued credential pair.
type Session struct {
	AccessToken       string
	AccessExpiresAt   time.Time
	RenewalCredential string
	RenewalExpiresAt  time.Time
	Profile           Profile
}

// AccessClaims are the verified contents of an access token.
type AccessClaims struct {
	SubjectID string
	Role      Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}
