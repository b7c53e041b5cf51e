// Package identity is the storefront's view of the customer identity backend:
// existence checks, password sign-in, sign-up and the per-page session that
// tracks who is signed in.
package identity

import (
	"context"
	"regexp"
	"strings"
	"time"
)

var phonePattern = regexp.MustCompile(`^\d{10,}$`)

// User is the signed-in customer.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
}

// Tokens is the credential pair issued on sign-in.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the pair carries an access token that has not expired.
func (t *Tokens) Valid(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return t.ExpiresAt.IsZero() || now.Before(t.ExpiresAt)
}

// AuthResult is what sign-in, sign-up and refresh return. Tokens is nil when
// the backend created the account but requires confirmation first.
type AuthResult struct {
	User   *User
	Tokens *Tokens
}

// HasSession reports whether the result carries usable tokens.
func (r *AuthResult) HasSession() bool {
	return r != nil && r.User != nil && r.Tokens != nil && r.Tokens.AccessToken != ""
}

// Existence is the tri-state answer of an account lookup. Known is false when
// the backend could not be asked; Exists is meaningless in that case.
type Existence struct {
	Known  bool
	Exists bool
	// Email is the account email when the lookup matched one.
	Email string
}

// Found returns a conclusive positive answer.
func Found(email string) Existence { return Existence{Known: true, Exists: true, Email: email} }

// NotFound returns a conclusive negative answer.
func NotFound() Existence { return Existence{Known: true} }

// Unknown returns an inconclusive answer.
func Unknown() Existence { return Existence{} }

// Metadata is attached to new accounts.
type Metadata struct {
	FullName string `json:"full_name,omitempty"`
}

// Provider is implemented by every identity backend. Implementations return
// errors coded with pkg/errors codes.
type Provider interface {
	CheckExists(ctx context.Context, identifier string) (Existence, error)
	SignInWithPassword(ctx context.Context, email, password string) (*AuthResult, error)
	SignUp(ctx context.Context, email, password string, metadata Metadata) (*AuthResult, error)
	GetUser(ctx context.Context, accessToken string) (*User, error)
	Refresh(ctx context.Context, refreshToken string) (*AuthResult, error)
	SignOut(ctx context.Context, accessToken string) error
}

// IsPhone reports whether the identifier is a phone number (ten or more digits).
func IsPhone(identifier string) bool {
	return phonePattern.MatchString(strings.TrimSpace(identifier))
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
