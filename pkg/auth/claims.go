package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	UserID   string
	Email    string
	FullName string
	// JTI doubles as the refresh session key; minted when empty.
	JTI string
}

// UserMetadata mirrors the user_metadata object of hosted identity tokens.
type UserMetadata struct {
	FullName string `json:"full_name,omitempty"`
}

// AccessTokenClaims uses the same claim layout as the hosted identity
// backend so both kinds of token can be inspected the same way. The user id
// travels in the registered "sub" claim.
type AccessTokenClaims struct {
	Email        string       `json:"email"`
	UserMetadata UserMetadata `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}
