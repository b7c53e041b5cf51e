package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/reliablestore/storefront/pkg/config"
)

var jwtSigningMethod = jwt.SigningMethodHS256

// ErrNoExpiry is returned when a token carries no exp claim.
var ErrNoExpiry = errors.New("token has no expiry")

// MintAccessToken issues a signed JWT for the provided payload using the configured TTL.
// It returns the token together with its expiry.
func MintAccessToken(cfg config.JWTConfig, now time.Time, payload AccessTokenPayload) (string, time.Time, error) {
	if cfg.Secret == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if cfg.Issuer == "" {
		return "", time.Time{}, fmt.Errorf("jwt issuer is required")
	}
	if cfg.ExpirationMinutes <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expiration minutes must be positive")
	}
	if strings.TrimSpace(payload.UserID) == "" {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}

	expiresAt := now.Add(time.Duration(cfg.ExpirationMinutes) * time.Minute)

	jti := strings.TrimSpace(payload.JTI)
	if jti == "" {
		jti = uuid.NewString()
	}

	claims := AccessTokenClaims{
		Email:        payload.Email,
		UserMetadata: UserMetadata{FullName: payload.FullName},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   payload.UserID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwtSigningMethod, claims)
	signed, err := token.SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing jwt: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseAccessToken validates the JWT string and returns typed claims.
func ParseAccessToken(cfg config.JWTConfig, tokenString string) (*AccessTokenClaims, error) {
	return parse(cfg, tokenString, jwt.WithIssuer(cfg.Issuer))
}

// ParseAccessTokenAllowExpired parses the JWT without validating exp/nbf so sign-out can revoke by jti.
func ParseAccessTokenAllowExpired(cfg config.JWTConfig, tokenString string) (*AccessTokenClaims, error) {
	return parse(cfg, tokenString, jwt.WithoutClaimsValidation(), jwt.WithIssuer(cfg.Issuer))
}

// PeekClaims decodes a token without checking its signature. It is only
// suitable for reading hints such as the expiry of a token this service did
// not issue.
func PeekClaims(tokenString string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// PeekExpiry returns the exp claim of an unverified token.
func PeekExpiry(tokenString string) (time.Time, error) {
	claims, err := PeekClaims(tokenString)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

func parse(cfg config.JWTConfig, tokenString string, opts ...jwt.ParserOption) (*AccessTokenClaims, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	opts = append(opts, jwt.WithValidMethods([]string{jwtSigningMethod.Alg()}))
	claims := &AccessTokenClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwtSigningMethod {
				return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
			}
			return []byte(cfg.Secret), nil
		},
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
