package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redislib "github.com/redis/go-redis/v9"

	"github.com/reliablestore/storefront/pkg/config"
)

const (
	refreshTokenBytes = 32
	tokenSeparator    = "."
	ownerSeparator    = "|"
)

var ErrInvalidRefreshToken = errors.New("invalid refresh token")

type sessionStore interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

type sessionKeyer interface {
	AccessSessionKey(accessID string) string
}

// Store is the Redis surface the manager needs.
type Store interface {
	sessionStore
	sessionKeyer
}

// Rotation is the outcome of a successful refresh.
type Rotation struct {
	Subject      string
	AccessID     string
	RefreshToken string
}

// Manager issues, rotates and revokes refresh sessions. A refresh token is
// "<accessID>.<secret>"; the access id is the jti of the paired access token
// and the key under which "<subject>|<secret>" is stored.
type Manager struct {
	store sessionStore
	keyer sessionKeyer
	ttl   time.Duration
}

// NewManager constructs a session manager backed by Redis.
func NewManager(store Store, cfg config.JWTConfig) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	ttl := cfg.RefreshTokenTTL()
	if ttl <= 0 {
		return nil, fmt.Errorf("refresh token ttl must be positive")
	}
	accessTTL := time.Duration(cfg.ExpirationMinutes) * time.Minute
	if ttl <= accessTTL {
		return nil, fmt.Errorf("refresh token ttl (%s) must exceed access token ttl (%s)", ttl, accessTTL)
	}

	return &Manager{
		store: store,
		keyer: store,
		ttl:   ttl,
	}, nil
}

// Issue starts a refresh session for accessID owned by subject and returns
// its refresh token.
func (m *Manager) Issue(ctx context.Context, accessID, subject string) (string, error) {
	if strings.TrimSpace(accessID) == "" {
		return "", fmt.Errorf("access id is required")
	}
	if strings.TrimSpace(subject) == "" || strings.Contains(subject, ownerSeparator) {
		return "", fmt.Errorf("invalid session subject %q", subject)
	}
	secret, err := generateSecret()
	if err != nil {
		return "", err
	}
	if err := m.store.Set(ctx, m.keyer.AccessSessionKey(accessID), subject+ownerSeparator+secret, m.ttl); err != nil {
		return "", err
	}
	return accessID + tokenSeparator + secret, nil
}

// Rotate validates the refresh token, invalidates its session and starts a
// new one for the same subject. It returns the subject, the new access id
// and the new refresh token.
func (m *Manager) Rotate(ctx context.Context, refreshToken string) (Rotation, error) {
	oldAccessID, provided, ok := SplitRefreshToken(refreshToken)
	if !ok {
		return Rotation{}, ErrInvalidRefreshToken
	}

	key := m.keyer.AccessSessionKey(oldAccessID)
	stored, err := m.store.Get(ctx, key)
	if err != nil {
		return Rotation{}, wrapNotFound(err)
	}
	subject, secret, ok := strings.Cut(stored, ownerSeparator)
	if !ok || subtle.ConstantTimeCompare([]byte(secret), []byte(provided)) != 1 {
		return Rotation{}, ErrInvalidRefreshToken
	}

	newAccessID := NewAccessID()
	newToken, err := m.Issue(ctx, newAccessID, subject)
	if err != nil {
		return Rotation{}, err
	}
	if err := m.store.Del(ctx, key); err != nil {
		return Rotation{}, err
	}
	return Rotation{Subject: subject, AccessID: newAccessID, RefreshToken: newToken}, nil
}

// Revoke deletes the refresh session tied to the access identifier.
func (m *Manager) Revoke(ctx context.Context, accessID string) error {
	if strings.TrimSpace(accessID) == "" {
		return fmt.Errorf("access id is required")
	}
	return m.store.Del(ctx, m.keyer.AccessSessionKey(accessID))
}

// HasSession reports whether the access id still has an active refresh session.
func (m *Manager) HasSession(ctx context.Context, accessID string) (bool, error) {
	if strings.TrimSpace(accessID) == "" {
		return false, fmt.Errorf("access id is required")
	}
	if _, err := m.store.Get(ctx, m.keyer.AccessSessionKey(accessID)); err != nil {
		if errors.Is(err, redislib.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// NewAccessID produces an identifier used as the JWT jti and session key.
func NewAccessID() string {
	return uuid.NewString()
}

// SplitRefreshToken separates a refresh token into access id and secret.
func SplitRefreshToken(token string) (string, string, bool) {
	accessID, secret, ok := strings.Cut(strings.TrimSpace(token), tokenSeparator)
	if !ok || accessID == "" || secret == "" {
		return "", "", false
	}
	return accessID, secret, true
}

func generateSecret() (string, error) {
	bytes := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generating refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, redislib.Nil) || errors.Is(err, ErrInvalidRefreshToken) {
		return ErrInvalidRefreshToken
	}
	return err
}
