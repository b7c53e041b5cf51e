package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/reliablestore/storefront/api/responses"
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
	"github.com/reliablestore/storefront/pkg/logger"
)

type rateLimiterStore interface {
	IncrWithTTL(context.Context, string, time.Duration) (int64, error)
}

type rateLimitKeyer interface {
	RateLimitKey(scope string) string
}

// AuthRateLimitPolicy defines the throttling parameters for a traffic surface.
type AuthRateLimitPolicy struct {
	name            string
	window          time.Duration
	ipLimit         int
	identifierLimit int
}

// NewAuthRateLimitPolicy builds a policy with the supplied window and limits.
func NewAuthRateLimitPolicy(name string, window time.Duration, ipLimit, identifierLimit int) AuthRateLimitPolicy {
	return AuthRateLimitPolicy{
		name:            strings.ToLower(strings.TrimSpace(name)),
		window:          window,
		ipLimit:         ipLimit,
		identifierLimit: identifierLimit,
	}
}

func (p AuthRateLimitPolicy) enabled() bool {
	return p.window > 0 && (p.ipLimit > 0 || p.identifierLimit > 0)
}

func (p AuthRateLimitPolicy) normalizedName() string {
	if p.name == "" {
		return "auth"
	}
	return p.name
}

func (p AuthRateLimitPolicy) ipScope(ip string) string {
	if ip == "" {
		return ""
	}
	return fmt.Sprintf("ip:%s:%s", p.normalizedName(), ip)
}

func (p AuthRateLimitPolicy) identifierScope(hash string) string {
	if hash == "" {
		return ""
	}
	return fmt.Sprintf("identifier:%s:%s", p.normalizedName(), hash)
}

// AuthRateLimit enforces per-IP and per-identifier counters for the sign-in
// surfaces. The identifier is read from the "identifier" or "email" field of
// the JSON body; the body is restored for the next handler.
func AuthRateLimit(policy AuthRateLimitPolicy, store rateLimiterStore, keys rateLimitKeyer, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}

		key := func(scope string) string {
			if scope == "" {
				return ""
			}
			if keys != nil {
				return keys.RateLimitKey(scope)
			}
			return "rate_limit:" + scope
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			ip := clientIP(r)
			if policy.ipLimit > 0 {
				if k := key(policy.ipScope(ip)); k != "" {
					if allowed, count, err := allow(ctx, store, k, policy.window, int64(policy.ipLimit)); err != nil {
						responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "rate limiting"))
						return
					} else if !allowed {
						respondRateLimited(ctx, logg, w, policy, "ip", ip, "", count, policy.ipLimit)
						return
					}
				}
			}

			if policy.identifierLimit > 0 {
				body, err := io.ReadAll(r.Body)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request"))
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))

				if identifier := normalizeIdentifier(extractIdentifier(body)); identifier != "" {
					hash := hashValue(identifier)
					if k := key(policy.identifierScope(hash)); k != "" {
						if allowed, count, err := allow(ctx, store, k, policy.window, int64(policy.identifierLimit)); err != nil {
							responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "rate limiting"))
							return
						} else if !allowed {
							respondRateLimited(ctx, logg, w, policy, "identifier", "", hash, count, policy.identifierLimit)
							return
						}
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func allow(ctx context.Context, store rateLimiterStore, key string, window time.Duration, limit int64) (bool, int64, error) {
	count, err := store.IncrWithTTL(ctx, key, window)
	if err != nil {
		return false, 0, err
	}
	return count <= limit, count, nil
}

func respondRateLimited(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, policy AuthRateLimitPolicy, scope, ip, identifierHash string, count int64, limit int) {
	if logg != nil {
		fields := map[string]any{
			"scope":          scope,
			"policy":         policy.normalizedName(),
			"attempts":       count,
			"limit":          limit,
			"window_seconds": int(policy.window.Seconds()),
		}
		if ip != "" {
			fields["ip"] = ip
		}
		if identifierHash != "" {
			fields["identifier_hash"] = identifierHash
		}
		logCtx := logg.WithFields(ctx, fields)
		logg.Warn(logCtx, "auth.rate_limit.blocked")
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(policy.window.Seconds())))
	responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "too many attempts, try again later"))
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func extractIdentifier(payload []byte) string {
	var body struct {
		Identifier string `json:"identifier"`
		Email      string `json:"email"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	if body.Identifier != "" {
		return body.Identifier
	}
	return body.Email
}

func normalizeIdentifier(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func hashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
