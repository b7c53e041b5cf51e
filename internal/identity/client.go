package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/reliablestore/storefront/pkg/config"
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
	"github.com/reliablestore/storefront/pkg/logger"
	"github.com/reliablestore/storefront/pkg/metrics"
)

// Timeouts bounds each class of backend call.
type Timeouts struct {
	Existence  time.Duration
	Credential time.Duration
	Session    time.Duration
}

// TimeoutsFromConfig reads the identity call bounds from configuration.
func TimeoutsFromConfig(cfg config.IdentityConfig) Timeouts {
	return Timeouts{
		Existence:  cfg.ExistenceTimeout,
		Credential: cfg.CredentialTimeout,
		Session:    cfg.SessionTimeout,
	}
}

// Client wraps a backend so every call is bounded, measured and answers in
// one shape: a typed error or a complete result.
type Client struct {
	backend  Provider
	timeouts Timeouts
	metrics  *metrics.StorefrontMetrics
	logg     *logger.Logger
}

var _ Provider = (*Client)(nil)

// NewClient wraps backend.
func NewClient(backend Provider, timeouts Timeouts, m *metrics.StorefrontMetrics, logg *logger.Logger) *Client {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Client{backend: backend, timeouts: timeouts, metrics: m, logg: logg}
}

func (c *Client) CheckExists(ctx context.Context, identifier string) (Existence, error) {
	if c == nil || c.backend == nil {
		return Unknown(), notConfigured()
	}
	ctx, cancel := bounded(ctx, c.timeouts.Existence)
	defer cancel()

	start := time.Now()
	existence, err := c.backend.CheckExists(ctx, strings.TrimSpace(identifier))
	err = normalizeError(ctx, err, "account lookup failed")
	c.observe(ctx, "existence", start, err)
	if err != nil {
		return Unknown(), err
	}
	if existence.Exists {
		existence.Email = NormalizeEmail(existence.Email)
	}
	return existence, nil
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*AuthResult, error) {
	if c == nil || c.backend == nil {
		return nil, notConfigured()
	}
	ctx, cancel := bounded(ctx, c.timeouts.Credential)
	defer cancel()

	start := time.Now()
	result, err := c.backend.SignInWithPassword(ctx, NormalizeEmail(email), password)
	err = normalizeError(ctx, err, "sign in failed")
	if err == nil && !result.HasSession() {
		err = pkgerrors.New(pkgerrors.CodeRemoteUnavailable, "sign in returned no session")
	}
	c.observe(ctx, "sign_in", start, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) SignUp(ctx context.Context, email, password string, metadata Metadata) (*AuthResult, error) {
	if c == nil || c.backend == nil {
		return nil, notConfigured()
	}
	ctx, cancel := bounded(ctx, c.timeouts.Credential)
	defer cancel()

	metadata.FullName = strings.TrimSpace(metadata.FullName)
	start := time.Now()
	result, err := c.backend.SignUp(ctx, NormalizeEmail(email), password, metadata)
	err = normalizeError(ctx, err, "sign up failed")
	if err == nil && (result == nil || result.User == nil) {
		err = pkgerrors.New(pkgerrors.CodeRemoteUnavailable, "sign up returned no account")
	}
	c.observe(ctx, "sign_up", start, err)
	if err != nil {
		return nil, err
	}
	if result.Tokens != nil && result.Tokens.AccessToken == "" {
		result.Tokens = nil
	}
	return result, nil
}

func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	if c == nil || c.backend == nil {
		return nil, notConfigured()
	}
	if strings.TrimSpace(accessToken) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "no access token")
	}
	ctx, cancel := bounded(ctx, c.timeouts.Session)
	defer cancel()

	start := time.Now()
	user, err := c.backend.GetUser(ctx, accessToken)
	err = normalizeError(ctx, err, "user lookup failed")
	if err == nil && (user == nil || user.ID == "") {
		err = pkgerrors.New(pkgerrors.CodeUnauthorized, "no user for access token")
	}
	c.observe(ctx, "get_user", start, err)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	if c == nil || c.backend == nil {
		return nil, notConfigured()
	}
	if strings.TrimSpace(refreshToken) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "no refresh token")
	}
	ctx, cancel := bounded(ctx, c.timeouts.Session)
	defer cancel()

	start := time.Now()
	result, err := c.backend.Refresh(ctx, refreshToken)
	err = normalizeError(ctx, err, "token refresh failed")
	if err == nil && !result.HasSession() {
		err = pkgerrors.New(pkgerrors.CodeUnauthorized, "refresh returned no session")
	}
	c.observe(ctx, "refresh", start, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	if c == nil || c.backend == nil {
		return notConfigured()
	}
	ctx, cancel := bounded(ctx, c.timeouts.Session)
	defer cancel()

	start := time.Now()
	err := normalizeError(ctx, c.backend.SignOut(ctx, accessToken), "sign out failed")
	c.observe(ctx, "sign_out", start, err)
	return err
}

func (c *Client) observe(ctx context.Context, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(pkgerrors.CodeOf(err)))
		logCtx := c.logg.WithFields(ctx, map[string]any{"op": op, "error_code": outcome})
		c.logg.Debug(logCtx, "identity.call.failed")
	}
	c.metrics.ObserveRemote(op, outcome, time.Since(start))
}

func bounded(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// normalizeError keeps typed errors and turns everything else, timeouts
// included, into RemoteUnavailable.
func normalizeError(ctx context.Context, err error, message string) error {
	if err == nil {
		return nil
	}
	if typed := pkgerrors.As(err); typed != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, message+": timed out")
	}
	return pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, message)
}

func notConfigured() error {
	return pkgerrors.New(pkgerrors.CodeRemoteUnavailable, "identity backend not configured")
}
