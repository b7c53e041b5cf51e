// Package gotrue talks to a hosted GoTrue-style identity API and the REST view
// of its customers table.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/reliablestore/storefront/internal/identity"
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
)

const (
	defaultExistencePath       = "/rest/v1/customers"
	errorBodyReadLimit   int64 = 2048
)

var (
	errBaseURLRequired = errors.New("identity url is required")
	errAPIKeyRequired  = errors.New("identity anon key is required")
)

// Client implements identity.Provider over HTTP.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	existencePath string
	now           func() time.Time
}

var _ identity.Provider = (*Client)(nil)

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithExistencePath overrides the REST path queried for account lookups.
func WithExistencePath(path string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(path); trimmed != "" {
			c.existencePath = trimmed
		}
	}
}

// NewClient builds the client for the given project URL and public API key.
func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	trimmedURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedURL == "" {
		return nil, errBaseURLRequired
	}
	trimmedKey := strings.TrimSpace(apiKey)
	if trimmedKey == "" {
		return nil, errAPIKeyRequired
	}

	client := &Client{
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		baseURL:       trimmedURL,
		apiKey:        trimmedKey,
		existencePath: defaultExistencePath,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

type apiUser struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	UserMetadata struct {
		FullName string `json:"full_name"`
	} `json:"user_metadata"`
	Identities *[]json.RawMessage `json:"identities,omitempty"`
}

func (u apiUser) toUser() *identity.User {
	return &identity.User{
		ID:       u.ID,
		Email:    identity.NormalizeEmail(u.Email),
		FullName: u.UserMetadata.FullName,
	}
}

// apiSession is the token response. Sign-up without auto-confirmation
// returns the bare user object instead, which lands in the embedded fields.
type apiSession struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int64    `json:"expires_in"`
	ExpiresAt    int64    `json:"expires_at"`
	User         *apiUser `json:"user"`
	apiUser
}

func (s apiSession) toResult(now time.Time) *identity.AuthResult {
	user := s.User
	if user == nil && s.apiUser.ID != "" {
		user = &s.apiUser
	}
	result := &identity.AuthResult{}
	if user != nil {
		result.User = user.toUser()
	}
	if s.AccessToken != "" {
		tokens := &identity.Tokens{AccessToken: s.AccessToken, RefreshToken: s.RefreshToken}
		switch {
		case s.ExpiresAt > 0:
			tokens.ExpiresAt = time.Unix(s.ExpiresAt, 0).UTC()
		case s.ExpiresIn > 0:
			tokens.ExpiresAt = now.Add(time.Duration(s.ExpiresIn) * time.Second).UTC()
		}
		result.Tokens = tokens
	}
	return result
}

// apiError covers both the legacy and current error bodies.
type apiError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (e apiError) text() string {
	for _, candidate := range []string{e.Msg, e.ErrorDescription, e.Message, e.Error} {
		if strings.TrimSpace(candidate) != "" {
			return strings.TrimSpace(candidate)
		}
	}
	return ""
}

func (c *Client) CheckExists(ctx context.Context, identifier string) (identity.Existence, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return identity.Unknown(), pkgerrors.New(pkgerrors.CodeValidation, "identifier is required")
	}

	column := "email"
	value := identity.NormalizeEmail(identifier)
	if identity.IsPhone(identifier) {
		column, value = "phone", identifier
	}
	query := url.Values{}
	query.Set("select", "id,email,phone")
	query.Set(column, "eq."+value)
	query.Set("limit", "1")

	req, err := c.newRequest(ctx, http.MethodGet, c.existencePath+"?"+query.Encode(), nil, "")
	if err != nil {
		return identity.Unknown(), err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return identity.Unknown(), pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "execute account lookup")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return identity.Unknown(), pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, statusError(resp), "account lookup failed")
	}

	var rows []struct {
		ID    string  `json:"id"`
		Email *string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return identity.Unknown(), pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "decode account lookup")
	}
	if len(rows) == 0 {
		return identity.NotFound(), nil
	}
	email := ""
	if rows[0].Email != nil {
		email = *rows[0].Email
	}
	return identity.Found(email), nil
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*identity.AuthResult, error) {
	body := map[string]string{"email": email, "password": password}
	var session apiSession
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", body, "", &session, signInError); err != nil {
		return nil, err
	}
	return session.toResult(c.now()), nil
}

func (c *Client) SignUp(ctx context.Context, email, password string, metadata identity.Metadata) (*identity.AuthResult, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
		"data":     metadata,
	}
	var session apiSession
	if err := c.do(ctx, http.MethodPost, "/auth/v1/signup", body, "", &session, signUpError); err != nil {
		return nil, err
	}
	user := session.User
	if user == nil {
		user = &session.apiUser
	}
	// an existing address is reported as a user without identities so the
	// response does not reveal it; the storefront wants to say so
	if user.Identities != nil && len(*user.Identities) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeDuplicateAccount, "an account already exists for this email")
	}
	return session.toResult(c.now()), nil
}

func (c *Client) GetUser(ctx context.Context, accessToken string) (*identity.User, error) {
	var user apiUser
	if err := c.do(ctx, http.MethodGet, "/auth/v1/user", nil, accessToken, &user, sessionError); err != nil {
		return nil, err
	}
	return user.toUser(), nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*identity.AuthResult, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var session apiSession
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", body, "", &session, sessionError); err != nil {
		return nil, err
	}
	return session.toResult(c.now()), nil
}

func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	err := c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, accessToken, nil, sessionError)
	if pkgerrors.Is(err, pkgerrors.CodeUnauthorized) {
		return nil
	}
	return err
}

type errorMapper func(status int, body apiError) *pkgerrors.Error

func (c *Client) do(ctx context.Context, method, path string, body any, bearer string, out any, mapErr errorMapper) error {
	req, err := c.newRequest(ctx, method, path, body, bearer)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "execute identity request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyReadLimit))
		var parsed apiError
		_ = json.Unmarshal(raw, &parsed)
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, cause, "identity backend unavailable")
		}
		mapped := mapErr(resp.StatusCode, parsed)
		return pkgerrors.Wrap(mapped.Code(), cause, mapped.Message())
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "decode identity response")
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, bearer string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal identity request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+strings.TrimLeft(path, "/"), reader)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build identity request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.apiKey)
	if bearer == "" {
		bearer = c.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	return req, nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyReadLimit))
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

func signInError(status int, body apiError) *pkgerrors.Error {
	switch {
	case body.ErrorCode == "email_not_confirmed" || strings.Contains(strings.ToLower(body.text()), "not confirmed"):
		return pkgerrors.New(pkgerrors.CodeCredential, "email address not confirmed yet")
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		return pkgerrors.New(pkgerrors.CodeCredential, "incorrect email or password")
	default:
		return pkgerrors.New(pkgerrors.CodeRemoteUnavailable, "sign in failed")
	}
}

func signUpError(status int, body apiError) *pkgerrors.Error {
	text := strings.ToLower(body.text())
	switch {
	case body.ErrorCode == "user_already_exists" || body.ErrorCode == "email_exists" || strings.Contains(text, "already registered"):
		return pkgerrors.New(pkgerrors.CodeDuplicateAccount, "an account already exists for this email")
	case body.ErrorCode == "weak_password" || strings.Contains(text, "password"):
		msg := body.text()
		if msg == "" {
			msg = "password is too weak"
		}
		return pkgerrors.New(pkgerrors.CodeValidation, msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		msg := body.text()
		if msg == "" {
			msg = "sign up rejected"
		}
		return pkgerrors.New(pkgerrors.CodeValidation, msg)
	default:
		return pkgerrors.New(pkgerrors.CodeRemoteUnavailable, "sign up failed")
	}
}

func sessionError(status int, _ apiError) *pkgerrors.Error {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "session is no longer valid")
	default:
		return pkgerrors.New(pkgerrors.CodeRemoteUnavailable, "session request failed")
	}
}
