package identity

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reliablestore/storefront/pkg/auth"
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
	"github.com/reliablestore/storefront/pkg/logger"
	"github.com/reliablestore/storefront/pkg/redis"
)

// EventType names an auth-state change.
type EventType string

const (
	EventInitialSession EventType = "INITIAL_SESSION"
	EventSignedIn       EventType = "SIGNED_IN"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
	EventSignedOut      EventType = "SIGNED_OUT"
)

// Event is delivered to listeners after the session state changed.
type Event struct {
	Type EventType
	User *User
}

// Listener receives auth-state changes. It runs synchronously on the
// goroutine that changed the state, outside the session lock.
type Listener func(ctx context.Context, event Event)

const (
	StatusSourceRemote = "remote"
	StatusSourceCache  = "cache"
	StatusSourceNone   = "none"
)

// Status is the answer to "is somebody signed in on this page".
type Status struct {
	SignedIn bool   `json:"signed_in"`
	User     *User  `json:"user,omitempty"`
	Source   string `json:"source"`
}

type tokenCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type tokenCacheKeyer interface {
	TokenCacheKey(deviceID string) string
}

// cachedSession is the device token cache record.
type cachedSession struct {
	Tokens *Tokens `json:"tokens"`
	User   *User   `json:"user,omitempty"`
}

// SessionParams wires a Session.
type SessionParams struct {
	Provider Provider
	Cache    tokenCache
	Keyer    tokenCacheKeyer
	DeviceID string
	// TTL bounds how long the device token cache survives; zero keeps it
	// until sign-out.
	TTL    time.Duration
	Logger *logger.Logger
	Now    func() time.Time
}

// Session tracks the signed-in user of one page session and persists the
// token pair in the device token cache so the next page on the same device
// starts signed in.
type Session struct {
	provider Provider
	cache    tokenCache
	keyer    tokenCacheKeyer
	deviceID string
	ttl      time.Duration
	logg     *logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	user      *User
	tokens    *Tokens
	listeners map[uint64]Listener
	nextID    uint64
}

// NewSession builds a signed-out Session. Call Restore to pick up the device
// token cache.
func NewSession(params SessionParams) *Session {
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		provider:  params.Provider,
		cache:     params.Cache,
		keyer:     params.Keyer,
		deviceID:  params.DeviceID,
		ttl:       params.TTL,
		logg:      logg,
		now:       now,
		listeners: make(map[uint64]Listener),
	}
}

// Subscription is returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscribe registers fn for every later auth-state change.
func (s *Session) Subscribe(fn Listener) *Subscription {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	return &Subscription{cancel: func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}}
}

// Listeners reports how many listeners are registered.
func (s *Session) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// User returns a copy of the current user, or nil.
func (s *Session) User() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyUser(s.user)
}

// Restore loads the device token cache, confirms the user with the backend
// and emits InitialSession. A token the backend rejects is refreshed once; a
// backend that cannot be reached leaves the cached user in place as long as
// the access token has not expired.
func (s *Session) Restore(ctx context.Context) *User {
	cached := s.readCache(ctx)
	if cached == nil || cached.Tokens == nil {
		s.emit(ctx, Event{Type: EventInitialSession})
		return nil
	}

	user, tokens := s.confirm(ctx, cached)

	s.mu.Lock()
	s.user = user
	s.tokens = tokens
	s.mu.Unlock()

	if user == nil {
		s.dropCache(ctx)
	} else if tokens != cached.Tokens {
		s.writeCache(ctx, tokens, user)
	}

	s.emit(ctx, Event{Type: EventInitialSession, User: copyUser(user)})
	return copyUser(user)
}

func (s *Session) confirm(ctx context.Context, cached *cachedSession) (*User, *Tokens) {
	user, err := s.provider.GetUser(ctx, cached.Tokens.AccessToken)
	if err == nil {
		return user, cached.Tokens
	}

	if pkgerrors.Is(err, pkgerrors.CodeUnauthorized) || pkgerrors.Is(err, pkgerrors.CodeCredential) {
		if cached.Tokens.RefreshToken == "" {
			return nil, nil
		}
		result, refreshErr := s.provider.Refresh(ctx, cached.Tokens.RefreshToken)
		if refreshErr != nil {
			s.logg.WarnErr(s.logCtx(ctx), "identity.session.refresh_failed", refreshErr)
			return nil, nil
		}
		return result.User, result.Tokens
	}

	s.logg.WarnErr(s.logCtx(ctx), "identity.session.restore_unconfirmed", err)
	if cached.User != nil && cached.Tokens.Valid(s.now()) {
		return cached.User, cached.Tokens
	}
	return nil, nil
}

// SetSession primes the session with a fresh sign-in result and emits
// SignedIn. A token cache failure is logged; the in-memory session still
// counts.
func (s *Session) SetSession(ctx context.Context, result *AuthResult) error {
	if !result.HasSession() {
		return pkgerrors.New(pkgerrors.CodeValidation, "sign in result carries no session")
	}

	user := copyUser(result.User)
	tokens := *result.Tokens

	s.mu.Lock()
	s.user = user
	s.tokens = &tokens
	s.mu.Unlock()

	s.writeCache(ctx, &tokens, user)
	s.emit(ctx, Event{Type: EventSignedIn, User: copyUser(user)})
	return nil
}

// Refresh rotates the token pair and emits TokenRefreshed.
func (s *Session) Refresh(ctx context.Context) (*User, error) {
	s.mu.Lock()
	var refreshToken string
	if s.tokens != nil {
		refreshToken = s.tokens.RefreshToken
	}
	s.mu.Unlock()

	if refreshToken == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "no session to refresh")
	}

	result, err := s.provider.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	user := copyUser(result.User)
	tokens := *result.Tokens

	s.mu.Lock()
	s.user = user
	s.tokens = &tokens
	s.mu.Unlock()

	s.writeCache(ctx, &tokens, user)
	s.emit(ctx, Event{Type: EventTokenRefreshed, User: copyUser(user)})
	return copyUser(user), nil
}

// SignOut ends the session. The backend call is best effort; local state and
// the device token cache are always cleared and SignedOut is always emitted.
func (s *Session) SignOut(ctx context.Context) {
	s.mu.Lock()
	var accessToken string
	if s.tokens != nil {
		accessToken = s.tokens.AccessToken
	}
	s.user = nil
	s.tokens = nil
	s.mu.Unlock()

	if accessToken == "" {
		if cached := s.readCache(ctx); cached != nil && cached.Tokens != nil {
			accessToken = cached.Tokens.AccessToken
		}
	}
	if accessToken != "" {
		if err := s.provider.SignOut(ctx, accessToken); err != nil {
			s.logg.WarnErr(s.logCtx(ctx), "identity.session.sign_out_failed", err)
		}
	}

	s.dropCache(ctx)
	s.emit(ctx, Event{Type: EventSignedOut})
}

// Status asks the backend who owns the current access token. When the
// backend cannot answer, a cached access token whose exp claim is still in
// the future counts as signed in. An explicit rejection counts as signed out.
func (s *Session) Status(ctx context.Context) Status {
	s.mu.Lock()
	var tokens *Tokens
	if s.tokens != nil {
		copied := *s.tokens
		tokens = &copied
	}
	user := copyUser(s.user)
	s.mu.Unlock()

	if tokens == nil {
		if cached := s.readCache(ctx); cached != nil {
			tokens = cached.Tokens
			user = cached.User
		}
	}
	if tokens == nil || tokens.AccessToken == "" {
		return Status{Source: StatusSourceNone}
	}

	remote, err := s.provider.GetUser(ctx, tokens.AccessToken)
	if err == nil {
		return Status{SignedIn: true, User: remote, Source: StatusSourceRemote}
	}
	if pkgerrors.Is(err, pkgerrors.CodeUnauthorized) || pkgerrors.Is(err, pkgerrors.CodeCredential) {
		return Status{Source: StatusSourceRemote}
	}

	expiresAt, peekErr := auth.PeekExpiry(tokens.AccessToken)
	if peekErr != nil || !s.now().Before(expiresAt) {
		return Status{Source: StatusSourceCache}
	}
	return Status{SignedIn: true, User: user, Source: StatusSourceCache}
}

// Close drops every listener.
func (s *Session) Close() {
	s.mu.Lock()
	s.listeners = make(map[uint64]Listener)
	s.mu.Unlock()
}

func (s *Session) emit(ctx context.Context, event Event) {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(ctx, event)
	}
}

func (s *Session) cacheKey() string {
	if s.keyer != nil {
		return s.keyer.TokenCacheKey(s.deviceID)
	}
	return "auth:" + s.deviceID
}

func (s *Session) readCache(ctx context.Context) *cachedSession {
	if s.cache == nil || strings.TrimSpace(s.deviceID) == "" {
		return nil
	}
	raw, err := s.cache.Get(ctx, s.cacheKey())
	if err != nil {
		if !redis.IsNil(err) {
			s.logg.WarnErr(s.logCtx(ctx), "identity.token_cache.read_failed", err)
		}
		return nil
	}
	var cached cachedSession
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		s.logg.WarnErr(s.logCtx(ctx), "identity.token_cache.corrupt", err)
		return nil
	}
	return &cached
}

func (s *Session) writeCache(ctx context.Context, tokens *Tokens, user *User) {
	if s.cache == nil || strings.TrimSpace(s.deviceID) == "" {
		return
	}
	payload, err := json.Marshal(cachedSession{Tokens: tokens, User: user})
	if err != nil {
		s.logg.WarnErr(s.logCtx(ctx), "identity.token_cache.encode_failed", err)
		return
	}
	if err := s.cache.Set(ctx, s.cacheKey(), string(payload), s.ttl); err != nil {
		err = pkgerrors.Wrap(pkgerrors.CodeStorage, err, "write token cache")
		s.logg.WarnErr(s.logCtx(ctx), "identity.token_cache.write_failed", err)
	}
}

func (s *Session) dropCache(ctx context.Context) {
	if s.cache == nil || strings.TrimSpace(s.deviceID) == "" {
		return
	}
	if err := s.cache.Del(ctx, s.cacheKey()); err != nil {
		err = pkgerrors.Wrap(pkgerrors.CodeStorage, err, "delete token cache")
		s.logg.WarnErr(s.logCtx(ctx), "identity.token_cache.delete_failed", err)
	}
}

func (s *Session) logCtx(ctx context.Context) context.Context {
	return s.logg.WithDeviceID(ctx, s.deviceID)
}

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	copied := *u
	return &copied
}
