// Package identitytest provides an in-memory identity backend for tests.
package identitytest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/reliablestore/storefront/internal/identity"
	"github.com/reliablestore/storefront/pkg/auth"
	"github.com/reliablestore/storefront/pkg/config"
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
)

const (
	OpCheckExists = "check_exists"
	OpSignIn      = "sign_in"
	OpSignUp      = "sign_up"
	OpGetUser     = "get_user"
	OpRefresh     = "refresh"
	OpSignOut     = "sign_out"
)

var tokenConfig = config.JWTConfig{Secret: "identitytest", Issuer: "identitytest", ExpirationMinutes: 60}

type account struct {
	user     identity.User
	password string
	phone    string
}

// Fake is a goroutine-safe identity.Provider backed by maps. Setting one of
// the *Err fields makes the matching call fail; setting Gate makes sign-in
// and sign-up wait until the channel is closed or ctx ends.
type Fake struct {
	mu       sync.Mutex
	accounts map[string]*account
	access   map[string]string
	refresh  map[string]string
	calls    map[string]int
	nextID   int
	issued   int

	ExistsErr  error
	SignInErr  error
	SignUpErr  error
	GetUserErr error
	RefreshErr error
	SignOutErr error

	// RequireConfirmation makes SignUp return an account without tokens.
	RequireConfirmation bool
	Gate                chan struct{}
}

var _ identity.Provider = (*Fake)(nil)

// NewFake returns an empty backend.
func NewFake() *Fake {
	return &Fake{
		accounts: make(map[string]*account),
		access:   make(map[string]string),
		refresh:  make(map[string]string),
		calls:    make(map[string]int),
	}
}

// AddAccount registers an account and returns its user.
func (f *Fake) AddAccount(email, password, fullName, phone string) identity.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(email, password, fullName, phone)
}

// Calls reports how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls reports every invocation across operations.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// Revoke forgets every issued access token so GetUser rejects them.
func (f *Fake) Revoke() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access = make(map[string]string)
}

func (f *Fake) CheckExists(ctx context.Context, identifier string) (identity.Existence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[OpCheckExists]++
	if f.ExistsErr != nil {
		return identity.Unknown(), f.ExistsErr
	}
	if identity.IsPhone(identifier) {
		for _, acct := range f.accounts {
			if acct.phone == identifier {
				return identity.Found(acct.user.Email), nil
			}
		}
		return identity.NotFound(), nil
	}
	if acct, ok := f.accounts[identity.NormalizeEmail(identifier)]; ok {
		return identity.Found(acct.user.Email), nil
	}
	return identity.NotFound(), nil
}

func (f *Fake) SignInWithPassword(ctx context.Context, email, password string) (*identity.AuthResult, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[OpSignIn]++
	if f.SignInErr != nil {
		return nil, f.SignInErr
	}
	acct, ok := f.accounts[identity.NormalizeEmail(email)]
	if !ok || acct.password != password {
		return nil, pkgerrors.New(pkgerrors.CodeCredential, "invalid login credentials")
	}
	return f.issueLocked(acct.user)
}

func (f *Fake) SignUp(ctx context.Context, email, password string, metadata identity.Metadata) (*identity.AuthResult, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[OpSignUp]++
	if f.SignUpErr != nil {
		return nil, f.SignUpErr
	}
	email = identity.NormalizeEmail(email)
	if _, exists := f.accounts[email]; exists {
		return nil, pkgerrors.New(pkgerrors.CodeDuplicateAccount, "user already registered")
	}
	user := f.addLocked(email, password, metadata.FullName, "")
	if f.RequireConfirmation {
		return &identity.AuthResult{User: &user}, nil
	}
	return f.issueLocked(user)
}

func (f *Fake) GetUser(ctx context.Context, accessToken string) (*identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[OpGetUser]++
	if f.GetUserErr != nil {
		return nil, f.GetUserErr
	}
	email, ok := f.access[accessToken]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid access token")
	}
	user := f.accounts[email].user
	return &user, nil
}

func (f *Fake) Refresh(ctx context.Context, refreshToken string) (*identity.AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[OpRefresh]++
	if f.RefreshErr != nil {
		return nil, f.RefreshErr
	}
	email, ok := f.refresh[refreshToken]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid refresh token")
	}
	delete(f.refresh, refreshToken)
	return f.issueLocked(f.accounts[email].user)
}

func (f *Fake) SignOut(ctx context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[OpSignOut]++
	if f.SignOutErr != nil {
		return f.SignOutErr
	}
	delete(f.access, accessToken)
	return nil
}

// MintExpiring returns an access token that expires at the given time and is
// not known to the backend.
func MintExpiring(userID string, expiresAt time.Time) string {
	cfg := tokenConfig
	cfg.ExpirationMinutes = 1
	token, _, err := auth.MintAccessToken(cfg, expiresAt.Add(-time.Minute), auth.AccessTokenPayload{UserID: userID})
	if err != nil {
		panic(err)
	}
	return token
}

func (f *Fake) wait(ctx context.Context) error {
	f.mu.Lock()
	gate := f.Gate
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fake) addLocked(email, password, fullName, phone string) identity.User {
	f.nextID++
	user := identity.User{
		ID:       fmt.Sprintf("user-%d", f.nextID),
		Email:    identity.NormalizeEmail(email),
		FullName: strings.TrimSpace(fullName),
	}
	f.accounts[user.Email] = &account{user: user, password: password, phone: phone}
	return user
}

func (f *Fake) issueLocked(user identity.User) (*identity.AuthResult, error) {
	access, expiresAt, err := auth.MintAccessToken(tokenConfig, time.Now(), auth.AccessTokenPayload{
		UserID: user.ID,
		Email:  user.Email,
	})
	if err != nil {
		return nil, err
	}
	f.issued++
	refresh := fmt.Sprintf("refresh-%s-%d", user.ID, f.issued)
	f.access[access] = user.Email
	f.refresh[refresh] = user.Email
	return &identity.AuthResult{
		User:   &user,
		Tokens: &identity.Tokens{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt},
	}, nil
}
