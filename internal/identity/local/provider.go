// Package local is a self-hosted identity provider for development: customers
// live in the service database and sessions in Redis.
package local

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reliablestore/storefront/internal/identity"
	"github.com/reliablestore/storefront/pkg/auth"
	"github.com/reliablestore/storefront/pkg/auth/session"
	"github.com/reliablestore/storefront/pkg/config"
	"github.com/reliablestore/storefront/pkg/db"
	"github.com/reliablestore/storefront/pkg/db/models"
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
	"github.com/reliablestore/storefront/pkg/logger"
	"github.com/reliablestore/storefront/pkg/security"
)

const invalidCredentialsMessage = "incorrect email or password"

type customerStore interface {
	Create(ctx context.Context, customer *models.Customer) error
	FindByEmail(ctx context.Context, email string) (*models.Customer, error)
	FindByPhone(ctx context.Context, phone string) (*models.Customer, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Customer, error)
	UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
}

type sessionManager interface {
	Issue(ctx context.Context, accessID, subject string) (string, error)
	Rotate(ctx context.Context, refreshToken string) (session.Rotation, error)
	Revoke(ctx context.Context, accessID string) error
	HasSession(ctx context.Context, accessID string) (bool, error)
}

// ProviderParams wires a Provider.
type ProviderParams struct {
	Customers customerStore
	Hasher    *security.Hasher
	Sessions  sessionManager
	JWT       config.JWTConfig
	// RequireConfirmation makes sign-up return the account without a session.
	RequireConfirmation bool
	Logger              *logger.Logger
	Now                 func() time.Time
}

// Provider implements identity.Provider against the local database.
type Provider struct {
	customers           customerStore
	hasher              *security.Hasher
	sessions            sessionManager
	jwt                 config.JWTConfig
	requireConfirmation bool
	logg                *logger.Logger
	now                 func() time.Time
}

var _ identity.Provider = (*Provider)(nil)

// NewProvider validates the params and builds the provider.
func NewProvider(params ProviderParams) (*Provider, error) {
	if params.Customers == nil {
		return nil, errors.New("customer store is required")
	}
	if params.Hasher == nil {
		return nil, errors.New("password hasher is required")
	}
	if params.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if strings.TrimSpace(params.JWT.Secret) == "" {
		return nil, errors.New("jwt secret is required for local identity")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Provider{
		customers:           params.Customers,
		hasher:              params.Hasher,
		sessions:            params.Sessions,
		jwt:                 params.JWT,
		requireConfirmation: params.RequireConfirmation,
		logg:                logg,
		now:                 now,
	}, nil
}

func (p *Provider) CheckExists(ctx context.Context, identifier string) (identity.Existence, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return identity.Unknown(), pkgerrors.New(pkgerrors.CodeValidation, "identifier is required")
	}

	var (
		customer *models.Customer
		err      error
	)
	if identity.IsPhone(identifier) {
		customer, err = p.customers.FindByPhone(ctx, identifier)
	} else {
		customer, err = p.customers.FindByEmail(ctx, identity.NormalizeEmail(identifier))
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return identity.NotFound(), nil
	}
	if err != nil {
		return identity.Unknown(), pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "lookup customer")
	}
	return identity.Found(customer.Email), nil
}

func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*identity.AuthResult, error) {
	customer, err := p.customers.FindByEmail(ctx, identity.NormalizeEmail(email))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeCredential, invalidCredentialsMessage)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "lookup customer")
	}
	if !customer.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeCredential, "account is disabled")
	}

	ok, err := p.hasher.Verify(password, customer.PasswordHash)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "verify password")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeCredential, invalidCredentialsMessage)
	}

	if p.hasher.NeedsRehash(customer.PasswordHash) {
		p.rehash(ctx, customer, password)
	}
	now := p.now().UTC()
	if err := p.customers.UpdateLastLogin(ctx, customer.ID, now); err != nil {
		p.logg.WarnErr(p.logg.WithUserID(ctx, customer.ID.String()), "identity.local.last_login_failed", err)
	}

	return p.startSession(ctx, customer)
}

func (p *Provider) SignUp(ctx context.Context, email, password string, metadata identity.Metadata) (*identity.AuthResult, error) {
	email = identity.NormalizeEmail(email)
	if email == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "email is required")
	}
	if password == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "password is required")
	}

	hash, err := p.hasher.Hash(password)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "hash password")
	}
	customer := &models.Customer{
		Email:        email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(metadata.FullName),
		IsActive:     true,
	}
	if err := p.customers.Create(ctx, customer); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, pkgerrors.New(pkgerrors.CodeDuplicateAccount, "an account already exists for this email")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "create customer")
	}

	if p.requireConfirmation {
		return &identity.AuthResult{User: toUser(customer)}, nil
	}
	return p.startSession(ctx, customer)
}

func (p *Provider) GetUser(ctx context.Context, accessToken string) (*identity.User, error) {
	claims, err := auth.ParseAccessToken(p.jwt, accessToken)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid access token")
	}
	active, err := p.sessions.HasSession(ctx, claims.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "check session")
	}
	if !active {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "session revoked")
	}

	customer, err := p.activeCustomer(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	return toUser(customer), nil
}

func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*identity.AuthResult, error) {
	rotation, err := p.sessions.Rotate(ctx, refreshToken)
	if errors.Is(err, session.ErrInvalidRefreshToken) {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid refresh token")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "rotate session")
	}

	customer, err := p.activeCustomer(ctx, rotation.Subject)
	if err != nil {
		_ = p.sessions.Revoke(ctx, rotation.AccessID)
		return nil, err
	}
	return p.mint(customer, rotation.AccessID, rotation.RefreshToken)
}

func (p *Provider) SignOut(ctx context.Context, accessToken string) error {
	claims, err := auth.ParseAccessTokenAllowExpired(p.jwt, accessToken)
	if err != nil {
		// nothing this provider issued; there is no session to end
		return nil
	}
	if err := p.sessions.Revoke(ctx, claims.ID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "revoke session")
	}
	return nil
}

func (p *Provider) startSession(ctx context.Context, customer *models.Customer) (*identity.AuthResult, error) {
	accessID := session.NewAccessID()
	refreshToken, err := p.sessions.Issue(ctx, accessID, customer.ID.String())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "start session")
	}
	return p.mint(customer, accessID, refreshToken)
}

func (p *Provider) mint(customer *models.Customer, accessID, refreshToken string) (*identity.AuthResult, error) {
	accessToken, expiresAt, err := auth.MintAccessToken(p.jwt, p.now(), auth.AccessTokenPayload{
		UserID:   customer.ID.String(),
		Email:    customer.Email,
		FullName: customer.FullName,
		JTI:      accessID,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mint access token")
	}
	return &identity.AuthResult{
		User: toUser(customer),
		Tokens: &identity.Tokens{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    expiresAt.UTC(),
		},
	}, nil
}

func (p *Provider) activeCustomer(ctx context.Context, subject string) (*models.Customer, error) {
	id, err := uuid.Parse(subject)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid subject")
	}
	customer, err := p.customers.FindByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "account no longer exists")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeRemoteUnavailable, err, "lookup customer")
	}
	if !customer.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "account is disabled")
	}
	return customer, nil
}

func (p *Provider) rehash(ctx context.Context, customer *models.Customer, password string) {
	hash, err := p.hasher.Hash(password)
	if err == nil {
		err = p.customers.UpdatePasswordHash(ctx, customer.ID, hash)
	}
	if err != nil {
		p.logg.WarnErr(p.logg.WithUserID(ctx, customer.ID.String()), "identity.local.rehash_failed", err)
		return
	}
	customer.PasswordHash = hash
}

func toUser(customer *models.Customer) *identity.User {
	return &identity.User{
		ID:       customer.ID.String(),
		Email:    customer.Email,
		FullName: customer.FullName,
	}
}
