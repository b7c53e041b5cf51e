package identity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliablestore/storefront/internal/identity"
	"github.com/reliablestore/storefront/internal/identity/identitytest"
	pkgerrors "github.com/reliablestore/storefront/pkg/errors"
)

var testTimeouts = identity.Timeouts{Existence: time.Second, Credential: time.Second, Session: time.Second}

func TestClientCheckExistsNormalizesEmail(t *testing.T) {
	fake := identitytest.NewFake()
	fake.AddAccount("Ada@Example.com", "secret1", "Ada", "5551234567")
	client := identity.NewClient(fake, testTimeouts, nil, nil)

	existence, err := client.CheckExists(context.Background(), "  ada@example.com ")
	require.NoError(t, err)
	assert.True(t, existence.Known)
	assert.True(t, existence.Exists)
	assert.Equal(t, "ada@example.com", existence.Email)

	existence, err = client.CheckExists(context.Background(), "5551234567")
	require.NoError(t, err)
	assert.True(t, existence.Exists)
	assert.Equal(t, "ada@example.com", existence.Email)

	existence, err = client.CheckExists(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Equal(t, identity.NotFound(), existence)
}

func TestClientWrapsUntypedFailuresAsRemoteUnavailable(t *testing.T) {
	fake := identitytest.NewFake()
	fake.ExistsErr = errors.New("connection reset")
	client := identity.NewClient(fake, testTimeouts, nil, nil)

	existence, err := client.CheckExists(context.Background(), "ada@example.com")
	require.Error(t, err)
	assert.False(t, existence.Known)
	assert.Equal(t, pkgerrors.CodeRemoteUnavailable, pkgerrors.CodeOf(err))
}

func TestClientKeepsTypedErrors(t *testing.T) {
	fake := identitytest.NewFake()
	fake.AddAccount("ada@example.com", "secret1", "Ada", "")
	client := identity.NewClient(fake, testTimeouts, nil, nil)

	_, err := client.SignInWithPassword(context.Background(), "ada@example.com", "wrong")
	assert.Equal(t, pkgerrors.CodeCredential, pkgerrors.CodeOf(err))

	_, err = client.SignUp(context.Background(), "ada@example.com", "secret1", identity.Metadata{FullName: "Ada"})
	assert.Equal(t, pkgerrors.CodeDuplicateAccount, pkgerrors.CodeOf(err))
}

func TestClientBoundsCredentialCalls(t *testing.T) {
	fake := identitytest.NewFake()
	fake.AddAccount("ada@example.com", "secret1", "Ada", "")
	fake.Gate = make(chan struct{})
	defer close(fake.Gate)
	client := identity.NewClient(fake, identity.Timeouts{Credential: 20 * time.Millisecond}, nil, nil)

	start := time.Now()
	_, err := client.SignInWithPassword(context.Background(), "ada@example.com", "secret1")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeRemoteUnavailable, pkgerrors.CodeOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestClientSignUpWithoutSessionRequiresConfirmation(t *testing.T) {
	fake := identitytest.NewFake()
	fake.RequireConfirmation = true
	client := identity.NewClient(fake, testTimeouts, nil, nil)

	result, err := client.SignUp(context.Background(), "New@Example.com", "secret1", identity.Metadata{FullName: " New Person "})
	require.NoError(t, err)
	require.NotNil(t, result.User)
	assert.False(t, result.HasSession())
	assert.Equal(t, "new@example.com", result.User.Email)
	assert.Equal(t, "New Person", result.User.FullName)
}

func TestClientGetUserRequiresToken(t *testing.T) {
	fake := identitytest.NewFake()
	client := identity.NewClient(fake, testTimeouts, nil, nil)

	_, err := client.GetUser(context.Background(), " ")
	assert.Equal(t, pkgerrors.CodeUnauthorized, pkgerrors.CodeOf(err))
	assert.Zero(t, fake.TotalCalls())

	_, err = client.Refresh(context.Background(), "")
	assert.Equal(t, pkgerrors.CodeUnauthorized, pkgerrors.CodeOf(err))
}

func TestClientWithoutBackend(t *testing.T) {
	var client *identity.Client
	_, err := client.CheckExists(context.Background(), "ada@example.com")
	assert.Equal(t, pkgerrors.CodeRemoteUnavailable, pkgerrors.CodeOf(err))
}

func TestIsPhone(t *testing.T) {
	assert.True(t, identity.IsPhone("5551234567"))
	assert.True(t, identity.IsPhone(" 005551234567 "))
	assert.False(t, identity.IsPhone("555123456"))
	assert.False(t, identity.IsPhone("+15551234567"))
	assert.False(t, identity.IsPhone("ada@example.com"))
}
