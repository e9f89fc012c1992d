package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationIdempotence(t *testing.T) {
	db := openTestDB(t)

	// Re-running the full migration must be safe
	require.NoError(t, db.migrate())
	require.NoError(t, db.migrate())
}

func TestGetConnectionStatus(t *testing.T) {
	db := openTestDB(t)

	cs := db.GetConnectionStatus()
	assert.True(t, cs.Connected)
	assert.Empty(t, cs.Error)
}

func TestAccountCreate(t *testing.T) {
	db := openTestDB(t)

	account := &Account{Email: "  User@Example.COM ", IMAPPassword: "app-pass"}
	require.NoError(t, db.Accounts.Create(account))

	assert.Equal(t, "user@example.com", account.Email)
	assert.Equal(t, AuthMethodIMAP, account.AuthMethod)
	assert.True(t, account.Active)
	assert.NotZero(t, account.ID)

	// Duplicate address
	dup := &Account{Email: "user@example.com", IMAPPassword: "other"}
	assert.ErrorIs(t, db.Accounts.Create(dup), ErrAccountExists)
}

func TestAccountCreateCredentialVariants(t *testing.T) {
	db := openTestDB(t)

	testCases := []struct {
		name        string
		account     Account
		expectError bool
	}{
		{"imap only", Account{Email: "a@x.com", IMAPPassword: "p"}, false},
		{"oauth only", Account{Email: "b@x.com", OAuthRefreshToken: "r"}, false},
		{"both set", Account{Email: "c@x.com", IMAPPassword: "p", OAuthRefreshToken: "r"}, true},
		{"neither set", Account{Email: "d@x.com"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			account := tc.account
			err := db.Accounts.Create(&account)
			if tc.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAccountLifecycle(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Accounts.Create(&Account{Email: "u@x.com", OAuthRefreshToken: "r"}))

	got, err := db.Accounts.GetByEmail("U@X.com")
	require.NoError(t, err)
	assert.Equal(t, AuthMethodOAuth, got.AuthMethod)
	assert.Equal(t, "r", got.OAuthRefreshToken)

	active, err := db.Accounts.ListActive()
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, db.Accounts.Deactivate("u@x.com"))
	active, err = db.Accounts.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := db.Accounts.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, db.Accounts.Delete("u@x.com"))
	_, err = db.Accounts.GetByEmail("u@x.com")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, db.Accounts.Deactivate("u@x.com"), ErrNotFound)
	assert.ErrorIs(t, db.Accounts.Delete("u@x.com"), ErrNotFound)
}

func TestAccountOAuthTokenCache(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Accounts.Create(&Account{Email: "u@x.com", OAuthRefreshToken: "r"}))

	expiry := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, db.Accounts.UpdateOAuthTokens("u@x.com", "at", expiry))

	got, err := db.Accounts.GetByEmail("u@x.com")
	require.NoError(t, err)
	assert.Equal(t, "at", got.OAuthAccessToken)
	require.NotNil(t, got.OAuthTokenExpiry)
	assert.WithinDuration(t, expiry, *got.OAuthTokenExpiry, time.Second)
}

func TestSetOAuthRefreshTokenSwitchesVariant(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Accounts.Create(&Account{Email: "u@x.com", IMAPPassword: "pass"}))
	require.NoError(t, db.Accounts.SetOAuthRefreshToken("u@x.com", "refresh"))

	got, err := db.Accounts.GetByEmail("u@x.com")
	require.NoError(t, err)
	assert.Equal(t, AuthMethodOAuth, got.AuthMethod)
	assert.Empty(t, got.IMAPPassword)
	assert.Equal(t, "refresh", got.OAuthRefreshToken)
}
