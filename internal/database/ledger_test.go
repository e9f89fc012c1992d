package database

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerMarkAndFilter(t *testing.T) {
	db := openTestDB(t)
	seedAccount(t, db, "u@x.com")

	require.NoError(t, db.Ledger.MarkProcessed("u@x.com", "m1"))
	// Marking twice is a no-op
	require.NoError(t, db.Ledger.MarkProcessed("u@x.com", "m1"))

	processed, err := db.Ledger.IsProcessed("u@x.com", "m1")
	require.NoError(t, err)
	assert.True(t, processed)

	unprocessed, err := db.Ledger.FilterUnprocessed("u@x.com", []string{"m1", "m2", "m3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3"}, unprocessed)
}

func TestLedgerPerAccountIsolation(t *testing.T) {
	db := openTestDB(t)
	seedAccount(t, db, "a@x.com")
	seedAccount(t, db, "b@x.com")

	require.NoError(t, db.Ledger.MarkProcessed("a@x.com", "m1"))

	unprocessed, err := db.Ledger.FilterUnprocessed("b@x.com", []string{"m1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, unprocessed)
}

func TestLedgerFilterLargeBatch(t *testing.T) {
	db := openTestDB(t)
	seedAccount(t, db, "u@x.com")

	ids := make([]string, 1200)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%04d", i)
	}
	for i := 0; i < 600; i++ {
		require.NoError(t, db.Ledger.MarkProcessed("u@x.com", ids[i]))
	}

	unprocessed, err := db.Ledger.FilterUnprocessed("u@x.com", ids)
	require.NoError(t, err)
	assert.Len(t, unprocessed, 600)
	assert.Equal(t, "m0600", unprocessed[0])
}

func TestLedgerFilterEmpty(t *testing.T) {
	db := openTestDB(t)

	unprocessed, err := db.Ledger.FilterUnprocessed("u@x.com", nil)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)
}

func TestOAuthStateConsume(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.OAuthStates.Create("state-1", "U@X.com", 10*time.Minute))

	email, err := db.OAuthStates.Consume("state-1")
	require.NoError(t, err)
	assert.Equal(t, "u@x.com", email)

	// States are single use
	_, err = db.OAuthStates.Consume("state-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.OAuthStates.Consume("never-issued")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOAuthStateExpiry(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.OAuthStates.Create("state-old", "u@x.com", -time.Minute))

	_, err := db.OAuthStates.Consume("state-old")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.OAuthStates.Create("state-gone", "u@x.com", -time.Minute))
	removed, err := db.OAuthStates.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
