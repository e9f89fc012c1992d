package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyTallies(t *testing.T) {
	db := openTestDB(t)
	seedAccount(t, db, "u@x.com")

	day := DayBucket(time.Now())

	tallies := NewRunTallies()
	tallies.Categories["Marketing"] = AggregateDelta{Count: 2, Deleted: 2}
	tallies.Categories["Personal"] = AggregateDelta{Count: 1}
	tallies.Senders["ads@spam.com"] = AggregateDelta{Count: 2, Deleted: 2}
	tallies.Domains["spam.com"] = AggregateDelta{Count: 2, Deleted: 2}

	require.NoError(t, db.Aggregates.ApplyTallies("u@x.com", day, tallies))

	// Applying a second run's tallies increments the same rows
	second := NewRunTallies()
	second.Categories["Marketing"] = AggregateDelta{Count: 1, Archived: 1}
	require.NoError(t, db.Aggregates.ApplyTallies("u@x.com", day, second))

	top, err := db.Aggregates.TopCategories("u@x.com", 7, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "Marketing", top[0].Category)
	assert.Equal(t, 3, top[0].Count)
	assert.Equal(t, 2, top[0].Deleted)
	assert.Equal(t, 1, top[0].Archived)
	assert.Equal(t, "Personal", top[1].Category)
}

func TestApplyTalliesNil(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.Aggregates.ApplyTallies("u@x.com", DayBucket(time.Now()), nil))
}

func TestTopCategoriesWindow(t *testing.T) {
	db := openTestDB(t)
	seedAccount(t, db, "u@x.com")

	old := NewRunTallies()
	old.Categories["Stale"] = AggregateDelta{Count: 5}
	oldDay := DayBucket(time.Now().AddDate(0, 0, -30))
	require.NoError(t, db.Aggregates.ApplyTallies("u@x.com", oldDay, old))

	recent := NewRunTallies()
	recent.Categories["Fresh"] = AggregateDelta{Count: 1}
	require.NoError(t, db.Aggregates.ApplyTallies("u@x.com", DayBucket(time.Now()), recent))

	top, err := db.Aggregates.TopCategories("u@x.com", 7, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "Fresh", top[0].Category)
}

func TestTopSendersAndDomains(t *testing.T) {
	db := openTestDB(t)
	seedAccount(t, db, "u@x.com")

	tallies := NewRunTallies()
	tallies.Senders["a@one.com"] = AggregateDelta{Count: 3}
	tallies.Senders["b@two.com"] = AggregateDelta{Count: 1}
	tallies.Domains["one.com"] = AggregateDelta{Count: 3}
	tallies.Domains["two.com"] = AggregateDelta{Count: 1}
	require.NoError(t, db.Aggregates.ApplyTallies("u@x.com", DayBucket(time.Now()), tallies))

	senders, err := db.Aggregates.TopSenders("u@x.com", 7, 10)
	require.NoError(t, err)
	require.Len(t, senders, 2)
	assert.Equal(t, "a@one.com", senders[0].Key)

	domains, err := db.Aggregates.TopDomains("u@x.com", 7, 1)
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, "one.com", domains[0].Key)
}

func TestDayBucketUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 02:00 on the 2nd in UTC+9 is still the 1st in UTC
	local := time.Date(2026, 3, 2, 2, 0, 0, 0, loc)
	assert.Equal(t, "2026-03-01", DayBucket(local))
}
