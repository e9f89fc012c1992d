package database

import (
	"database/sql"
	"fmt"
	"time"
)

// AggregateStore maintains rolling per-day category, sender and domain
// counts. Rows are keyed by (account, day, key) and incremented additively,
// so re-applying a run's tallies after a crash only inflates counts, never
// corrupts them.
type AggregateStore struct {
	db *sql.DB
}

// NewAggregateStore creates a new aggregate store
func NewAggregateStore(db *sql.DB) *AggregateStore {
	return &AggregateStore{db: db}
}

// DayBucket formats a timestamp as the UTC day key used for aggregation
func DayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ApplyTallies upserts all of a run's tallies in a single transaction
func (s *AggregateStore) ApplyTallies(accountEmail string, day string, tallies *RunTallies) error {
	if tallies == nil {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	email := CanonicalEmail(accountEmail)

	tables := []struct {
		table  string
		column string
		deltas map[string]AggregateDelta
	}{
		{"category_aggregates", "category", tallies.Categories},
		{"sender_aggregates", "sender", tallies.Senders},
		{"domain_aggregates", "domain", tallies.Domains},
	}

	for _, t := range tables {
		for key, delta := range t.deltas {
			if key == "" {
				continue
			}
			query := fmt.Sprintf(`
				INSERT INTO %s (account_email, day, %s, count, deleted, archived)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(account_email, day, %s) DO UPDATE SET
					count = count + excluded.count,
					deleted = deleted + excluded.deleted,
					archived = archived + excluded.archived`,
				t.table, t.column, t.column)
			if _, err := tx.Exec(query, email, day, key,
				delta.Count, delta.Deleted, delta.Archived); err != nil {
				return fmt.Errorf("failed to upsert %s aggregate: %w", t.column, err)
			}
		}
	}

	return tx.Commit()
}

// TopCategories returns the highest-volume categories for an account over
// the last `days` day buckets, summed across days.
func (s *AggregateStore) TopCategories(accountEmail string, days, limit int) ([]CategoryCount, error) {
	if days <= 0 {
		days = 7
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	since := DayBucket(time.Now().UTC().AddDate(0, 0, -days+1))

	rows, err := s.db.Query(`
		SELECT category, SUM(count), SUM(deleted), SUM(archived)
		FROM category_aggregates
		WHERE account_email = ? AND day >= ?
		GROUP BY category
		ORDER BY SUM(count) DESC
		LIMIT ?`,
		CanonicalEmail(accountEmail), since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top categories: %w", err)
	}
	defer rows.Close()

	var counts []CategoryCount
	for rows.Next() {
		var c CategoryCount
		if err := rows.Scan(&c.Category, &c.Count, &c.Deleted, &c.Archived); err != nil {
			return nil, fmt.Errorf("failed to scan category count: %w", err)
		}
		counts = append(counts, c)
	}

	return counts, rows.Err()
}

// TopSenders returns the highest-volume senders for an account over the
// last `days` day buckets.
func (s *AggregateStore) TopSenders(accountEmail string, days, limit int) ([]KeyCount, error) {
	return s.topKeys("sender_aggregates", "sender", accountEmail, days, limit)
}

// TopDomains returns the highest-volume sender domains for an account over
// the last `days` day buckets.
func (s *AggregateStore) TopDomains(accountEmail string, days, limit int) ([]KeyCount, error) {
	return s.topKeys("domain_aggregates", "domain", accountEmail, days, limit)
}

// KeyCount is one row of a sender or domain ranking
type KeyCount struct {
	Key      string `json:"key"`
	Count    int    `json:"count"`
	Deleted  int    `json:"deleted"`
	Archived int    `json:"archived"`
}

func (s *AggregateStore) topKeys(table, column, accountEmail string, days, limit int) ([]KeyCount, error) {
	if days <= 0 {
		days = 7
	}
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	since := DayBucket(time.Now().UTC().AddDate(0, 0, -days+1))

	query := fmt.Sprintf(`
		SELECT %s, SUM(count), SUM(deleted), SUM(archived)
		FROM %s
		WHERE account_email = ? AND day >= ?
		GROUP BY %s
		ORDER BY SUM(count) DESC
		LIMIT ?`, column, table, column)

	rows, err := s.db.Query(query, CanonicalEmail(accountEmail), since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top %ss: %w", column, err)
	}
	defer rows.Close()

	var counts []KeyCount
	for rows.Next() {
		var c KeyCount
		if err := rows.Scan(&c.Key, &c.Count, &c.Deleted, &c.Archived); err != nil {
			return nil, fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		counts = append(counts, c)
	}

	return counts, rows.Err()
}
