package database

import (
	"database/sql"
	"fmt"
	"time"
)

// LedgerStore records which message ids have already been processed per
// account so overlapping fetch windows never act on the same message twice.
type LedgerStore struct {
	db *sql.DB
}

// NewLedgerStore creates a new ledger store
func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// MarkProcessed records a message id as handled. Marking the same id twice
// is a no-op.
func (s *LedgerStore) MarkProcessed(accountEmail, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("message id cannot be empty")
	}

	_, err := s.db.Exec(`
		INSERT INTO processed_messages (account_email, message_id)
		VALUES (?, ?)
		ON CONFLICT(account_email, message_id) DO NOTHING`,
		CanonicalEmail(accountEmail), messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}

	return nil
}

// IsProcessed reports whether a message id is already in the ledger
func (s *LedgerStore) IsProcessed(accountEmail, messageID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM processed_messages
		WHERE account_email = ? AND message_id = ?`,
		CanonicalEmail(accountEmail), messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}
	return exists > 0, nil
}

// FilterUnprocessed returns the subset of ids not yet in the ledger,
// preserving input order. Batches the lookup to stay under SQLite's
// bound-parameter limit.
func (s *LedgerStore) FilterUnprocessed(accountEmail string, messageIDs []string) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	email := CanonicalEmail(accountEmail)
	seen := make(map[string]bool, len(messageIDs))

	const batchSize = 500
	for start := 0; start < len(messageIDs); start += batchSize {
		end := start + batchSize
		if end > len(messageIDs) {
			end = len(messageIDs)
		}
		batch := messageIDs[start:end]

		placeholders := ""
		args := make([]interface{}, 0, len(batch)+1)
		args = append(args, email)
		for i, id := range batch {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, id)
		}

		rows, err := s.db.Query(
			"SELECT message_id FROM processed_messages WHERE account_email = ? AND message_id IN ("+placeholders+")",
			args...)
		if err != nil {
			return nil, fmt.Errorf("failed to filter processed messages: %w", err)
		}

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan message id: %w", err)
			}
			seen[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	var unprocessed []string
	for _, id := range messageIDs {
		if !seen[id] {
			unprocessed = append(unprocessed, id)
		}
	}

	return unprocessed, nil
}

// Cleanup deletes ledger entries older than the retention window and
// returns the number of rows removed.
func (s *LedgerStore) Cleanup(retentionDays int) (int64, error) {
	if retentionDays < 1 {
		retentionDays = 1
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	result, err := s.db.Exec(
		"DELETE FROM processed_messages WHERE processed_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up ledger: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}
