package database

import (
	"database/sql"
	"fmt"
	"time"
)

// OAuthStateStore persists short-lived CSRF states for the OAuth handshake
type OAuthStateStore struct {
	db *sql.DB
}

// NewOAuthStateStore creates a new OAuth state store
func NewOAuthStateStore(db *sql.DB) *OAuthStateStore {
	return &OAuthStateStore{db: db}
}

// Create stores a handshake state bound to an account address
func (s *OAuthStateStore) Create(state, email string, ttl time.Duration) error {
	if state == "" {
		return fmt.Errorf("oauth state cannot be empty")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	_, err := s.db.Exec(`
		INSERT INTO oauth_states (state, email, expires_at)
		VALUES (?, ?, ?)`,
		state, CanonicalEmail(email), time.Now().UTC().Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to store oauth state: %w", err)
	}

	return nil
}

// Consume validates a state, deletes it and returns the bound address.
// Unknown or expired states return ErrNotFound.
func (s *OAuthStateStore) Consume(state string) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var email string
	var expiresAt time.Time
	err = tx.QueryRow(
		"SELECT email, expires_at FROM oauth_states WHERE state = ?", state).
		Scan(&email, &expiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to look up oauth state: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM oauth_states WHERE state = ?", state); err != nil {
		return "", fmt.Errorf("failed to consume oauth state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit state consumption: %w", err)
	}

	if time.Now().UTC().After(expiresAt) {
		return "", ErrNotFound
	}

	return email, nil
}

// CleanupExpired removes expired handshake states
func (s *OAuthStateStore) CleanupExpired() (int64, error) {
	result, err := s.db.Exec(
		"DELETE FROM oauth_states WHERE expires_at < ?", time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up oauth states: %w", err)
	}
	return result.RowsAffected()
}
