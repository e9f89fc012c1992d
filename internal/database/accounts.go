package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AccountStore manages email account records
type AccountStore struct {
	db *sql.DB
}

// NewAccountStore creates a new account store
func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

const accountColumns = `id, email, active, auth_method, imap_password,
	oauth_refresh_token, oauth_access_token, oauth_token_expiry,
	last_scan_at, created_at, updated_at`

// Create registers a new account. The address is canonicalized to lowercase
// and exactly one credential variant must be populated.
func (s *AccountStore) Create(account *Account) error {
	account.Email = CanonicalEmail(account.Email)
	if account.Email == "" {
		return fmt.Errorf("account email cannot be empty")
	}

	hasIMAP := account.IMAPPassword != ""
	hasOAuth := account.OAuthRefreshToken != ""
	if hasIMAP == hasOAuth {
		return fmt.Errorf("exactly one credential variant must be set")
	}

	if hasIMAP {
		account.AuthMethod = AuthMethodIMAP
	} else {
		account.AuthMethod = AuthMethodOAuth
	}

	query := `
		INSERT INTO email_accounts (email, active, auth_method, imap_password, oauth_refresh_token)
		VALUES (?, TRUE, ?, ?, ?)
	`

	result, err := s.db.Exec(query, account.Email, account.AuthMethod,
		nullableString(account.IMAPPassword), nullableString(account.OAuthRefreshToken))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get account id: %w", err)
	}
	account.ID = id
	account.Active = true

	return nil
}

// GetByEmail retrieves an account by its canonical address
func (s *AccountStore) GetByEmail(email string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM email_accounts WHERE email = ?`

	row := s.db.QueryRow(query, CanonicalEmail(email))
	account, err := scanAccount(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// List returns all accounts ordered by address
func (s *AccountStore) List() ([]Account, error) {
	query := `SELECT ` + accountColumns + ` FROM email_accounts ORDER BY email`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *account)
	}

	return accounts, rows.Err()
}

// ListActive returns active accounts ordered by address. This is the set the
// scheduler sweeps.
func (s *AccountStore) ListActive() ([]Account, error) {
	query := `SELECT ` + accountColumns + ` FROM email_accounts WHERE active = TRUE ORDER BY email`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *account)
	}

	return accounts, rows.Err()
}

// Deactivate marks an account inactive without deleting its records
func (s *AccountStore) Deactivate(email string) error {
	result, err := s.db.Exec(
		"UPDATE email_accounts SET active = FALSE, updated_at = CURRENT_TIMESTAMP WHERE email = ?",
		CanonicalEmail(email))
	if err != nil {
		return fmt.Errorf("failed to deactivate account: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete removes an account. Dependent runs, aggregates and ledger entries
// cascade via foreign keys.
func (s *AccountStore) Delete(email string) error {
	result, err := s.db.Exec("DELETE FROM email_accounts WHERE email = ?", CanonicalEmail(email))
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// TouchLastScan stamps the account's last scan time
func (s *AccountStore) TouchLastScan(email string, at time.Time) error {
	_, err := s.db.Exec(
		"UPDATE email_accounts SET last_scan_at = ?, updated_at = CURRENT_TIMESTAMP WHERE email = ?",
		at.UTC(), CanonicalEmail(email))
	if err != nil {
		return fmt.Errorf("failed to update last scan time: %w", err)
	}
	return nil
}

// UpdateOAuthTokens stores the refreshed access token and its expiry
func (s *AccountStore) UpdateOAuthTokens(email, accessToken string, expiry time.Time) error {
	result, err := s.db.Exec(`
		UPDATE email_accounts
		SET oauth_access_token = ?, oauth_token_expiry = ?, updated_at = CURRENT_TIMESTAMP
		WHERE email = ?`,
		accessToken, expiry.UTC(), CanonicalEmail(email))
	if err != nil {
		return fmt.Errorf("failed to update oauth tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SetOAuthRefreshToken switches an account to the OAuth credential variant.
// Used by the OAuth callback once a handshake completes.
func (s *AccountStore) SetOAuthRefreshToken(email, refreshToken string) error {
	result, err := s.db.Exec(`
		UPDATE email_accounts
		SET oauth_refresh_token = ?, imap_password = NULL, auth_method = ?,
		    oauth_access_token = NULL, oauth_token_expiry = NULL,
		    updated_at = CURRENT_TIMESTAMP
		WHERE email = ?`,
		refreshToken, AuthMethodOAuth, CanonicalEmail(email))
	if err != nil {
		return fmt.Errorf("failed to set oauth refresh token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var account Account
	var imapPassword, refreshToken, accessToken sql.NullString
	var tokenExpiry, lastScan sql.NullTime

	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.Active,
		&account.AuthMethod,
		&imapPassword,
		&refreshToken,
		&accessToken,
		&tokenExpiry,
		&lastScan,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	account.IMAPPassword = imapPassword.String
	account.OAuthRefreshToken = refreshToken.String
	account.OAuthAccessToken = accessToken.String
	if tokenExpiry.Valid {
		t := tokenExpiry.Time
		account.OAuthTokenExpiry = &t
	}
	if lastScan.Valid {
		t := lastScan.Time
		account.LastScanAt = &t
	}

	return &account, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
