package database

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors shared by the stores
var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrAccountExists is returned when registering a duplicate address
	ErrAccountExists = errors.New("account already exists")

	// ErrInvalidState is returned when an operation targets a run that is
	// unknown or already terminal
	ErrInvalidState = errors.New("run is not in a valid state for this operation")
)

// DB wraps the sql.DB connection and provides access to stores
type DB struct {
	*sql.DB
	Accounts    *AccountStore
	Runs        *RunStore
	Aggregates  *AggregateStore
	Ledger      *LedgerStore
	OAuthStates *OAuthStateStore
}

// Open opens a database connection and initializes stores
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable foreign key constraints in SQLite
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=30000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	database := &DB{
		DB:          db,
		Accounts:    NewAccountStore(db),
		Runs:        NewRunStore(db),
		Aggregates:  NewAggregateStore(db),
		Ledger:      NewLedgerStore(db),
		OAuthStates: NewOAuthStateStore(db),
	}

	if err := database.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return database, nil
}

// migrate creates the database schema. All statements are idempotent so
// repeated startup is safe.
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS email_accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		auth_method TEXT NOT NULL,
		imap_password TEXT,
		oauth_refresh_token TEXT,
		last_scan_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS processing_runs (
		id TEXT PRIMARY KEY,
		account_email TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'started',
		current_step TEXT NOT NULL DEFAULT '',
		emails_found INTEGER NOT NULL DEFAULT 0,
		emails_processed INTEGER NOT NULL DEFAULT 0,
		emails_categorized INTEGER NOT NULL DEFAULT 0,
		emails_skipped INTEGER NOT NULL DEFAULT 0,
		emails_deleted INTEGER NOT NULL DEFAULT 0,
		emails_archived INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		timeline TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (account_email) REFERENCES email_accounts(email) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS category_aggregates (
		account_email TEXT NOT NULL,
		day TEXT NOT NULL,
		category TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (account_email, day, category),
		FOREIGN KEY (account_email) REFERENCES email_accounts(email) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sender_aggregates (
		account_email TEXT NOT NULL,
		day TEXT NOT NULL,
		sender TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (account_email, day, sender),
		FOREIGN KEY (account_email) REFERENCES email_accounts(email) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS domain_aggregates (
		account_email TEXT NOT NULL,
		day TEXT NOT NULL,
		domain TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (account_email, day, domain),
		FOREIGN KEY (account_email) REFERENCES email_accounts(email) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS processed_messages (
		account_email TEXT NOT NULL,
		message_id TEXT NOT NULL,
		processed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (account_email, message_id),
		FOREIGN KEY (account_email) REFERENCES email_accounts(email) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS oauth_states (
		state TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		expires_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_account_started ON processing_runs(account_email, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_state ON processing_runs(state);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON processing_runs(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_processed_at ON processed_messages(processed_at);
	CREATE INDEX IF NOT EXISTS idx_oauth_states_expires ON oauth_states(expires_at);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return db.migrateOAuthTokenCache()
}

// migrateOAuthTokenCache adds the cached access token columns to existing
// databases. Guarded so repeated startup is safe.
func (db *DB) migrateOAuthTokenCache() error {
	var columnExists int
	err := db.QueryRow(`
		SELECT COUNT(*)
		FROM pragma_table_info('email_accounts')
		WHERE name = 'oauth_access_token'
	`).Scan(&columnExists)
	if err != nil {
		return fmt.Errorf("failed to check column existence: %w", err)
	}

	if columnExists == 0 {
		alterQueries := []string{
			"ALTER TABLE email_accounts ADD COLUMN oauth_access_token TEXT",
			"ALTER TABLE email_accounts ADD COLUMN oauth_token_expiry DATETIME",
		}

		for _, query := range alterQueries {
			if _, err := db.Exec(query); err != nil {
				return fmt.Errorf("failed to execute migration query '%s': %w", query, err)
			}
		}
	}

	return nil
}

// IsHealthy checks if the database connection is healthy
func (db *DB) IsHealthy() error {
	return db.Ping()
}

// GetConnectionStatus reports database health for the API surface
func (db *DB) GetConnectionStatus() ConnectionStatus {
	if err := db.Ping(); err != nil {
		return ConnectionStatus{
			Connected: false,
			Message:   "database unreachable",
			Error:     err.Error(),
		}
	}
	return ConnectionStatus{
		Connected: true,
		Message:   "connected",
	}
}
