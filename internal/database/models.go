package database

import (
	"strings"
	"time"
)

// Auth method values stored on an account
const (
	AuthMethodIMAP  = "imap"
	AuthMethodOAuth = "oauth"
)

// Run states persisted in processing_runs
const (
	RunStateStarted   = "started"
	RunStateCompleted = "completed"
	RunStateError     = "error"
)

// Account represents a mailbox identity with credentials and runtime policy
type Account struct {
	ID         int64      `json:"id"`
	Email      string     `json:"email"`
	Active     bool       `json:"active"`
	AuthMethod string     `json:"auth_method"`
	LastScanAt *time.Time `json:"last_scan_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	// Credential variants; exactly one is populated
	IMAPPassword      string     `json:"-"`
	OAuthRefreshToken string     `json:"-"`
	OAuthAccessToken  string     `json:"-"`
	OAuthTokenExpiry  *time.Time `json:"-"`
}

// CanonicalEmail lowercases and trims an address for storage and lookup
func CanonicalEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RunCounters holds the per-run email counters. Used both as absolute values
// on a ProcessingRun and as additive deltas for UpdateCounters.
type RunCounters struct {
	Found       int `json:"emails_found"`
	Processed   int `json:"emails_processed"`
	Categorized int `json:"emails_categorized"`
	Skipped     int `json:"emails_skipped"`
	Deleted     int `json:"emails_deleted"`
	Archived    int `json:"emails_archived"`
}

// StateTransition is one entry of a run's recorded state timeline
type StateTransition struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// ProcessingRun is the audit record of one pipeline invocation
type ProcessingRun struct {
	ID           string            `json:"run_id"`
	AccountEmail string            `json:"account_email"`
	State        string            `json:"state"`
	CurrentStep  string            `json:"current_step"`
	Counters     RunCounters       `json:"counters"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Timeline     []StateTransition `json:"timeline,omitempty"`
}

// Terminal reports whether the run has reached a terminal state
func (r *ProcessingRun) Terminal() bool {
	return r.State == RunStateCompleted || r.State == RunStateError
}

// RunFilter narrows ListRuns results
type RunFilter struct {
	AccountEmail string
	Since        *time.Time
	State        string
	Limit        int
}

// AggregateDelta is one upsert increment for a category, sender or domain
type AggregateDelta struct {
	Count    int
	Deleted  int
	Archived int
}

// RunTallies collects per-run aggregate deltas keyed by category, sender
// and sender domain
type RunTallies struct {
	Categories map[string]AggregateDelta
	Senders    map[string]AggregateDelta
	Domains    map[string]AggregateDelta
}

// NewRunTallies returns an empty tally set
func NewRunTallies() *RunTallies {
	return &RunTallies{
		Categories: make(map[string]AggregateDelta),
		Senders:    make(map[string]AggregateDelta),
		Domains:    make(map[string]AggregateDelta),
	}
}

// CategoryCount is one row of a per-account category ranking
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
	Deleted  int    `json:"deleted"`
	Archived int    `json:"archived"`
}

// ConnectionStatus describes database health for the API
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
}
