package status

import "time"

// Pipeline states reported through the registry. Transitions are monotonic
// toward a terminal state; intermediate states may be skipped.
const (
	StateIdle         = "idle"
	StateConnecting   = "connecting"
	StateFetching     = "fetching"
	StateProcessing   = "processing"
	StateCategorizing = "categorizing"
	StateLabeling     = "labeling"
	StateCompleted    = "completed"
	StateError        = "error"
)

// Terminal reports whether a state ends a run
func Terminal(state string) bool {
	return state == StateCompleted || state == StateError
}

// Progress tracks per-message position within a run
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Counters mirrors the run counters kept live in memory
type Counters struct {
	Found       int `json:"emails_found"`
	Processed   int `json:"emails_processed"`
	Categorized int `json:"emails_categorized"`
	Skipped     int `json:"emails_skipped"`
	Deleted     int `json:"emails_deleted"`
	Archived    int `json:"emails_archived"`
}

// AccountStatus is the live in-memory mirror of an active run. Readers
// always receive copies; the registry owns the single mutable instance.
type AccountStatus struct {
	RunID        string     `json:"run_id"`
	AccountEmail string     `json:"account_email"`
	State        string     `json:"state"`
	Step         string     `json:"current_step"`
	Progress     Progress   `json:"progress"`
	Counters     Counters   `json:"counters"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	LastUpdated  time.Time  `json:"last_updated"`
}

// clone returns a deep copy safe to hand to readers
func (s *AccountStatus) clone() *AccountStatus {
	if s == nil {
		return nil
	}
	copied := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		copied.EndedAt = &t
	}
	return &copied
}

// Statistics summarizes the recent-runs ring
type Statistics struct {
	TotalRuns          int     `json:"total_runs"`
	SuccessfulRuns     int     `json:"successful_runs"`
	FailedRuns         int     `json:"failed_runs"`
	SuccessRate        float64 `json:"success_rate"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}
