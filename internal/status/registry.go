package status

import (
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when starting a session for an account that already
// has a live one.
var ErrBusy = errors.New("account already has an active session")

// Session is the handle a pipeline uses to mutate its own live status.
// A nil or stale session makes every mutator a no-op, so a pipeline that
// lost its slot cannot corrupt a successor's run.
type Session struct {
	registry *Registry
	account  string
	runID    string
}

// Registry is the thread-safe in-memory store of live account statuses and
// the bounded ring of recently completed runs. One mutex serializes all
// writes; readers get deep copies.
type Registry struct {
	mu        sync.Mutex
	live      map[string]*AccountStatus
	sessions  map[string]*Session
	recent    []AccountStatus
	maxRecent int
	onChange  func(*AccountStatus)
}

// NewRegistry creates a registry keeping up to maxRecent completed runs
func NewRegistry(maxRecent int) *Registry {
	if maxRecent < 1 {
		maxRecent = 50
	}
	return &Registry{
		live:      make(map[string]*AccountStatus),
		sessions:  make(map[string]*Session),
		maxRecent: maxRecent,
	}
}

// OnChange registers a callback invoked with a status snapshot after every
// mutation. The callback runs outside the registry lock, so it may block or
// call back into the registry without deadlocking.
func (r *Registry) OnChange(fn func(*AccountStatus)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Start claims the live slot for an account. Returns ErrBusy if the account
// already has an active session.
func (r *Registry) Start(account, runID string) (*Session, error) {
	r.mu.Lock()

	if _, exists := r.live[account]; exists {
		r.mu.Unlock()
		return nil, ErrBusy
	}

	now := time.Now().UTC()
	st := &AccountStatus{
		RunID:        runID,
		AccountEmail: account,
		State:        StateConnecting,
		StartedAt:    now,
		LastUpdated:  now,
	}
	session := &Session{registry: r, account: account, runID: runID}
	r.live[account] = st
	r.sessions[account] = session

	snapshot, notify := st.clone(), r.onChange
	r.mu.Unlock()

	if notify != nil {
		notify(snapshot)
	}
	return session, nil
}

// current returns the live status owned by the session, or nil if the
// session is stale. Caller must hold the lock.
func (r *Registry) current(s *Session) *AccountStatus {
	if s == nil {
		return nil
	}
	if r.sessions[s.account] != s {
		return nil
	}
	return r.live[s.account]
}

// mutate applies fn to the session's live status under the lock, then fires
// the change callback with a snapshot. Stale sessions are ignored.
func (r *Registry) mutate(s *Session, fn func(*AccountStatus)) {
	if s == nil {
		return
	}
	r.mu.Lock()
	st := r.current(s)
	if st == nil {
		r.mu.Unlock()
		return
	}
	fn(st)
	st.LastUpdated = time.Now().UTC()

	snapshot, notify := st.clone(), r.onChange
	r.mu.Unlock()

	if notify != nil {
		notify(snapshot)
	}
}

// Update sets the state, step and optionally progress and error message
func (s *Session) Update(state, step string, progress *Progress, errMsg string) {
	if s == nil {
		return
	}
	s.registry.mutate(s, func(st *AccountStatus) {
		if state != "" {
			st.State = state
		}
		if step != "" {
			st.Step = step
		}
		if progress != nil {
			st.Progress = *progress
		}
		if errMsg != "" {
			st.ErrorMessage = errMsg
		}
	})
}

// SetFound records the fetch result size
func (s *Session) SetFound(n int) {
	if s == nil || n < 0 {
		return
	}
	s.registry.mutate(s, func(st *AccountStatus) {
		st.Counters.Found = n
	})
}

// IncrementProcessed adds n to the processed counter. Zero or negative n is
// a no-op.
func (s *Session) IncrementProcessed(n int) {
	s.increment(n, func(c *Counters, n int) { c.Processed += n })
}

// IncrementCategorized adds n to the categorized counter
func (s *Session) IncrementCategorized(n int) {
	s.increment(n, func(c *Counters, n int) { c.Categorized += n })
}

// IncrementSkipped adds n to the skipped counter
func (s *Session) IncrementSkipped(n int) {
	s.increment(n, func(c *Counters, n int) { c.Skipped += n })
}

// IncrementDeleted adds n to the deleted counter
func (s *Session) IncrementDeleted(n int) {
	s.increment(n, func(c *Counters, n int) { c.Deleted += n })
}

// IncrementArchived adds n to the archived counter
func (s *Session) IncrementArchived(n int) {
	s.increment(n, func(c *Counters, n int) { c.Archived += n })
}

func (s *Session) increment(n int, apply func(*Counters, int)) {
	if s == nil || n <= 0 {
		return
	}
	s.registry.mutate(s, func(st *AccountStatus) {
		apply(&st.Counters, n)
	})
}

// Complete freezes the status with a terminal state, copies it into the
// recent-runs ring and releases the live slot. Completing a stale session
// is a no-op.
func (s *Session) Complete(finalState, errMsg string) {
	if s == nil {
		return
	}
	if !Terminal(finalState) {
		finalState = StateCompleted
	}

	r := s.registry
	r.mu.Lock()
	st := r.current(s)
	if st == nil {
		r.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	st.State = finalState
	st.EndedAt = &now
	st.LastUpdated = now
	if errMsg != "" {
		st.ErrorMessage = errMsg
	}

	frozen := *st.clone()
	r.recent = append(r.recent, frozen)
	if len(r.recent) > r.maxRecent {
		r.recent = r.recent[len(r.recent)-r.maxRecent:]
	}

	delete(r.live, s.account)
	delete(r.sessions, s.account)

	snapshot, notify := frozen.clone(), r.onChange
	r.mu.Unlock()

	if notify != nil {
		notify(snapshot)
	}
}

// GetCurrent returns a copy of the live status for an account, or nil when
// the account is idle.
func (r *Registry) GetCurrent(account string) *AccountStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[account].clone()
}

// GetAnyCurrent returns the most recently updated live status across all
// accounts, or nil when everything is idle.
func (r *Registry) GetAnyCurrent() *AccountStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *AccountStatus
	for _, st := range r.live {
		if latest == nil || st.LastUpdated.After(latest.LastUpdated) {
			latest = st
		}
	}
	return latest.clone()
}

// RecentRuns returns up to limit completed runs, newest first
func (r *Registry) RecentRuns(limit int) []AccountStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.recent) {
		limit = len(r.recent)
	}

	runs := make([]AccountStatus, 0, limit)
	for i := len(r.recent) - 1; i >= len(r.recent)-limit; i-- {
		runs = append(runs, *r.recent[i].clone())
	}
	return runs
}

// Statistics computes success and duration figures over the recent ring
func (r *Registry) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Statistics{TotalRuns: len(r.recent)}
	if stats.TotalRuns == 0 {
		return stats
	}

	var totalDuration time.Duration
	for _, run := range r.recent {
		if run.State == StateCompleted {
			stats.SuccessfulRuns++
		} else {
			stats.FailedRuns++
		}
		if run.EndedAt != nil {
			totalDuration += run.EndedAt.Sub(run.StartedAt)
		}
	}

	stats.SuccessRate = float64(stats.SuccessfulRuns) / float64(stats.TotalRuns) * 100
	stats.AvgDurationSeconds = totalDuration.Seconds() / float64(stats.TotalRuns)
	return stats
}
