package policy

import (
	"context"
	"strings"
	"time"
)

// Action taken on a message whose category is blocked
type Action string

const (
	ActionDelete  Action = "delete"
	ActionArchive Action = "archive"
)

// Snapshot is one point-in-time view of the allow/block configuration.
// Pipelines hold a snapshot for the whole run so mid-run policy changes
// cannot split a run's behavior.
type Snapshot struct {
	AllowedDomains    map[string]bool
	BlockedDomains    map[string]bool
	BlockedCategories map[string]Action
	FetchedAt         time.Time
}

// Allowed reports whether the sender domain is on the allow-list
func (s *Snapshot) Allowed(domain string) bool {
	if s == nil {
		return false
	}
	return s.AllowedDomains[strings.ToLower(domain)]
}

// Blocked reports whether the sender domain is on the block-list
func (s *Snapshot) Blocked(domain string) bool {
	if s == nil {
		return false
	}
	return s.BlockedDomains[strings.ToLower(domain)]
}

// CategoryAction returns the configured action for a blocked category
func (s *Snapshot) CategoryAction(category string) (Action, bool) {
	if s == nil {
		return "", false
	}
	action, ok := s.BlockedCategories[category]
	return action, ok
}

// Provider yields policy snapshots. Implementations may cache.
type Provider interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// DefaultBlockedCategories is the built-in blocked set used when no policy
// service is configured.
var DefaultBlockedCategories = map[string]Action{
	"Wants-Money": ActionDelete,
	"Advertising": ActionDelete,
	"Marketing":   ActionDelete,
}

// Static is a fixed in-memory provider
type Static struct {
	snapshot *Snapshot
}

// NewStatic builds a provider around fixed lists. Nil maps become empty.
func NewStatic(allowed, blocked []string, blockedCategories map[string]Action) *Static {
	if blockedCategories == nil {
		blockedCategories = DefaultBlockedCategories
	}

	snapshot := &Snapshot{
		AllowedDomains:    make(map[string]bool, len(allowed)),
		BlockedDomains:    make(map[string]bool, len(blocked)),
		BlockedCategories: blockedCategories,
		FetchedAt:         time.Now().UTC(),
	}
	for _, d := range allowed {
		snapshot.AllowedDomains[strings.ToLower(d)] = true
	}
	for _, d := range blocked {
		snapshot.BlockedDomains[strings.ToLower(d)] = true
	}
	return &Static{snapshot: snapshot}
}

// Snapshot returns the fixed snapshot
func (s *Static) Snapshot(ctx context.Context) (*Snapshot, error) {
	return s.snapshot, nil
}
