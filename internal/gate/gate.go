package gate

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Lease sources. Scheduled leases bypass the manual rate limit.
const (
	SourceSchedule = "schedule"
	SourceManual   = "manual"
)

// ErrBusy is returned when a lease already exists for the account
var ErrBusy = errors.New("account pipeline already running")

// TooSoonError is returned when a manual trigger arrives inside the minimum
// interval. SecondsRemaining feeds the API's retry_after field.
type TooSoonError struct {
	SecondsRemaining int
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("manual trigger rate limited, retry in %d seconds", e.SecondsRemaining)
}

// Lease is the exclusive right to run a pipeline for one account. Release
// it exactly once when the pipeline exits.
type Lease struct {
	gate    *Gate
	account string
}

// Account returns the address the lease covers
func (l *Lease) Account() string {
	return l.account
}

// Gate enforces per-account single-flight and a minimum interval between
// manual triggers. One mutex guards both maps; distinct accounts never
// contend beyond the map access.
type Gate struct {
	mu           sync.Mutex
	active       map[string]*Lease
	lastManualAt map[string]time.Time
	minInterval  time.Duration

	// now is swappable for tests
	now func() time.Time
}

// New creates a gate with the given minimum manual trigger interval
func New(minInterval time.Duration) *Gate {
	if minInterval <= 0 {
		minInterval = 5 * time.Minute
	}
	return &Gate{
		active:       make(map[string]*Lease),
		lastManualAt: make(map[string]time.Time),
		minInterval:  minInterval,
		now:          time.Now,
	}
}

// Lease claims the account. Returns ErrBusy if a lease is already held, or
// a TooSoonError when a manual trigger arrives inside the minimum interval.
// lastManualAt is only updated for granted manual leases, so a rejected
// trigger does not push the window out.
func (g *Gate) Lease(account, source string) (*Lease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, held := g.active[account]; held {
		return nil, ErrBusy
	}

	now := g.now()
	if source == SourceManual {
		if last, ok := g.lastManualAt[account]; ok {
			elapsed := now.Sub(last)
			if elapsed < g.minInterval {
				remaining := g.minInterval - elapsed
				seconds := int(remaining.Round(time.Second).Seconds())
				if seconds < 1 {
					seconds = 1
				}
				return nil, &TooSoonError{SecondsRemaining: seconds}
			}
		}
		g.lastManualAt[account] = now
	}

	lease := &Lease{gate: g, account: account}
	g.active[account] = lease
	return lease, nil
}

// Release returns the account's slot. Releasing a lease that is no longer
// active is a no-op, so double release is harmless.
func (g *Gate) Release(lease *Lease) {
	if lease == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active[lease.account] == lease {
		delete(g.active, lease.account)
	}
}

// Held reports whether a lease is currently active for the account
func (g *Gate) Held(account string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.active[account]
	return held
}
