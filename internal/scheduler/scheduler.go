package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"cat-emails/internal/database"
	"cat-emails/internal/gate"
	"cat-emails/internal/pipeline"
)

const (
	failureBackoffBase = 1 * time.Minute
	failureBackoffCap  = 30 * time.Minute
)

// Scheduler drives the pipeline across all active accounts on a fixed
// interval. Accounts are processed sequentially; the gate still enforces
// single-flight against manual triggers.
type Scheduler struct {
	db       *database.DB
	runner   *pipeline.Runner
	gate     *gate.Gate
	interval time.Duration
	lookback time.Duration

	ledgerRetentionDays int

	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	nextAt  time.Time

	// per-account next-eligible time after failures
	backoff map[string]accountBackoff
}

type accountBackoff struct {
	delay time.Duration
	until time.Time
}

// New creates a scheduler
func New(db *database.DB, runner *pipeline.Runner, g *gate.Gate, interval, lookback time.Duration, ledgerRetentionDays int, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		db:                  db,
		runner:              runner,
		gate:                g,
		interval:            interval,
		lookback:            lookback,
		ledgerRetentionDays: ledgerRetentionDays,
		logger:              logger,
		backoff:             make(map[string]accountBackoff),
	}
}

// Start launches the sweep loop. Starting an already-running scheduler is
// a no-op.
func (s *Scheduler) Start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.nextAt = time.Now().Add(s.interval)

	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "lookback", s.lookback)
}

// Stop cancels the loop and waits for the current sweep to wind down
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.nextAt = time.Time{}
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// Running reports whether the sweep loop is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextExecutionAt returns the time of the next sweep, zero when stopped
func (s *Scheduler) NextExecutionAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextAt
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First sweep runs immediately so a restart doesn't wait a full interval
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.nextAt = time.Now().Add(s.interval)
			s.mu.Unlock()

			s.sweep(ctx)
		}
	}
}

// sweep processes every active account once, sequentially
func (s *Scheduler) sweep(ctx context.Context) {
	accounts, err := s.db.Accounts.ListActive()
	if err != nil {
		s.logger.Error("failed to list active accounts", "error", err)
		return
	}

	s.logger.Debug("sweep starting", "accounts", len(accounts))

	for i := range accounts {
		if ctx.Err() != nil {
			return
		}
		s.processAccount(ctx, &accounts[i])
	}

	s.cleanup()
}

func (s *Scheduler) processAccount(ctx context.Context, account *database.Account) {
	now := time.Now()

	s.mu.Lock()
	bo, backingOff := s.backoff[account.Email]
	s.mu.Unlock()

	if backingOff && now.Before(bo.until) {
		s.logger.Debug("account in failure backoff",
			"account", account.Email, "until", bo.until)
		return
	}

	lease, err := s.gate.Lease(account.Email, gate.SourceSchedule)
	if err != nil {
		if errors.Is(err, gate.ErrBusy) {
			s.logger.Debug("account busy, skipping", "account", account.Email)
			return
		}
		s.logger.Warn("lease failed", "account", account.Email, "error", err)
		return
	}

	if err := s.runner.Process(ctx, account, s.lookback, lease); err != nil {
		s.recordFailure(account.Email)
		return
	}

	s.mu.Lock()
	delete(s.backoff, account.Email)
	s.mu.Unlock()
}

// recordFailure doubles the account's next-eligible delay, capped at 30m
func (s *Scheduler) recordFailure(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bo := s.backoff[account]
	if bo.delay == 0 {
		bo.delay = failureBackoffBase
	} else {
		bo.delay *= 2
		if bo.delay > failureBackoffCap {
			bo.delay = failureBackoffCap
		}
	}
	bo.until = time.Now().Add(bo.delay)
	s.backoff[account] = bo

	s.logger.Warn("account failed, backing off",
		"account", account, "delay", bo.delay)
}

// cleanup prunes the dedup ledger and expired OAuth handshake states
func (s *Scheduler) cleanup() {
	if removed, err := s.db.Ledger.Cleanup(s.ledgerRetentionDays); err != nil {
		s.logger.Warn("ledger cleanup failed", "error", err)
	} else if removed > 0 {
		s.logger.Info("pruned dedup ledger", "removed", removed)
	}

	if removed, err := s.db.OAuthStates.CleanupExpired(); err != nil {
		s.logger.Warn("oauth state cleanup failed", "error", err)
	} else if removed > 0 {
		s.logger.Debug("pruned expired oauth states", "removed", removed)
	}
}
