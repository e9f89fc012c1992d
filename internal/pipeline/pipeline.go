package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cat-emails/internal/classifier"
	"cat-emails/internal/database"
	"cat-emails/internal/email"
	"cat-emails/internal/gate"
	"cat-emails/internal/policy"
	"cat-emails/internal/status"
)

// ErrCancelled marks a run terminated by context cancellation
var ErrCancelled = errors.New("cancelled")

// Categories assigned by domain policy without calling the classifier
const (
	CategoryBlockedDomain = "Blocked-Domain"
	CategoryAllowedDomain = "Allowed-Domain"
)

// Runner executes one pipeline invocation per call. All collaborators are
// injected; the runner reads no environment.
type Runner struct {
	db         *database.DB
	registry   *status.Registry
	gate       *gate.Gate
	connector  email.Connector
	classifier classifier.Classifier
	policies   policy.Provider
	logger     *slog.Logger

	timeout time.Duration
}

// NewRunner wires a pipeline runner
func NewRunner(
	db *database.DB,
	registry *status.Registry,
	g *gate.Gate,
	connector email.Connector,
	cls classifier.Classifier,
	policies policy.Provider,
	timeout time.Duration,
	logger *slog.Logger,
) *Runner {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Runner{
		db:         db,
		registry:   registry,
		gate:       g,
		connector:  connector,
		classifier: cls,
		policies:   policies,
		logger:     logger,
		timeout:    timeout,
	}
}

// Process runs the full fetch-classify-act cycle for one account. The
// caller must hold the lease; Process releases it on every exit path, and
// every run it starts is closed through CompleteRun.
func (r *Runner) Process(ctx context.Context, account *database.Account, lookback time.Duration, lease *gate.Lease) error {
	defer r.gate.Release(lease)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	runID, err := r.db.Runs.StartRun(account.Email)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}

	session, err := r.registry.Start(account.Email, runID)
	if err != nil {
		// The gate should make this impossible; close the orphan run
		r.db.Runs.CompleteRun(runID, database.RunCounters{}, false, err.Error())
		return err
	}

	logger := r.logger.With("account", account.Email, "run_id", runID)
	logger.Info("pipeline started", "lookback", lookback)

	result, err := r.run(ctx, account, lookback, runID, session, logger)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			msg = ErrCancelled.Error()
		}
		if completeErr := r.db.Runs.CompleteRun(runID, result.counters, false, msg); completeErr != nil {
			logger.Error("failed to close errored run", "error", completeErr)
		}
		session.Complete(status.StateError, msg)
		logger.Error("pipeline failed", "error", err)
		return err
	}

	if completeErr := r.db.Runs.CompleteRun(runID, result.counters, true, ""); completeErr != nil {
		logger.Error("failed to close run", "error", completeErr)
	}
	session.Complete(status.StateCompleted, "")

	if err := r.db.Accounts.TouchLastScan(account.Email, time.Now().UTC()); err != nil {
		logger.Warn("failed to stamp last scan time", "error", err)
	}

	logger.Info("pipeline completed",
		"found", result.counters.Found,
		"processed", result.counters.Processed,
		"skipped", result.counters.Skipped,
		"deleted", result.counters.Deleted,
		"archived", result.counters.Archived,
		"classifier_errors", result.classifierErrors)
	return nil
}

// runResult carries the in-run tallies back to Process for the final commit
type runResult struct {
	counters         database.RunCounters
	classifierErrors int
}

func (r *Runner) run(ctx context.Context, account *database.Account, lookback time.Duration, runID string, session *status.Session, logger *slog.Logger) (runResult, error) {
	var result runResult

	// Connect
	session.Update(status.StateConnecting, "connecting to mailbox", nil, "")
	if err := r.db.Runs.RecordTransition(runID, status.StateConnecting); err != nil {
		logger.Warn("failed to record transition", "state", status.StateConnecting, "error", err)
	}

	store, err := r.connector.Connect(ctx, account)
	if err != nil {
		return result, fmt.Errorf("connect failed: %w", err)
	}
	defer store.Close()

	// Fetch
	session.Update(status.StateFetching, "fetching recent messages", nil, "")
	if err := r.db.Runs.RecordTransition(runID, status.StateFetching); err != nil {
		logger.Warn("failed to record transition", "state", status.StateFetching, "error", err)
	}

	since := time.Now().Add(-lookback)
	messages, err := store.FetchSince(ctx, since)
	if err != nil {
		return result, fmt.Errorf("fetch failed: %w", err)
	}

	result.counters.Found = len(messages)
	session.SetFound(len(messages))
	if err := r.db.Runs.UpdateCounters(runID, "fetched messages",
		database.RunCounters{Found: len(messages)}); err != nil {
		return result, fmt.Errorf("storage failure: %w", err)
	}

	// Dedupe
	ids := make([]string, len(messages))
	byID := make(map[string]email.Message, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
		byID[m.ID] = m
	}

	newIDs, err := r.db.Ledger.FilterUnprocessed(account.Email, ids)
	if err != nil {
		return result, fmt.Errorf("storage failure: %w", err)
	}

	skipped := len(messages) - len(newIDs)
	if skipped > 0 {
		result.counters.Skipped = skipped
		session.IncrementSkipped(skipped)
		if err := r.db.Runs.UpdateCounters(runID, "deduplicated",
			database.RunCounters{Skipped: skipped}); err != nil {
			return result, fmt.Errorf("storage failure: %w", err)
		}
	}

	pending := make([]email.Message, 0, len(newIDs))
	for _, id := range newIDs {
		pending = append(pending, byID[id])
	}
	// Deterministic processing order: ascending date, then id
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].Date.Equal(pending[j].Date) {
			return pending[i].Date.Before(pending[j].Date)
		}
		return pending[i].ID < pending[j].ID
	})

	// Policy snapshot, held for the whole run
	snapshot, err := r.policies.Snapshot(ctx)
	if err != nil {
		return result, fmt.Errorf("policy fetch failed: %w", err)
	}

	// Per-message loop
	tallies := database.NewRunTallies()
	total := len(pending)
	for i, msg := range pending {
		if ctx.Err() != nil {
			return result, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}

		progress := &status.Progress{Current: i + 1, Total: total}
		step := fmt.Sprintf("message %d of %d", i+1, total)
		session.Update(status.StateProcessing, step, progress, "")

		category, classifyErr := r.categorize(ctx, &msg, snapshot, session, step, progress)
		if classifyErr != nil {
			// Cancellation terminates the run; only genuine classifier
			// failures fall back to Other
			if errors.Is(classifyErr, ErrCancelled) {
				return result, classifyErr
			}
			result.classifierErrors++
			category = classifier.CategoryOther
		}

		action := resolveAction(category, snapshot)

		session.Update(status.StateLabeling, step, progress, "")
		if err := store.Label(ctx, msg.ID, category); err != nil {
			logger.Warn("failed to label message", "message_id", msg.ID, "category", category, "error", err)
		}

		deltas := database.RunCounters{Processed: 1, Categorized: 1}
		switch action {
		case policy.ActionDelete:
			if err := store.Delete(ctx, msg.ID); err != nil {
				logger.Warn("failed to delete message", "message_id", msg.ID, "error", err)
				deltas.Deleted = 0
			} else {
				deltas.Deleted = 1
			}
		case policy.ActionArchive:
			if err := store.Archive(ctx, msg.ID); err != nil {
				logger.Warn("failed to archive message", "message_id", msg.ID, "error", err)
			} else {
				deltas.Archived = 1
			}
		}

		if err := r.db.Ledger.MarkProcessed(account.Email, msg.ID); err != nil {
			return result, fmt.Errorf("storage failure: %w", err)
		}
		if err := r.db.Runs.UpdateCounters(runID, step, deltas); err != nil {
			return result, fmt.Errorf("storage failure: %w", err)
		}

		result.counters.Processed += deltas.Processed
		result.counters.Categorized += deltas.Categorized
		result.counters.Deleted += deltas.Deleted
		result.counters.Archived += deltas.Archived

		session.IncrementProcessed(1)
		session.IncrementCategorized(1)
		session.IncrementDeleted(deltas.Deleted)
		session.IncrementArchived(deltas.Archived)

		recordTally(tallies, &msg, category, deltas)
	}

	// Aggregate
	day := database.DayBucket(time.Now())
	if err := r.db.Aggregates.ApplyTallies(account.Email, day, tallies); err != nil {
		return result, fmt.Errorf("storage failure: %w", err)
	}

	return result, nil
}

// categorize resolves a message's category: domain policy first, then the
// classifier with retry. Classifier failures never abort the run.
func (r *Runner) categorize(ctx context.Context, msg *email.Message, snapshot *policy.Snapshot, session *status.Session, step string, progress *status.Progress) (string, error) {
	domain := msg.SenderDomain()
	if snapshot.Blocked(domain) {
		return CategoryBlockedDomain, nil
	}
	if snapshot.Allowed(domain) {
		return CategoryAllowedDomain, nil
	}

	session.Update(status.StateCategorizing, step, progress, "")
	return r.classifyWithRetry(ctx, msg.Text)
}

// resolveAction maps a category onto keep/delete/archive via the policy's
// blocked-category configuration. Blocked-domain mail is deleted unless the
// policy says otherwise.
func resolveAction(category string, snapshot *policy.Snapshot) policy.Action {
	if action, ok := snapshot.CategoryAction(category); ok {
		return action
	}
	if category == CategoryBlockedDomain {
		return policy.ActionDelete
	}
	return ""
}

func recordTally(tallies *database.RunTallies, msg *email.Message, category string, deltas database.RunCounters) {
	delta := database.AggregateDelta{
		Count:    1,
		Deleted:  deltas.Deleted,
		Archived: deltas.Archived,
	}

	merge := func(m map[string]database.AggregateDelta, key string) {
		if key == "" {
			return
		}
		existing := m[key]
		existing.Count += delta.Count
		existing.Deleted += delta.Deleted
		existing.Archived += delta.Archived
		m[key] = existing
	}

	merge(tallies.Categories, category)
	merge(tallies.Senders, msg.From)
	merge(tallies.Domains, msg.SenderDomain())
}
