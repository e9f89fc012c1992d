package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cat-emails/internal/classifier"
	"cat-emails/internal/database"
	"cat-emails/internal/email"
	"cat-emails/internal/gate"
	"cat-emails/internal/policy"
	"cat-emails/internal/status"
)

// fakeStore is an in-memory MailStore that records actions
type fakeStore struct {
	mu       sync.Mutex
	messages []email.Message
	labels   map[string]string
	deleted  map[string]bool
	archived map[string]bool
	fetchErr error
	closed   bool
}

func newFakeStore(messages ...email.Message) *fakeStore {
	return &fakeStore{
		messages: messages,
		labels:   make(map[string]string),
		deleted:  make(map[string]bool),
		archived: make(map[string]bool),
	}
}

func (f *fakeStore) FetchSince(ctx context.Context, since time.Time) ([]email.Message, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.messages, nil
}

func (f *fakeStore) Label(ctx context.Context, id, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[id] = label
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[id] = true
	return nil
}

func (f *fakeStore) Archive(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived[id] = true
	return nil
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

// fakeConnector hands out a fixed store or fails
type fakeConnector struct {
	store *fakeStore
	err   error
}

func (f *fakeConnector) Connect(ctx context.Context, account *database.Account) (email.MailStore, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.store, nil
}

// fakeClassifier delegates to a function
type fakeClassifier struct {
	fn    func(text string) (string, error)
	calls int
	mu    sync.Mutex
}

func (f *fakeClassifier) Classify(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(text)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	db       *database.DB
	registry *status.Registry
	gate     *gate.Gate
	runner   *Runner
	store    *fakeStore
	cls      *fakeClassifier
}

func newFixture(t *testing.T, store *fakeStore, cls *fakeClassifier, policies policy.Provider) *fixture {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Accounts.Create(&database.Account{
		Email:        "u@example.com",
		IMAPPassword: "app-pass",
	}))

	if policies == nil {
		policies = policy.NewStatic(
			[]string{"friend.com"},
			[]string{"ads.com"},
			nil,
		)
	}

	registry := status.NewRegistry(50)
	g := gate.New(5 * time.Minute)
	runner := NewRunner(db, registry, g, &fakeConnector{store: store}, cls, policies,
		time.Minute, testLogger())

	return &fixture{db: db, registry: registry, gate: g, runner: runner, store: store, cls: cls}
}

func (fx *fixture) process(t *testing.T, ctx context.Context) error {
	t.Helper()
	account, err := fx.db.Accounts.GetByEmail("u@example.com")
	require.NoError(t, err)
	lease, err := fx.gate.Lease(account.Email, gate.SourceSchedule)
	require.NoError(t, err)
	return fx.runner.Process(ctx, account, 2*time.Hour, lease)
}

func (fx *fixture) lastRun(t *testing.T) *database.ProcessingRun {
	t.Helper()
	runs, err := fx.db.Runs.ListRuns(database.RunFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return &runs[0]
}

func mailboxThree() *fakeStore {
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	return newFakeStore(
		email.Message{ID: "m1", From: "promo@ads.com", Subject: "deal", Date: base, Text: "big deal"},
		email.Message{ID: "m2", From: "pal <pal@friend.com>", Subject: "hi", Date: base.Add(time.Minute), Text: "hello"},
		email.Message{ID: "m3", From: "shop@store.com", Subject: "sale", Date: base.Add(2 * time.Minute), Text: "buy now"},
	)
}

func TestHappyPath(t *testing.T) {
	store := mailboxThree()
	cls := &fakeClassifier{fn: func(string) (string, error) { return "Marketing", nil }}
	fx := newFixture(t, store, cls, nil)

	require.NoError(t, fx.process(t, context.Background()))

	run := fx.lastRun(t)
	assert.Equal(t, database.RunStateCompleted, run.State)
	assert.Equal(t, 3, run.Counters.Found)
	assert.Equal(t, 3, run.Counters.Processed)
	assert.Equal(t, 3, run.Counters.Categorized)
	assert.Equal(t, 0, run.Counters.Skipped)
	// m1 blocked domain, m3 Marketing in blocked categories
	assert.Equal(t, 2, run.Counters.Deleted)
	assert.Equal(t, 0, run.Counters.Archived)

	assert.Equal(t, "Blocked-Domain", store.labels["m1"])
	assert.Equal(t, "Allowed-Domain", store.labels["m2"])
	assert.Equal(t, "Marketing", store.labels["m3"])
	assert.True(t, store.deleted["m1"])
	assert.False(t, store.deleted["m2"])
	assert.True(t, store.deleted["m3"])
	assert.True(t, store.closed)

	// Only m3 needed the classifier
	assert.Equal(t, 1, cls.calls)

	// Registry live slot released, run in the ring, lease released
	assert.Nil(t, fx.registry.GetCurrent("u@example.com"))
	assert.Len(t, fx.registry.RecentRuns(0), 1)
	assert.False(t, fx.gate.Held("u@example.com"))
}

func TestSecondRunIsDeduplicated(t *testing.T) {
	store := mailboxThree()
	cls := &fakeClassifier{fn: func(string) (string, error) { return "Marketing", nil }}
	fx := newFixture(t, store, cls, nil)

	require.NoError(t, fx.process(t, context.Background()))

	// Reset the action log; the mailbox content is unchanged
	store.deleted = make(map[string]bool)
	store.archived = make(map[string]bool)

	require.NoError(t, fx.process(t, context.Background()))

	run := fx.lastRun(t)
	assert.Equal(t, database.RunStateCompleted, run.State)
	assert.Equal(t, 3, run.Counters.Found)
	assert.Equal(t, 0, run.Counters.Processed)
	assert.Equal(t, 3, run.Counters.Skipped)
	assert.Empty(t, store.deleted)
	assert.Empty(t, store.archived)
}

func TestArchiveAction(t *testing.T) {
	store := mailboxThree()
	cls := &fakeClassifier{fn: func(string) (string, error) { return "Marketing", nil }}
	policies := policy.NewStatic(
		[]string{"friend.com"},
		nil,
		map[string]policy.Action{"Marketing": policy.ActionArchive},
	)
	fx := newFixture(t, store, cls, policies)

	require.NoError(t, fx.process(t, context.Background()))

	run := fx.lastRun(t)
	// ads.com no longer blocked; m1 and m3 both classify as Marketing
	assert.Equal(t, 0, run.Counters.Deleted)
	assert.Equal(t, 2, run.Counters.Archived)
	assert.True(t, store.archived["m1"])
	assert.True(t, store.archived["m3"])
}

func TestClassifierOutageFallsBackToOther(t *testing.T) {
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	store := newFakeStore(
		email.Message{ID: "m1", From: "x@store.com", Subject: "s", Date: base, Text: "t"},
	)
	cls := &fakeClassifier{fn: func(string) (string, error) {
		return "", fmt.Errorf("%w: down", classifier.ErrUnavailable)
	}}
	fx := newFixture(t, store, cls, nil)

	require.NoError(t, fx.process(t, context.Background()))

	run := fx.lastRun(t)
	assert.Equal(t, database.RunStateCompleted, run.State)
	assert.Equal(t, 1, run.Counters.Processed)
	assert.Equal(t, 1, run.Counters.Categorized)
	assert.Equal(t, classifier.CategoryOther, store.labels["m1"])
	assert.False(t, store.deleted["m1"])

	// Three attempts per message before the fallback
	assert.Equal(t, 3, cls.calls)
}

func TestAuthFailureTerminatesRun(t *testing.T) {
	fx := newFixture(t, newFakeStore(), &fakeClassifier{fn: func(string) (string, error) { return "Other", nil }}, nil)
	fx.runner.connector = &fakeConnector{err: fmt.Errorf("login: %w", email.ErrAuth)}

	err := fx.process(t, context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, email.ErrAuth))

	run := fx.lastRun(t)
	assert.Equal(t, database.RunStateError, run.State)
	assert.NotEmpty(t, run.ErrorMessage)
	require.NotNil(t, run.EndedAt)

	// Everything is released even on failure
	assert.Nil(t, fx.registry.GetCurrent("u@example.com"))
	assert.False(t, fx.gate.Held("u@example.com"))
}

func TestFetchFailureTerminatesRun(t *testing.T) {
	store := newFakeStore()
	store.fetchErr = fmt.Errorf("socket: %w", email.ErrNetwork)
	fx := newFixture(t, store, &fakeClassifier{fn: func(string) (string, error) { return "Other", nil }}, nil)

	err := fx.process(t, context.Background())
	require.Error(t, err)

	run := fx.lastRun(t)
	assert.Equal(t, database.RunStateError, run.State)
	assert.True(t, store.closed)
}

func TestCancellation(t *testing.T) {
	store := mailboxThree()
	cls := &fakeClassifier{fn: func(string) (string, error) { return "Personal", nil }}
	fx := newFixture(t, store, cls, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fx.process(t, ctx)
	require.Error(t, err)

	run := fx.lastRun(t)
	assert.Equal(t, database.RunStateError, run.State)
	assert.Equal(t, "cancelled", run.ErrorMessage)

	// No live status remains; history has the error entry
	assert.Nil(t, fx.registry.GetCurrent("u@example.com"))
	recent := fx.registry.RecentRuns(0)
	require.Len(t, recent, 1)
	assert.Equal(t, status.StateError, recent[0].State)
}

func TestCancellationDuringClassification(t *testing.T) {
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	store := newFakeStore(
		email.Message{ID: "m1", From: "x@store.com", Subject: "s", Date: base, Text: "t"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The cancel arrives while the classifier is working on the message
	cls := &fakeClassifier{fn: func(string) (string, error) {
		cancel()
		return "", fmt.Errorf("%w: interrupted", classifier.ErrUnavailable)
	}}
	fx := newFixture(t, store, cls, nil)

	err := fx.process(t, ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)

	// The run terminates instead of finishing the message as Other
	run := fx.lastRun(t)
	assert.Equal(t, database.RunStateError, run.State)
	assert.Equal(t, "cancelled", run.ErrorMessage)
	assert.Equal(t, 0, run.Counters.Processed)

	_, labeled := store.labels["m1"]
	assert.False(t, labeled)
	assert.False(t, store.deleted["m1"])
	assert.False(t, fx.gate.Held("u@example.com"))
}

func TestCountersAgreeAcrossStores(t *testing.T) {
	store := mailboxThree()
	cls := &fakeClassifier{fn: func(string) (string, error) { return "Personal", nil }}
	fx := newFixture(t, store, cls, nil)

	require.NoError(t, fx.process(t, context.Background()))

	run := fx.lastRun(t)
	recent := fx.registry.RecentRuns(1)
	require.Len(t, recent, 1)

	assert.Equal(t, run.Counters.Found, recent[0].Counters.Found)
	assert.Equal(t, run.Counters.Processed, recent[0].Counters.Processed)
	assert.Equal(t, run.Counters.Categorized, recent[0].Counters.Categorized)
	assert.Equal(t, run.Counters.Deleted, recent[0].Counters.Deleted)

	// found >= processed + skipped
	assert.GreaterOrEqual(t, run.Counters.Found, run.Counters.Processed+run.Counters.Skipped)
}

func TestAggregatesWrittenOnCompletion(t *testing.T) {
	store := mailboxThree()
	cls := &fakeClassifier{fn: func(string) (string, error) { return "Marketing", nil }}
	fx := newFixture(t, store, cls, nil)

	require.NoError(t, fx.process(t, context.Background()))

	top, err := fx.db.Aggregates.TopCategories("u@example.com", 7, 10)
	require.NoError(t, err)

	byCategory := make(map[string]database.CategoryCount)
	for _, c := range top {
		byCategory[c.Category] = c
	}
	assert.Equal(t, 1, byCategory["Blocked-Domain"].Count)
	assert.Equal(t, 1, byCategory["Blocked-Domain"].Deleted)
	assert.Equal(t, 1, byCategory["Allowed-Domain"].Count)
	assert.Equal(t, 1, byCategory["Marketing"].Count)
}

func TestSingleFlightWhileRunning(t *testing.T) {
	release := make(chan struct{})
	store := mailboxThree()
	cls := &fakeClassifier{fn: func(string) (string, error) {
		<-release
		return "Personal", nil
	}}
	fx := newFixture(t, store, cls, nil)

	account, err := fx.db.Accounts.GetByEmail("u@example.com")
	require.NoError(t, err)
	lease, err := fx.gate.Lease(account.Email, gate.SourceSchedule)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- fx.runner.Process(context.Background(), account, time.Hour, lease)
	}()

	// Wait until the pipeline reaches the classifier
	require.Eventually(t, func() bool {
		cls.mu.Lock()
		defer cls.mu.Unlock()
		return cls.calls > 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err = fx.gate.Lease(account.Email, gate.SourceManual)
	assert.ErrorIs(t, err, gate.ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, fx.gate.Held(account.Email))
}
