package status

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndBusy(t *testing.T) {
	r := NewRegistry(50)

	session, err := r.Start("u@x.com", "run-1")
	require.NoError(t, err)
	require.NotNil(t, session)

	_, err = r.Start("u@x.com", "run-2")
	assert.ErrorIs(t, err, ErrBusy)

	// A different account is unaffected
	other, err := r.Start("v@x.com", "run-3")
	require.NoError(t, err)
	require.NotNil(t, other)

	current := r.GetCurrent("u@x.com")
	require.NotNil(t, current)
	assert.Equal(t, "run-1", current.RunID)
	assert.Equal(t, StateConnecting, current.State)
}

func TestUpdateAndProgress(t *testing.T) {
	r := NewRegistry(50)
	session, err := r.Start("u@x.com", "run-1")
	require.NoError(t, err)

	session.Update(StateProcessing, "message 3 of 10", &Progress{Current: 3, Total: 10}, "")

	current := r.GetCurrent("u@x.com")
	require.NotNil(t, current)
	assert.Equal(t, StateProcessing, current.State)
	assert.Equal(t, "message 3 of 10", current.Step)
	assert.Equal(t, 3, current.Progress.Current)
	assert.Equal(t, 10, current.Progress.Total)
}

func TestReadersGetCopies(t *testing.T) {
	r := NewRegistry(50)
	session, err := r.Start("u@x.com", "run-1")
	require.NoError(t, err)

	snapshot := r.GetCurrent("u@x.com")
	snapshot.State = "tampered"
	snapshot.Counters.Categorized = 999

	session.IncrementCategorized(1)
	fresh := r.GetCurrent("u@x.com")
	assert.Equal(t, StateConnecting, fresh.State)
	assert.Equal(t, 1, fresh.Counters.Categorized)
}

func TestIncrementNoOps(t *testing.T) {
	r := NewRegistry(50)
	session, err := r.Start("u@x.com", "run-1")
	require.NoError(t, err)

	session.IncrementCategorized(0)
	session.IncrementCategorized(-5)
	var nilSession *Session
	nilSession.IncrementCategorized(1)
	nilSession.Update(StateError, "", nil, "")
	nilSession.Complete(StateError, "")

	current := r.GetCurrent("u@x.com")
	assert.Equal(t, 0, current.Counters.Categorized)
}

func TestStaleSessionIsIgnored(t *testing.T) {
	r := NewRegistry(50)
	session, err := r.Start("u@x.com", "run-1")
	require.NoError(t, err)

	session.Complete(StateCompleted, "")

	// The completed session no longer owns the live slot
	successor, err := r.Start("u@x.com", "run-2")
	require.NoError(t, err)

	session.IncrementCategorized(10)
	session.Update(StateError, "stale write", nil, "")
	session.Complete(StateError, "stale")

	current := r.GetCurrent("u@x.com")
	require.NotNil(t, current)
	assert.Equal(t, "run-2", current.RunID)
	assert.Equal(t, 0, current.Counters.Categorized)
	assert.Equal(t, StateConnecting, current.State)

	successor.Complete(StateCompleted, "")
}

func TestCompleteMovesToRing(t *testing.T) {
	r := NewRegistry(50)
	session, err := r.Start("u@x.com", "run-1")
	require.NoError(t, err)

	session.IncrementCategorized(3)
	session.Complete(StateCompleted, "")

	assert.Nil(t, r.GetCurrent("u@x.com"))
	assert.Nil(t, r.GetAnyCurrent())

	runs := r.RecentRuns(0)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, StateCompleted, runs[0].State)
	assert.Equal(t, 3, runs[0].Counters.Categorized)
	require.NotNil(t, runs[0].EndedAt)
	assert.False(t, runs[0].EndedAt.Before(runs[0].StartedAt))
}

func TestRingEviction(t *testing.T) {
	r := NewRegistry(3)

	for i := 0; i < 5; i++ {
		session, err := r.Start("u@x.com", fmt.Sprintf("run-%d", i))
		require.NoError(t, err)
		session.Complete(StateCompleted, "")
	}

	runs := r.RecentRuns(0)
	require.Len(t, runs, 3)
	// Newest first; oldest two evicted
	assert.Equal(t, "run-4", runs[0].RunID)
	assert.Equal(t, "run-2", runs[2].RunID)
}

func TestStatistics(t *testing.T) {
	r := NewRegistry(50)

	for i := 0; i < 3; i++ {
		session, err := r.Start("u@x.com", fmt.Sprintf("ok-%d", i))
		require.NoError(t, err)
		session.Complete(StateCompleted, "")
	}
	session, err := r.Start("u@x.com", "bad")
	require.NoError(t, err)
	session.Complete(StateError, "boom")

	stats := r.Statistics()
	assert.Equal(t, 4, stats.TotalRuns)
	assert.Equal(t, 3, stats.SuccessfulRuns)
	assert.Equal(t, 1, stats.FailedRuns)
	assert.InDelta(t, 75.0, stats.SuccessRate, 0.01)
	assert.GreaterOrEqual(t, stats.AvgDurationSeconds, 0.0)
}

func TestStatisticsEmpty(t *testing.T) {
	r := NewRegistry(50)
	stats := r.Statistics()
	assert.Zero(t, stats.TotalRuns)
	assert.Zero(t, stats.SuccessRate)
}

func TestOnChangeFires(t *testing.T) {
	r := NewRegistry(50)

	var mu sync.Mutex
	var states []string
	r.OnChange(func(st *AccountStatus) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
	})

	session, err := r.Start("u@x.com", "run-1")
	require.NoError(t, err)
	session.Update(StateFetching, "", nil, "")
	session.Complete(StateCompleted, "")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{StateConnecting, StateFetching, StateCompleted}, states)
}

func TestConcurrentIncrements(t *testing.T) {
	for _, total := range []int{10, 100, 50000} {
		t.Run(fmt.Sprintf("%d increments", total), func(t *testing.T) {
			r := NewRegistry(50)
			session, err := r.Start("u@x.com", "run-1")
			require.NoError(t, err)

			workers := 100
			if total < workers {
				workers = total
			}
			perWorker := total / workers

			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						session.IncrementCategorized(1)
						session.IncrementSkipped(1)
					}
				}()
			}
			wg.Wait()

			current := r.GetCurrent("u@x.com")
			require.NotNil(t, current)
			assert.Equal(t, total, current.Counters.Categorized)
			assert.Equal(t, total, current.Counters.Skipped)

			session.Complete(StateCompleted, "")
			runs := r.RecentRuns(1)
			require.Len(t, runs, 1)
			assert.Equal(t, total, runs[0].Counters.Categorized)
		})
	}
}
