package runevents

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "subscriber channel closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func recvN(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, recvEvent(t, ch))
	}
	return out
}

func TestSnapshotThenLiveSequence(t *testing.T) {
	hub := NewHub(zap.NewNop())

	hub.EnsureRun("r-1")
	hub.StepStarted("r-1", "s-1", 0, 2, "Open page", "KEY_A")

	// A joining client takes the snapshot first.
	snap := hub.BuildSnapshot("r-1")
	assert.Equal(t, TypeSnapshot, snap.Type)
	assert.Equal(t, SchemaVersion, snap.SchemaVersion)
	assert.Equal(t, "r-1", snap.RunID)
	assert.Equal(t, uint64(1), snap.Seq)
	assert.Equal(t, 2, snap.Summary.TotalSteps)
	assert.Equal(t, 0, snap.Summary.CompletedSteps)
	assert.Equal(t, StatusRunning, snap.Summary.Status)
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, "s-1", snap.Steps[0].StepID)
	assert.Equal(t, "KEY_A", snap.Steps[0].StaticStepKey)
	assert.Equal(t, StatusRunning, snap.Steps[0].Status)
	assert.True(t, snap.Steps[0].SourceFlags.WorkflowUse)

	ch, cancel := hub.Subscribe("r-1", 0)
	defer cancel()

	hub.StepFinishedSuccess("r-1", "s-1")

	ev := recvEvent(t, ch)
	assert.Equal(t, TypeStepFinishedSuccess, ev.Type)
	assert.Equal(t, "s-1", ev.StepID)
	assert.Equal(t, StatusSuccess, ev.Status)
	assert.Equal(t, "r-1", ev.RunID)
	assert.Equal(t, uint64(2), ev.Seq)
	assert.Greater(t, ev.Ts, int64(0))
}

func TestSequenceStartsAtOneAndIsMonotonic(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ch, cancel := hub.Subscribe("r-1", 0)
	defer cancel()

	hub.RunStarted("r-1")
	hub.StepStarted("r-1", "s-1", 0, 3, "first", "K1")
	hub.StepFinishedSuccess("r-1", "s-1")
	hub.RunEnded("r-1", StatusSuccess)

	evs := recvN(t, ch, 4)
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	assert.Equal(t, TypeRunStarted, evs[0].Type)
	assert.Equal(t, TypeStepStarted, evs[1].Type)
	assert.Equal(t, TypeStepFinishedSuccess, evs[2].Type)
	assert.Equal(t, TypeRunEnded, evs[3].Type)
	assert.Equal(t, StatusSuccess, evs[3].Status)
}

func TestBufferedEventsBoundedAtCapacity(t *testing.T) {
	hub := NewHub(zap.NewNop())
	for i := 0; i < BufferCapacity+50; i++ {
		hub.StepStarted("r-1", fmt.Sprintf("s-%d", i), i, 0, "step", "")
	}

	buf := hub.BufferedEvents("r-1")
	require.Len(t, buf, BufferCapacity)
	// Oldest 50 events were evicted.
	assert.Equal(t, uint64(51), buf[0].Seq)
	assert.Equal(t, uint64(BufferCapacity+50), buf[len(buf)-1].Seq)

	snap := hub.BuildSnapshot("r-1")
	assert.Equal(t, uint64(BufferCapacity+50), snap.Seq)
}

func TestBufferedEventsUnknownRun(t *testing.T) {
	hub := NewHub(zap.NewNop())
	assert.Empty(t, hub.BufferedEvents("nope"))
}

func TestSnapshotSummaryStatus(t *testing.T) {
	t.Run("running while steps outstanding", func(t *testing.T) {
		hub := NewHub(zap.NewNop())
		hub.StepStarted("r", "a", 0, 2, "a", "")
		hub.StepFinishedSuccess("r", "a")
		snap := hub.BuildSnapshot("r")
		assert.Equal(t, StatusRunning, snap.Summary.Status)
		assert.Equal(t, 1, snap.Summary.CompletedSteps)
	})

	t.Run("success once all steps completed", func(t *testing.T) {
		hub := NewHub(zap.NewNop())
		hub.StepStarted("r", "a", 0, 2, "a", "")
		hub.StepStarted("r", "b", 1, 2, "b", "")
		hub.StepFinishedSuccess("r", "a")
		hub.StepFinishedSuccess("r", "b")
		snap := hub.BuildSnapshot("r")
		assert.Equal(t, StatusSuccess, snap.Summary.Status)
		assert.Equal(t, 2, snap.Summary.CompletedSteps)
		assert.Equal(t, 0, snap.Summary.FailedSteps)
	})

	t.Run("any failure wins", func(t *testing.T) {
		hub := NewHub(zap.NewNop())
		hub.StepStarted("r", "a", 0, 2, "a", "")
		hub.StepStarted("r", "b", 1, 2, "b", "")
		hub.StepFinishedSuccess("r", "a")
		hub.StepFinishedFail("r", "b")
		snap := hub.BuildSnapshot("r")
		assert.Equal(t, StatusFail, snap.Summary.Status)
		assert.Equal(t, 1, snap.Summary.FailedSteps)
	})

	t.Run("empty run reports running", func(t *testing.T) {
		hub := NewHub(zap.NewNop())
		hub.EnsureRun("r")
		snap := hub.BuildSnapshot("r")
		assert.Equal(t, StatusRunning, snap.Summary.Status)
		assert.Zero(t, snap.Summary.TotalSteps)
		assert.Empty(t, snap.Steps)
	})
}

func TestSnapshotStepsSortedByIndex(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.StepStarted("r", "c", 2, 3, "third", "")
	hub.StepStarted("r", "a", 0, 3, "first", "")
	hub.StepStarted("r", "b", 1, 3, "second", "")

	snap := hub.BuildSnapshot("r")
	require.Len(t, snap.Steps, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{
		snap.Steps[0].StepID, snap.Steps[1].StepID, snap.Steps[2].StepID,
	})
}

func TestSnapshotTotalStepsUsesLargerOfHintAndKnown(t *testing.T) {
	hub := NewHub(zap.NewNop())
	// Hint says 2 but 3 distinct steps reported.
	hub.StepStarted("r", "a", 0, 2, "a", "")
	hub.StepStarted("r", "b", 1, 2, "b", "")
	hub.StepStarted("r", "c", 2, 2, "c", "")
	snap := hub.BuildSnapshot("r")
	assert.Equal(t, 3, snap.Summary.TotalSteps)
}

func TestFallbackFlow(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ch, cancel := hub.Subscribe("r", 0)
	defer cancel()

	hub.StepStarted("r", "s-1", 0, 1, "flaky", "KEY")
	hub.FallbackStarted("r", "s-1", 1, 3, "visual-abc")
	hub.FallbackRetryProgress("r", "s-1", 2, 3, "visual-abc")

	evs := recvN(t, ch, 3)
	started := evs[1]
	assert.Equal(t, TypeFallbackStarted, started.Type)
	require.NotNil(t, started.Fallback)
	assert.Equal(t, 1, started.Fallback.Attempt)
	assert.Equal(t, 3, started.Fallback.MaxAttempts)
	assert.Equal(t, "visual-abc", started.Fallback.SessionID)
	assert.Equal(t, StatusAIFallback, started.Status)
	require.NotNil(t, started.SourceFlags)
	assert.True(t, started.SourceFlags.BrowserUse)
	assert.True(t, started.SourceFlags.WorkflowUse)

	retry := evs[2]
	assert.Equal(t, TypeFallbackRetryProgress, retry.Type)
	require.NotNil(t, retry.Fallback)
	assert.Equal(t, 2, retry.Fallback.Attempt)

	snap := hub.BuildSnapshot("r")
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, StatusAIFallback, snap.Steps[0].Status)
	assert.True(t, snap.Steps[0].SourceFlags.BrowserUse)

	// Rescued steps finish like any other.
	hub.FallbackFinishedSuccess("r", "s-1")
	done := recvEvent(t, ch)
	assert.Equal(t, TypeStepFinishedSuccess, done.Type)
	assert.Equal(t, StatusSuccess, done.Status)
	assert.Equal(t, StatusSuccess, hub.BuildSnapshot("r").Summary.Status)
}

func TestFallbackFinishedFail(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ch, cancel := hub.Subscribe("r", 0)
	defer cancel()

	hub.StepStarted("r", "s-1", 0, 1, "flaky", "")
	hub.FallbackStarted("r", "s-1", 1, 1, "visual-abc")
	hub.FallbackFinishedFail("r", "s-1")

	evs := recvN(t, ch, 3)
	final := evs[2]
	assert.Equal(t, TypeFallbackFinishedFail, final.Type)
	assert.Equal(t, "s-1", final.StepID)
	assert.Equal(t, StatusFail, final.Status)
	assert.Equal(t, StatusFail, hub.BuildSnapshot("r").Summary.Status)
}

func TestFinishWithoutStartCreatesStep(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.StepFinishedSuccess("r", "ghost")

	snap := hub.BuildSnapshot("r")
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, "ghost", snap.Steps[0].StepID)
	assert.Equal(t, StatusSuccess, snap.Steps[0].Status)
}

func TestCancelStopsDeliveryAndClosesChannel(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ch, cancel := hub.Subscribe("r", 0)

	hub.RunStarted("r")
	recvEvent(t, ch)

	cancel()
	hub.RunEnded("r", StatusSuccess)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")

	// Second cancel is a no-op.
	cancel()
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ch, cancel := hub.Subscribe("r", 2)
	defer cancel()

	for i := 0; i < 5; i++ {
		hub.StepStarted("r", fmt.Sprintf("s-%d", i), i, 0, "step", "")
	}

	// Only the first two fit; the rest were dropped, not queued.
	evs := recvN(t, ch, 2)
	assert.Equal(t, uint64(1), evs[0].Seq)
	assert.Equal(t, uint64(2), evs[1].Seq)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected buffered event with seq %d", ev.Seq)
	case <-time.After(50 * time.Millisecond):
	}

	// The replay buffer still holds everything for catch-up.
	assert.Len(t, hub.BufferedEvents("r"), 5)
}

func TestRunsAreIndependent(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.StepStarted("r-1", "a", 0, 1, "a", "")
	hub.StepStarted("r-2", "b", 0, 1, "b", "")
	hub.StepStarted("r-2", "c", 1, 2, "c", "")

	assert.Equal(t, uint64(1), hub.BuildSnapshot("r-1").Seq)
	assert.Equal(t, uint64(2), hub.BuildSnapshot("r-2").Seq)
	assert.Len(t, hub.BuildSnapshot("r-1").Steps, 1)
	assert.Len(t, hub.BuildSnapshot("r-2").Steps, 2)
}

func TestStepIndexZeroSurvivesJSON(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ch, cancel := hub.Subscribe("r", 0)
	defer cancel()
	hub.StepStarted("r", "s-1", 0, 2, "Open page", "KEY_A")

	raw, err := json.Marshal(recvEvent(t, ch))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, float64(0), decoded["stepIndex"])
	assert.Equal(t, "StepStarted", decoded["type"])
	assert.Equal(t, "KEY_A", decoded["staticStepKey"])
	flags, ok := decoded["sourceFlags"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, flags["workflowUse"])
	assert.Equal(t, false, flags["browserUse"])
}

func TestConcurrentMutatorsKeepSequenceDense(t *testing.T) {
	hub := NewHub(zap.NewNop())
	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				hub.StepStarted("r", fmt.Sprintf("s-%d-%d", w, i), w*perWorker+i, 0, "step", "")
			}
		}(w)
	}
	wg.Wait()

	buf := hub.BufferedEvents("r")
	require.Len(t, buf, BufferCapacity)
	seen := make(map[uint64]bool, len(buf))
	for _, ev := range buf {
		seen[ev.Seq] = true
	}
	assert.Len(t, seen, BufferCapacity)
	assert.Equal(t, uint64(workers*perWorker), hub.BuildSnapshot("r").Seq)
}
