package memory

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/engram/llm/tokenizer"
	"github.com/BaSui01/engram/types"
)

func newWorking(budget int) *WorkingMemory {
	return NewWorkingMemory(budget, DefaultWorkingConfig(), tokenizer.NewEstimator(), nil)
}

func TestWorkingAdmitAndBudget(t *testing.T) {
	w := newWorking(100)

	slot, evicted, err := w.Admit("remember the user's name is Alex", 5.0, types.SlotSourceRecent, false)
	require.NoError(t, err)
	assert.Empty(t, evicted)
	assert.NotEmpty(t, slot.ID)
	assert.Greater(t, slot.TokenCost, 0)
	assert.LessOrEqual(t, w.TotalTokens(), w.Budget())
}

func TestWorkingAdmitRejectsOversizedCandidate(t *testing.T) {
	w := newWorking(10)

	_, evicted, err := w.Admit(strings.Repeat("oversized content ", 50), 5.0, types.SlotSourceRecent, false)
	require.Error(t, err)
	assert.Equal(t, types.ErrBudgetExceeded, types.GetErrorCode(err))
	// Nothing was partially evicted for the rejected candidate.
	assert.Empty(t, evicted)
	assert.Equal(t, 0, w.Len())
}

func TestWorkingEvictsLowestPriorityFirst(t *testing.T) {
	w := newWorking(18)

	low, _, err := w.Admit("low priority filler content here", 1.0, types.SlotSourceRecent, false)
	require.NoError(t, err)
	high, _, err := w.Admit("high priority important content", 9.0, types.SlotSourceRecalled, false)
	require.NoError(t, err)

	// This admit forces eviction; the low-priority slot must go first.
	_, evicted, err := w.Admit("newly arrived content to store", 5.0, types.SlotSourceRecent, false)
	require.NoError(t, err)
	require.NotEmpty(t, evicted)
	assert.Equal(t, low.ID, evicted[0].ID)

	ids := make([]string, 0, w.Len())
	for _, s := range w.SnapshotForContext() {
		ids = append(ids, s.ID)
	}
	assert.Contains(t, ids, high.ID)
}

func TestWorkingPinnedSlotsNeverEvicted(t *testing.T) {
	w := newWorking(30)

	pinned, _, err := w.Admit("pinned critical instruction text", 1.0, types.SlotSourceUserNoted, true)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, evicted, err := w.Admit("transient chatter content block", 5.0, types.SlotSourceRecent, false)
		if err != nil {
			assert.Equal(t, types.ErrBudgetExceeded, types.GetErrorCode(err))
		}
		for _, e := range evicted {
			assert.NotEqual(t, pinned.ID, e.ID)
		}
	}

	found := false
	for _, s := range w.SnapshotForContext() {
		if s.ID == pinned.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestWorkingTouchBoostsPriorityWithMomentumCap(t *testing.T) {
	w := newWorking(100)
	slot, _, err := w.Admit("touchable content", 1.0, types.SlotSourceRecent, false)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Touch(slot.ID))
	}

	snap := w.SnapshotForContext()
	require.Len(t, snap, 1)
	assert.Greater(t, snap[0].Priority, 1.0)
	assert.Equal(t, DefaultWorkingConfig().MomentumCap, snap[0].Momentum)

	err = w.Touch("missing-id")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestWorkingSnapshotOrder(t *testing.T) {
	w := newWorking(200)
	_, _, err := w.Admit("medium priority entry", 5.0, types.SlotSourceRecent, false)
	require.NoError(t, err)
	_, _, err = w.Admit("top priority entry", 9.0, types.SlotSourceRecalled, false)
	require.NoError(t, err)
	_, _, err = w.Admit("bottom priority entry", 1.0, types.SlotSourceRecent, false)
	require.NoError(t, err)

	snap := w.SnapshotForContext()
	require.Len(t, snap, 3)
	for i := 1; i < len(snap); i++ {
		assert.GreaterOrEqual(t, snap[i-1].Priority, snap[i].Priority)
	}
}

func TestWorkingDecayPrioritiesFloors(t *testing.T) {
	w := newWorking(200)
	slot, _, err := w.Admit("decaying entry", 8.0, types.SlotSourceRecent, false)
	require.NoError(t, err)
	pinned, _, err := w.Admit("pinned entry", 8.0, types.SlotSourceUserNoted, true)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		w.DecayPriorities(0.5)
	}

	for _, s := range w.SnapshotForContext() {
		switch s.ID {
		case slot.ID:
			assert.Equal(t, DefaultWorkingConfig().MinPriority, s.Priority)
		case pinned.ID:
			assert.Equal(t, 8.0, s.Priority)
		}
	}
}

func TestWorkingRestoreMarksProvenance(t *testing.T) {
	w := newWorking(100)
	slot, _, err := w.Admit("to be snapshotted", 3.0, types.SlotSourceRecent, false)
	require.NoError(t, err)

	saved := w.SnapshotForContext()
	_, err = w.Remove(slot.ID)
	require.NoError(t, err)

	skipped := w.Restore(saved)
	assert.Empty(t, skipped)

	snap := w.SnapshotForContext()
	require.Len(t, snap, 1)
	assert.Equal(t, types.SlotSourceRestored, snap[0].Source)
}

func TestWorkingRestoreSkipsOverBudget(t *testing.T) {
	w := newWorking(5)
	skipped := w.Restore([]types.WorkingSlot{
		{Content: "tiny", TokenCost: 2},
		{Content: "way too large to restore", TokenCost: 50},
	})
	require.Len(t, skipped, 1)
	assert.Equal(t, 50, skipped[0].TokenCost)
	assert.Equal(t, 1, w.Len())
}

// For all admit() sequences, the total slot cost never exceeds the budget.
func TestWorkingBudgetInvariantProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("total cost never exceeds budget", prop.ForAll(
		func(budget int, contents []string, priorities []int) bool {
			w := newWorking(budget)
			for i, content := range contents {
				priority := 1.0
				if i < len(priorities) {
					priority = float64(priorities[i]%10) + 1
				}
				_, _, _ = w.Admit(content, priority, types.SlotSourceRecent, false)
				if w.TotalTokens() > w.Budget() {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 200),
		gen.SliceOf(gen.RegexMatch(`[a-z ]{1,120}`)),
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}
