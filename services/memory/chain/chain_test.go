package chain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/memory/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

func seed(t *testing.T, msgs store.MessageStore, session string, specs ...[3]string) {
	t.Helper()
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)
	for i, s := range specs {
		m := &datatypes.Message{
			ID:              s[0],
			SessionID:       session,
			Role:            datatypes.RoleUser,
			Content:         s[2],
			Timestamp:       base.Add(time.Duration(i) * time.Second),
			ParentMessageID: s[1],
		}
		require.NoError(t, msgs.Save(ctx, m))
	}
}

// =============================================================================
// Validate Tests
// =============================================================================

func TestValidate_HealthyChain(t *testing.T) {
	msgs := store.NewMemoryMessageStore()
	seed(t, msgs, "s1",
		[3]string{"m1", "", "hello"},
		[3]string{"m2", "m1", "hi there"},
		[3]string{"m3", "m2", "how are you"},
	)
	report, err := NewValidator(msgs).Validate(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.TotalMessages)
	assert.Equal(t, 1, report.RootCount)
	assert.Empty(t, report.BrokenRefs)
	assert.Empty(t, report.Orphans)
}

func TestValidate_EmptySession(t *testing.T) {
	msgs := store.NewMemoryMessageStore()
	report, err := NewValidator(msgs).Validate(context.Background(), "nope")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Zero(t, report.TotalMessages)
}

func TestValidate_BrokenRefAndMultipleRoots(t *testing.T) {
	msgs := store.NewMemoryMessageStore()
	seed(t, msgs, "s1",
		[3]string{"m1", "", "root one"},
		[3]string{"m2", "m1", "child"},
		[3]string{"m3", "nonexistent", "dangling"},
		[3]string{"m4", "", "root two"},
	)
	report, err := NewValidator(msgs).Validate(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, 2, report.RootCount)
	assert.Equal(t, []string{"m3"}, report.BrokenRefs)
	assert.Empty(t, report.Orphans)
}

func TestValidate_OrphanBehindBrokenRef(t *testing.T) {
	msgs := store.NewMemoryMessageStore()
	seed(t, msgs, "s1",
		[3]string{"m1", "", "root"},
		[3]string{"m2", "gone", "broken"},
		[3]string{"m3", "m2", "child of broken"},
	)
	report, err := NewValidator(msgs).Validate(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, []string{"m2"}, report.BrokenRefs)
	// m3 has a resolvable parent but is unreachable from the root.
	assert.Equal(t, []string{"m3"}, report.Orphans)
}

// =============================================================================
// Repair Tests
// =============================================================================

func TestRepair_ReattachesBrokenRef(t *testing.T) {
	ctx := context.Background()
	msgs := store.NewMemoryMessageStore()
	seed(t, msgs, "s1",
		[3]string{"m1", "", "root"},
		[3]string{"m2", "m1", "child"},
		[3]string{"m3", "nonexistent", "dangling"},
		[3]string{"m4", "", "late root"},
	)

	report, err := NewValidator(msgs).Repair(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, report.Repairs, 1)
	assert.Equal(t, "m3", report.Repairs[0].MessageID)
	// m2 is the latest message strictly before m3.
	assert.Equal(t, "m2", report.Repairs[0].NewParent)

	fixed, err := msgs.FindByID(ctx, "m3")
	require.NoError(t, err)
	assert.Equal(t, "m2", fixed.ParentMessageID)

	// Multi-root is reported, not healed.
	assert.False(t, report.After.Valid)
	assert.Equal(t, 2, report.After.RootCount)
	assert.Empty(t, report.After.BrokenRefs)
}

func TestRepair_NoEarlierMessageDetaches(t *testing.T) {
	ctx := context.Background()
	msgs := store.NewMemoryMessageStore()
	seed(t, msgs, "s1",
		[3]string{"m1", "gone", "first and broken"},
		[3]string{"m2", "m1", "child"},
	)
	report, err := NewValidator(msgs).Repair(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, report.Repairs, 1)
	assert.Equal(t, "", report.Repairs[0].NewParent)
	assert.True(t, report.After.Valid)
}

func TestRepair_Idempotent(t *testing.T) {
	ctx := context.Background()
	msgs := store.NewMemoryMessageStore()
	seed(t, msgs, "s1",
		[3]string{"m1", "", "root"},
		[3]string{"m2", "gone", "broken"},
	)
	v := NewValidator(msgs)
	first, err := v.Repair(ctx, "s1")
	require.NoError(t, err)
	assert.NotEmpty(t, first.Repairs)

	second, err := v.Repair(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, second.Repairs)
}

func TestRepair_ValidChainIsNoop(t *testing.T) {
	ctx := context.Background()
	msgs := store.NewMemoryMessageStore()
	seed(t, msgs, "s1",
		[3]string{"m1", "", "root"},
		[3]string{"m2", "m1", "child"},
	)
	report, err := NewValidator(msgs).Repair(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, report.Repairs)
	assert.True(t, report.Before.Valid)
}

// =============================================================================
// Reconstruct Tests
// =============================================================================

func TestReconstruct_LinearChain(t *testing.T) {
	msgs := store.NewMemoryMessageStore()
	seed(t, msgs, "s1",
		[3]string{"m1", "", "a"},
		[3]string{"m2", "m1", "b"},
		[3]string{"m3", "m2", "c"},
	)
	got, err := NewReconstructor(msgs).Reconstruct(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
	assert.Equal(t, "m3", got[2].ID)
}

func TestReconstruct_RepairsAndAppendsSecondRoot(t *testing.T) {
	// The canonical broken-session scenario: m3 dangles, m4 is a second
	// root. After repair m3 hangs off m2; m4 is appended at the end.
	msgs := store.NewMemoryMessageStore()
	seed(t, msgs, "s1",
		[3]string{"m1", "", "root"},
		[3]string{"m2", "m1", "child"},
		[3]string{"m3", "nonexistent", "dangling"},
		[3]string{"m4", "", "late root"},
	)
	got, err := NewReconstructor(msgs).Reconstruct(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"},
		[]string{got[0].ID, got[1].ID, got[2].ID, got[3].ID})
}

func TestReconstruct_EmitsEachMessageOnce(t *testing.T) {
	msgs := store.NewMemoryMessageStore()
	seed(t, msgs, "s1",
		[3]string{"m1", "", "root"},
		[3]string{"m2", "m1", "b"},
		[3]string{"m3", "m1", "branch"},
		[3]string{"m4", "m3", "d"},
	)
	got, err := NewReconstructor(msgs).Reconstruct(context.Background(), "s1")
	require.NoError(t, err)
	seen := make(map[string]int)
	for _, m := range got {
		seen[m.ID]++
	}
	assert.Len(t, seen, 4)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s emitted %d times", id, n)
	}
}

func TestReconstruct_ParentBeforeChild(t *testing.T) {
	msgs := store.NewMemoryMessageStore()
	seed(t, msgs, "s1",
		[3]string{"m1", "", "root"},
		[3]string{"m2", "m1", "b"},
		[3]string{"m3", "m2", "c"},
		[3]string{"m4", "m2", "d"},
	)
	got, err := NewReconstructor(msgs).Reconstruct(context.Background(), "s1")
	require.NoError(t, err)
	pos := make(map[string]int)
	for i, m := range got {
		pos[m.ID] = i
	}
	for _, m := range got {
		if m.ParentMessageID != "" {
			assert.Less(t, pos[m.ParentMessageID], pos[m.ID],
				"parent %s emitted after child %s", m.ParentMessageID, m.ID)
		}
	}
}

func TestReconstruct_EmptySession(t *testing.T) {
	msgs := store.NewMemoryMessageStore()
	got, err := NewReconstructor(msgs).Reconstruct(context.Background(), "empty")
	require.NoError(t, err)
	assert.Empty(t, got)
}
