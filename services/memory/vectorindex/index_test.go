package vectorindex

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/memory/store"
)

// =============================================================================
// Cosine Tests
// =============================================================================

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"zero left", []float32{0, 0}, []float32{1, 1}, 0},
		{"zero right", []float32{1, 1}, []float32{0, 0}, 0},
		{"dimension mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCosineSimilarity_Symmetric(t *testing.T) {
	a := []float32{0.3, -1.2, 4.7, 0.01}
	b := []float32{2.2, 0.4, -0.9, 3.3}
	if CosineSimilarity(a, b) != CosineSimilarity(b, a) {
		t.Error("cosine similarity is not symmetric")
	}
}

func TestCosineSimilarity_Range(t *testing.T) {
	vecs := [][]float32{
		{1, 2, 3}, {-4, 5, -6}, {0.001, 1000, -3}, {7, 7, 7},
	}
	for _, a := range vecs {
		for _, b := range vecs {
			got := CosineSimilarity(a, b)
			if got < -1-1e-9 || got > 1+1e-9 {
				t.Errorf("CosineSimilarity(%v, %v) = %v, outside [-1, 1]", a, b, got)
			}
		}
	}
}

// =============================================================================
// Store Index Tests
// =============================================================================

func newTestIndex() *StoreIndex {
	return NewStoreIndex(store.NewMemoryChunkStore())
}

func TestStoreIndex_StoreAndGet(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex()

	err := ix.StoreChunksForMessage(ctx, "m1", "s1",
		[]string{"first chunk", "second chunk"},
		[][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)

	chunks, err := ix.GetChunksForMessage(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, "first chunk", chunks[0].ChunkText)
	assert.Equal(t, 1, chunks[1].ChunkIndex)
}

func TestStoreIndex_StoreRejectsMismatchedBatch(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex()

	err := ix.StoreChunksForMessage(ctx, "m1", "s1",
		[]string{"one", "two"}, [][]float32{{1, 0}})
	require.Error(t, err)
	assert.True(t, IsIndexingError(err))

	// Nothing was written.
	chunks, err := ix.GetChunksForMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestStoreIndex_StoreRejectsMixedDimensions(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex()

	err := ix.StoreChunksForMessage(ctx, "m1", "s1",
		[]string{"one", "two"}, [][]float32{{1, 0}, {1, 0, 0}})
	require.Error(t, err)
	assert.True(t, IsIndexingError(err))
}

func TestStoreIndex_RejectsDimensionDrift(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex()

	require.NoError(t, ix.StoreChunksForMessage(ctx, "m1", "s1",
		[]string{"one"}, [][]float32{{1, 0, 0}}))
	err := ix.StoreChunksForMessage(ctx, "m2", "s1",
		[]string{"two"}, [][]float32{{1, 0}})
	require.Error(t, err)
	assert.True(t, IsIndexingError(err))
}

func TestStoreIndex_FindSimilarOrdering(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex()

	require.NoError(t, ix.StoreChunksForMessage(ctx, "m1", "s1",
		[]string{"exact match"}, [][]float32{{1, 0}}))
	require.NoError(t, ix.StoreChunksForMessage(ctx, "m2", "s1",
		[]string{"orthogonal"}, [][]float32{{0, 1}}))
	require.NoError(t, ix.StoreChunksForMessage(ctx, "m3", "s1",
		[]string{"diagonal"}, [][]float32{{1, 1}}))

	got, err := ix.FindSimilar(ctx, []float32{1, 0}, "s1", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m1", got[0].MessageID)
	assert.Equal(t, "m3", got[1].MessageID)
	assert.Equal(t, "m2", got[2].MessageID)
}

func TestStoreIndex_FindSimilarSessionScope(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex()

	require.NoError(t, ix.StoreChunksForMessage(ctx, "m1", "s1",
		[]string{"in session"}, [][]float32{{1, 0}}))
	require.NoError(t, ix.StoreChunksForMessage(ctx, "m2", "s2",
		[]string{"other session"}, [][]float32{{1, 0}}))

	scoped, err := ix.FindSimilar(ctx, []float32{1, 0}, "s1", 10)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "m1", scoped[0].MessageID)

	global, err := ix.FindSimilar(ctx, []float32{1, 0}, "", 10)
	require.NoError(t, err)
	assert.Len(t, global, 2)
}

func TestStoreIndex_FindSimilarLimit(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex()
	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		vec := []float32{1, float32(i) * 0.1}
		require.NoError(t, ix.StoreChunksForMessage(ctx, id, "s1", []string{"text"}, [][]float32{vec}))
	}
	got, err := ix.FindSimilar(ctx, []float32{1, 0}, "s1", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStoreIndex_FindSimilarWithinThreshold(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex()

	require.NoError(t, ix.StoreChunksForMessage(ctx, "m1", "s1",
		[]string{"close"}, [][]float32{{1, 0.1}}))
	require.NoError(t, ix.StoreChunksForMessage(ctx, "m2", "s1",
		[]string{"far"}, [][]float32{{0, 1}}))

	got, err := ix.FindSimilarWithinThreshold(ctx, []float32{1, 0}, "s1", 0.9)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].MessageID)
}

func TestStoreIndex_SkipsUnusableVectors(t *testing.T) {
	ctx := context.Background()
	chunks := store.NewMemoryChunkStore()
	ix := NewStoreIndex(chunks)

	require.NoError(t, ix.StoreChunksForMessage(ctx, "m1", "s1",
		[]string{"good"}, [][]float32{{1, 0}}))

	// Inject a record with a missing vector directly into the store.
	_, err := chunks.SaveAll(ctx, []datatypes.ChunkEmbedding{{
		MessageID: "m2", SessionID: "s1", ChunkIndex: 0, ChunkText: "vectorless",
	}})
	require.NoError(t, err)

	got, err := ix.FindSimilar(ctx, []float32{1, 0}, "s1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestStoreIndex_Statistics(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex()

	require.NoError(t, ix.StoreChunksForMessage(ctx, "m1", "s1",
		[]string{"a", "b"}, [][]float32{{1, 0}, {0, 1}}))
	require.NoError(t, ix.StoreChunksForMessage(ctx, "m2", "s2",
		[]string{"c"}, [][]float32{{1, 1}}))

	stats, err := ix.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalChunks)
	assert.Equal(t, 2, stats.UniqueMessages)
	assert.Equal(t, 2, stats.UniqueSessions)
}

func TestStoreIndex_DeleteChunksForMessage(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex()

	require.NoError(t, ix.StoreChunksForMessage(ctx, "m1", "s1",
		[]string{"a"}, [][]float32{{1, 0}}))
	require.NoError(t, ix.DeleteChunksForMessage(ctx, "m1"))

	got, err := ix.GetChunksForMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
