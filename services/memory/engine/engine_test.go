package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/llm"
	"github.com/AleutianAI/AleutianRecall/services/memory/chunker"
	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/memory/extraction"
	"github.com/AleutianAI/AleutianRecall/services/memory/prompt"
	"github.com/AleutianAI/AleutianRecall/services/memory/retrieval"
	"github.com/AleutianAI/AleutianRecall/services/memory/store"
	"github.com/AleutianAI/AleutianRecall/services/memory/vectorindex"
	"github.com/AleutianAI/AleutianRecall/services/memory/window"
)

// mockGenerator answers chat prompts with a fixed response and records
// every prompt. Extraction prompts are answered with empty JSON so the
// extractor stays quiet in these tests.
type mockGenerator struct {
	mu       sync.Mutex
	prompts  []string
	response string
	err      error
}

func (g *mockGenerator) Generate(ctx context.Context, p string, params llm.GenerationParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if strings.Contains(p, "Extract key information") {
		return "{}", nil
	}
	if strings.Contains(p, "Summarize the following conversation") ||
		strings.Contains(p, "Updated summary:") {
		return "summary of earlier talk", nil
	}
	g.prompts = append(g.prompts, p)
	return g.response, g.err
}

// chatPrompts returns the prompts of real chat turns, skipping extraction
// and summarization traffic.
func (g *mockGenerator) chatPrompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

// hashEmbedder produces a deterministic vector per text so identical texts
// collide and different texts mostly do not.
type hashEmbedder struct{}

func (hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var h1, h2 uint32 = 2166136261, 104729
	for i := 0; i < len(text); i++ {
		h1 = (h1 ^ uint32(text[i])) * 16777619
		h2 = h2*31 + uint32(text[i])
	}
	v := []float32{
		float32(h1%1000)/1000 + 0.1,
		float32(h2%1000)/1000 + 0.1,
		float32((h1^h2)%1000)/1000 + 0.1,
	}
	return v, nil
}

func (hashEmbedder) Dimension() int { return 3 }

type testHarness struct {
	engine  *Engine
	gen     *mockGenerator
	msgs    store.MessageStore
	windows *window.Manager
}

func newHarness(t *testing.T, windowSize, maxPromptLen int) *testHarness {
	t.Helper()
	gen := &mockGenerator{response: "assistant reply"}
	msgs := store.NewMemoryMessageStore()
	ix := vectorindex.NewStoreIndex(store.NewMemoryChunkStore())
	windows := window.NewManager(window.Config{MaxWindowSize: windowSize}, nil)
	embedder := hashEmbedder{}

	retr := retrieval.NewRetriever(embedder, ix, nil, windows.RecentMessageIDs)
	eng := New(Options{
		Messages:  msgs,
		Index:     ix,
		Embedder:  embedder,
		Generator: gen,
		Windows:   windows,
		Extractor: extraction.NewExtractor(gen, extraction.Config{MaxConcurrent: 2, EnableFallback: false}),
		Retriever: retr,
		Merger:    retrieval.NewMerger(msgs),
		Builder:   prompt.NewBuilder(prompt.Config{MaxPromptLength: maxPromptLen, EnableTruncation: true}),
		ChunkerCfg: chunker.Config{
			TargetTokens: 256, OverlapTokens: 50,
		},
		Retrieval: retrieval.Config{
			ChunksBefore: 2, ChunksAfter: 2, MaxSimilar: 5,
			SimilarityThreshold: 0.3, Strategy: retrieval.StrategyFixed,
		},
		Model: "test-model",
	})
	return &testHarness{engine: eng, gen: gen, msgs: msgs, windows: windows}
}

func TestHandleUserTurn_SingleTurnEmptySession(t *testing.T) {
	h := newHarness(t, 10, 4000)

	reply, err := h.engine.HandleUserTurn(context.Background(), "hello", "s1")
	require.NoError(t, err)
	h.engine.WaitForIndexing()

	prompts := h.gen.chatPrompts()
	require.Len(t, prompts, 1)
	assert.True(t, strings.HasSuffix(prompts[0], "## Current Message:\nhello"))
	assert.NotContains(t, prompts[0], "## Recent Conversation")

	messages, err := h.msgs.FindBySessionID(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, datatypes.RoleUser, messages[0].Role)
	assert.Empty(t, messages[0].ParentMessageID)
	assert.Equal(t, datatypes.RoleAssistant, messages[1].Role)
	assert.Equal(t, messages[0].ID, messages[1].ParentMessageID)
	assert.Equal(t, reply.ID, messages[1].ID)
	assert.Equal(t, "test-model", reply.Metadata["model"])
}

func TestHandleUserTurn_SecondTurnUsesWindow(t *testing.T) {
	h := newHarness(t, 10, 4000)
	ctx := context.Background()

	first, err := h.engine.HandleUserTurn(ctx, "hello", "s1")
	require.NoError(t, err)
	_, err = h.engine.HandleUserTurn(ctx, "and again", "s1")
	require.NoError(t, err)
	h.engine.WaitForIndexing()

	prompts := h.gen.chatPrompts()
	require.Len(t, prompts, 2)
	second := prompts[1]
	assert.Contains(t, second, "## Recent Conversation:")
	userLine := strings.Index(second, "- User: hello")
	assistantLine := strings.Index(second, "- Assistant: assistant reply")
	require.True(t, userLine >= 0 && assistantLine >= 0)
	assert.Less(t, userLine, assistantLine)

	messages, err := h.msgs.FindBySessionID(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, messages, 4)
	// Second user message chains off the first assistant reply.
	assert.Equal(t, first.ID, messages[2].ParentMessageID)
}

func TestHandleUserTurn_RetrievalExcludesJustSentMessage(t *testing.T) {
	h := newHarness(t, 4, 8000)
	ctx := context.Background()

	repeated := "my dog is named Biscuit and loves the beach"
	var repeatedUserID string
	for i := 0; i < 12; i++ {
		text := fmt.Sprintf("turn %d talks about topic number %d in detail", i, i)
		if i == 2 {
			text = repeated
		}
		reply, err := h.engine.HandleUserTurn(ctx, text, "s1")
		require.NoError(t, err)
		if i == 2 {
			repeatedUserID = reply.ParentMessageID
		}
	}
	h.engine.WaitForIndexing()

	reply, err := h.engine.HandleUserTurn(ctx, repeated, "s1")
	require.NoError(t, err)
	h.engine.WaitForIndexing()

	// The historical section quotes the 20-turns-ago message. The
	// just-persisted copy cannot surface: it was not yet indexed at
	// retrieval time and its id is in the exclusion set regardless.
	prompts := h.gen.chatPrompts()
	last := prompts[len(prompts)-1]
	require.Contains(t, last, "## Relevant Historical Context:")
	assert.Contains(t, last, "Biscuit")

	newUserID := reply.ParentMessageID
	assert.NotEqual(t, repeatedUserID, newUserID)
	assert.NotEmpty(t, repeatedUserID)
}

func TestHandleUserTurn_GeneratorFailureFailsTurn(t *testing.T) {
	h := newHarness(t, 10, 4000)
	h.gen.err = errors.New("generator exploded")

	_, err := h.engine.HandleUserTurn(context.Background(), "hello", "s1")
	require.Error(t, err)

	// The user message is still durable as the conversation-initiating
	// record.
	messages, findErr := h.msgs.FindBySessionID(context.Background(), "s1")
	require.NoError(t, findErr)
	require.Len(t, messages, 1)
	assert.Equal(t, datatypes.RoleUser, messages[0].Role)
}

func TestHandleUserTurn_PromptBudgetEnforced(t *testing.T) {
	h := newHarness(t, 25, 500)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := h.engine.HandleUserTurn(ctx,
			fmt.Sprintf("message number %d with some padding text attached %s",
				i, strings.Repeat("pad ", 10)), "s1")
		require.NoError(t, err)
	}
	h.engine.WaitForIndexing()

	current := "what was the very first thing I told you about here?"
	_, err := h.engine.HandleUserTurn(ctx, current, "s1")
	require.NoError(t, err)

	prompts := h.gen.chatPrompts()
	last := prompts[len(prompts)-1]
	assert.LessOrEqual(t, len(last), 500)
	assert.True(t, strings.HasSuffix(last, "## Current Message:\n"+current))
}

func TestHandleUserTurn_SummarizationOnWindowOverflow(t *testing.T) {
	gen := &mockGenerator{response: "assistant reply"}
	msgs := store.NewMemoryMessageStore()
	ix := vectorindex.NewStoreIndex(store.NewMemoryChunkStore())

	// Real summarizer backed by the mock generator.
	sum := &windowSummarizer{gen: gen}
	windows := window.NewManager(window.Config{MaxWindowSize: 4}, sum)
	embedder := hashEmbedder{}
	eng := New(Options{
		Messages:  msgs,
		Index:     ix,
		Embedder:  embedder,
		Generator: gen,
		Windows:   windows,
		Extractor: extraction.NewExtractor(gen, extraction.Config{MaxConcurrent: 2, EnableFallback: false}),
		Retriever: retrieval.NewRetriever(embedder, ix, nil, windows.RecentMessageIDs),
		Merger:    retrieval.NewMerger(msgs),
		Builder:   prompt.NewBuilder(prompt.Config{MaxPromptLength: 4000, EnableTruncation: true}),
		ChunkerCfg: chunker.Config{
			TargetTokens: 256,
		},
		Retrieval: retrieval.Config{
			ChunksBefore: 1, ChunksAfter: 1, MaxSimilar: 3,
			SimilarityThreshold: 0.3, Strategy: retrieval.StrategyFixed,
		},
		Model: "test-model",
	})

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := eng.HandleUserTurn(ctx, fmt.Sprintf("user turn number %d", i), "s1")
		require.NoError(t, err)
	}
	eng.WaitForIndexing()

	convCtx := windows.GetConversationContext("s1")
	assert.LessOrEqual(t, len(convCtx.RecentMessages), 4)
	assert.NotEmpty(t, convCtx.Summary)
	// The summarizer saw the earliest evicted message.
	assert.Contains(t, sum.seen, "user turn number 1")
}

// windowSummarizer is a thin summarizer that records what it was shown.
type windowSummarizer struct {
	mu   sync.Mutex
	gen  *mockGenerator
	seen string
}

func (s *windowSummarizer) GenerateSummary(ctx context.Context, messages []datatypes.Message, sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range messages {
		s.seen += m.Content + "\n"
	}
	return "rolling summary"
}

func (s *windowSummarizer) UpdateSummary(ctx context.Context, existing string, newMessages []datatypes.Message, sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range newMessages {
		s.seen += m.Content + "\n"
	}
	return existing
}

func TestHandleUserTurn_TimestampsStrictlyIncrease(t *testing.T) {
	h := newHarness(t, 10, 4000)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := h.engine.HandleUserTurn(ctx, fmt.Sprintf("turn %d", i), "s1")
		require.NoError(t, err)
	}
	h.engine.WaitForIndexing()

	messages, err := h.msgs.FindBySessionID(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, messages, 10)
	for i := 1; i < len(messages); i++ {
		assert.True(t, messages[i].Timestamp.After(messages[i-1].Timestamp),
			"timestamp %d not after %d", i, i-1)
	}
	// Parent pointers form a single path.
	for i := 1; i < len(messages); i++ {
		assert.Equal(t, messages[i-1].ID, messages[i].ParentMessageID)
	}
}

func TestClearSessionAndStatistics(t *testing.T) {
	h := newHarness(t, 10, 4000)
	ctx := context.Background()

	_, err := h.engine.HandleUserTurn(ctx, "a message with plenty of content to chunk", "s1")
	require.NoError(t, err)
	h.engine.WaitForIndexing()

	stats, err := h.engine.Statistics(ctx)
	require.NoError(t, err)
	assert.Greater(t, stats.Index.TotalChunks, 0)
	assert.Equal(t, 1, stats.ActiveWindows)

	require.NoError(t, h.engine.ClearSession(ctx, "s1"))
	messages, err := h.msgs.FindBySessionID(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, messages)

	stats, err = h.engine.Statistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Index.TotalChunks)
	assert.Zero(t, stats.ActiveWindows)
}
