package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
)

func defaultTestBuilder() *Builder {
	return NewBuilder(Config{MaxPromptLength: 4000, EnableTruncation: true})
}

func convContext(summary string, contents ...string) datatypes.ConversationContext {
	ctx := datatypes.ConversationContext{SessionID: "s1", Summary: summary}
	for i, c := range contents {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		ctx.RecentMessages = append(ctx.RecentMessages, datatypes.Message{
			ID: c, SessionID: "s1", Role: role, Content: c, Timestamp: time.Now(),
		})
	}
	return ctx
}

func historicalGroup(text string) datatypes.ExpandedChunkGroup {
	return datatypes.ExpandedChunkGroup{
		MessageID: "h1",
		Chunks:    []datatypes.ChunkEmbedding{{ID: 1, MessageID: "h1", ChunkText: text}},
	}
}

func TestBuild_EmptyContextIsSystemPlusCurrent(t *testing.T) {
	b := defaultTestBuilder()
	out := b.Build("hello", datatypes.ConversationContext{}, datatypes.ExtractedInformation{}, nil)

	assert.True(t, strings.HasSuffix(out, "## Current Message:\nhello"))
	assert.NotContains(t, out, "## Recent Conversation:")
	assert.NotContains(t, out, "## Key Information:")
	assert.NotContains(t, out, "## Relevant Historical Context:")
}

func TestBuild_AllSectionsInOrder(t *testing.T) {
	b := defaultTestBuilder()
	out := b.Build("what next?",
		convContext("earlier we discussed travel", "I want to visit Japan", "Great choice!"),
		datatypes.ExtractedInformation{
			MessageID:   "m1",
			Entities:    []string{"Japan"},
			KeyFacts:    []string{"user wants to visit Japan"},
			UserIntent:  "plan a trip",
			ActionItems: []string{"book flights"},
		},
		[]datatypes.ExpandedChunkGroup{historicalGroup("previously the user asked about visas")})

	conv := strings.Index(out, "## Recent Conversation:")
	key := strings.Index(out, "## Key Information:")
	hist := strings.Index(out, "## Relevant Historical Context:")
	cur := strings.Index(out, "## Current Message:")
	require.True(t, conv >= 0 && key >= 0 && hist >= 0 && cur >= 0)
	assert.True(t, conv < key && key < hist && hist < cur)

	assert.Contains(t, out, "**Summary:** earlier we discussed travel")
	assert.Contains(t, out, "- User: I want to visit Japan")
	assert.Contains(t, out, "- Assistant: Great choice!")
	assert.Contains(t, out, "**Important Entities:** Japan")
	assert.Contains(t, out, "**Key Facts:**\n- user wants to visit Japan")
	assert.Contains(t, out, "**User Intent:** plan a trip")
	assert.Contains(t, out, "**Action Items:**\n- book flights")
	assert.Contains(t, out, "**Context from previous conversation:**\n\"previously the user asked about visas\"")
	assert.True(t, strings.HasSuffix(out, "## Current Message:\nwhat next?"))
}

func TestBuild_EmptyKeyInfoSubsectionsOmitted(t *testing.T) {
	b := defaultTestBuilder()
	out := b.Build("hi", datatypes.ConversationContext{}, datatypes.ExtractedInformation{
		MessageID: "m1",
		KeyFacts:  []string{"one fact"},
	}, nil)

	assert.Contains(t, out, "**Key Facts:**")
	assert.NotContains(t, out, "**Important Entities:**")
	assert.NotContains(t, out, "**User Intent:**")
	assert.NotContains(t, out, "**Action Items:**")
	assert.NotContains(t, out, "**Context:**")
}

func TestBuild_RespectsBudget(t *testing.T) {
	b := NewBuilder(Config{MaxPromptLength: 1200, EnableTruncation: true})

	long := strings.Repeat("Sentence about older topics. ", 100)
	out := b.Build("current question",
		convContext(long, "recent message one", "recent message two"),
		datatypes.ExtractedInformation{MessageID: "m1", KeyFacts: []string{long}},
		[]datatypes.ExpandedChunkGroup{historicalGroup(long)})

	assert.LessOrEqual(t, len(out), 1200)
	assert.True(t, strings.HasSuffix(out, "## Current Message:\ncurrent question"))
}

func TestBuild_TruncationStopsLowerWeightSections(t *testing.T) {
	b := NewBuilder(Config{MaxPromptLength: 1500, EnableTruncation: true})

	long := strings.Repeat("Older conversation sentence. ", 200)
	out := b.Build("question",
		convContext("", long),
		datatypes.ExtractedInformation{MessageID: "m1", KeyFacts: []string{"a small fact"}},
		[]datatypes.ExpandedChunkGroup{historicalGroup("historical text")})

	// Conversation (weight 0.4) was truncated; key info and historical
	// context were dropped entirely.
	assert.Contains(t, out, truncationMarker)
	assert.NotContains(t, out, "## Key Information:")
	assert.NotContains(t, out, "## Relevant Historical Context:")
	assert.LessOrEqual(t, len(out), 1500)
}

func TestBuild_TightBudgetKeepsOneTruncatedSection(t *testing.T) {
	b := NewBuilder(Config{MaxPromptLength: 500, EnableTruncation: true})

	var recent []string
	for i := 0; i < 20; i++ {
		recent = append(recent, strings.Repeat("r", 44)+" msg")
	}
	info := datatypes.ExtractedInformation{MessageID: "m1"}
	for i := 0; i < 10; i++ {
		info.KeyFacts = append(info.KeyFacts, strings.Repeat("f", 40))
	}
	groups := []datatypes.ExpandedChunkGroup{
		historicalGroup(strings.Repeat("h", 200)),
		historicalGroup(strings.Repeat("i", 200)),
		historicalGroup(strings.Repeat("j", 200)),
	}
	current := strings.Repeat("current message text ", 4)

	out := b.Build(current, convContext("", recent...), info, groups)
	assert.LessOrEqual(t, len(out), 500)
	assert.True(t, strings.HasPrefix(out, systemContext))
	assert.True(t, strings.HasSuffix(out, "## Current Message:\n"+current))
	assert.Contains(t, out, "## Recent Conversation:")
	assert.Contains(t, out, truncationMarker)
}

func TestBuild_CurrentMessageNeverTruncated(t *testing.T) {
	b := NewBuilder(Config{MaxPromptLength: 900, EnableTruncation: true})

	current := strings.Repeat("the current message must survive intact ", 10)
	out := b.Build(current, convContext("summary", "older"), datatypes.ExtractedInformation{}, nil)
	assert.True(t, strings.HasSuffix(out, "## Current Message:\n"+current))
}

func TestBuild_TruncationDisabled(t *testing.T) {
	b := NewBuilder(Config{MaxPromptLength: 600, EnableTruncation: false})

	long := strings.Repeat("words and more words ", 200)
	out := b.Build("q", convContext("", long), datatypes.ExtractedInformation{}, nil)
	assert.Greater(t, len(out), 600)
	assert.Contains(t, out, "## Recent Conversation:")
}

func TestTruncateAtBreak(t *testing.T) {
	t.Run("short text unchanged", func(t *testing.T) {
		assert.Equal(t, "abc", truncateAtBreak("abc", 10))
	})

	t.Run("prefers section break", func(t *testing.T) {
		text := strings.Repeat("a", 100) + "\n\n" + strings.Repeat("b", 100)
		got := truncateAtBreak(text, 150)
		assert.Equal(t, strings.Repeat("a", 100), got)
	})

	t.Run("falls back to sentence end", func(t *testing.T) {
		text := "First sentence. Second sentence continues without breaks " + strings.Repeat("x", 100)
		got := truncateAtBreak(text, 60)
		assert.True(t, strings.HasSuffix(got, "."))
	})

	t.Run("falls back to whitespace", func(t *testing.T) {
		text := strings.Repeat("word ", 100)
		got := truncateAtBreak(text, 52)
		assert.LessOrEqual(t, len(got), 52)
		assert.False(t, strings.HasSuffix(got, " "))
	})

	t.Run("hard cut when no break", func(t *testing.T) {
		text := strings.Repeat("x", 500)
		assert.Equal(t, strings.Repeat("x", 100), truncateAtBreak(text, 100))
	})

	t.Run("zero budget", func(t *testing.T) {
		assert.Empty(t, truncateAtBreak("anything", 0))
	})
}
