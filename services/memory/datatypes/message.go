// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"
)

// =============================================================================
// Roles
// =============================================================================

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// DisplayName returns the human-readable form used in transcripts and
// prompt sections ("User", "Assistant").
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// Message
// =============================================================================

// Message is one turn half in a conversation chain.
//
// # Description
//
// Each message is linked to its predecessor through ParentMessageID, so the
// messages of a session form a tree rooted at the oldest parentless message
// (a healthy session is a single path). Messages are immutable once
// persisted; only administrative clears remove them.
//
// # Fields
//
//   - ID: Opaque unique id (UUID string).
//   - SessionID: Conversation session this message belongs to. Indexed.
//   - Role: RoleUser or RoleAssistant.
//   - Content: The message text.
//   - Timestamp: Arrival instant with millisecond precision.
//   - ParentMessageID: Previous message in the chain, empty for a root.
//   - Metadata: Free-form annotations (model name, response_time_ms, ...).
//
// # Assumptions
//
// A non-empty ParentMessageID references a message in the same session with
// a strictly earlier timestamp. The engine enforces this when it assigns
// parents; the chain validator detects violations introduced elsewhere.
type Message struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	Role            Role           `json:"role"`
	Content         string         `json:"content"`
	Timestamp       time.Time      `json:"timestamp"`
	ParentMessageID string         `json:"parent_message_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// IsRoot reports whether the message starts its chain.
func (m *Message) IsRoot() bool {
	return m.ParentMessageID == ""
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate persisted state through a shared map.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// =============================================================================
// ChunkEmbedding
// =============================================================================

// ChunkEmbedding is one embedded slice of a message.
//
// # Description
//
// Messages are split into overlapping token-bounded chunks before embedding.
// Each chunk keeps its ordinal within the source message so retrieval can
// re-expand a hit with its neighbors.
//
// # Fields
//
//   - ID: Surrogate numeric id assigned by the chunk store.
//   - MessageID: Source message. Indexed.
//   - SessionID: Session of the source message. Indexed.
//   - ChunkIndex: 0-based ordinal within the message.
//   - ChunkText: Trimmed chunk content. Never empty.
//   - Embedding: Vector from the embedder. A length that differs from the
//     embedder's dimension marks the record unusable for similarity search.
//   - CreatedAt: Indexing instant.
//
// # Assumptions
//
// (MessageID, ChunkIndex) is unique. Vectors round-trip bit-exact through
// the store so cosine scores are reproducible.
type ChunkEmbedding struct {
	ID         int64     `json:"id"`
	MessageID  string    `json:"message_id"`
	SessionID  string    `json:"session_id"`
	ChunkIndex int       `json:"chunk_index"`
	ChunkText  string    `json:"chunk_text"`
	Embedding  []float32 `json:"embedding"`
	CreatedAt  time.Time `json:"created_at"`
}

// HasEmbedding reports whether the record carries a usable vector for the
// given dimension. dim <= 0 accepts any non-empty vector.
func (c *ChunkEmbedding) HasEmbedding(dim int) bool {
	if len(c.Embedding) == 0 {
		return false
	}
	return dim <= 0 || len(c.Embedding) == dim
}

// =============================================================================
// ExpandedChunkGroup
// =============================================================================

// ExpandedChunkGroup is a retrieval hit plus its neighboring chunks from the
// same source message, sorted by chunk index. Result sets are deduplicated
// by MessageID.
type ExpandedChunkGroup struct {
	MessageID string           `json:"message_id"`
	Chunks    []ChunkEmbedding `json:"chunks"`
}

// CombinedText joins the group's chunk texts in index order, separated by a
// single space. Used by the prompt builder and the group merger.
func (g *ExpandedChunkGroup) CombinedText() string {
	switch len(g.Chunks) {
	case 0:
		return ""
	case 1:
		return g.Chunks[0].ChunkText
	}
	n := 0
	for _, c := range g.Chunks {
		n += len(c.ChunkText) + 1
	}
	buf := make([]byte, 0, n)
	for i, c := range g.Chunks {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, c.ChunkText...)
	}
	return string(buf)
}

// =============================================================================
// ConversationContext
// =============================================================================

// ConversationContext is a point-in-time snapshot of a session's rolling
// window: the recent messages (most recent last) and the rolling summary,
// empty when no summarization has happened yet.
type ConversationContext struct {
	SessionID      string    `json:"session_id"`
	RecentMessages []Message `json:"recent_messages"`
	Summary        string    `json:"summary,omitempty"`
}

// RecentMessageIDs returns the ids of the snapshot's recent messages.
// Retrieval excludes these because the window conveys them separately.
func (c *ConversationContext) RecentMessageIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(c.RecentMessages))
	for _, m := range c.RecentMessages {
		ids[m.ID] = struct{}{}
	}
	return ids
}

// =============================================================================
// ExtractedInformation
// =============================================================================

// ExtractedInformation is the structured output of the key-information
// extractor for a single message. Computed once per message id and cached
// process-wide.
type ExtractedInformation struct {
	MessageID      string   `json:"message_id"`
	Entities       []string `json:"entities,omitempty"`
	KeyFacts       []string `json:"key_facts,omitempty"`
	ActionItems    []string `json:"action_items,omitempty"`
	UserIntent     string   `json:"user_intent,omitempty"`
	ContextualInfo string   `json:"contextual_info,omitempty"`
	Sentiment      string   `json:"sentiment,omitempty"`
	Urgency        string   `json:"urgency,omitempty"`
}

// IsEmpty reports whether extraction produced nothing the prompt builder
// could use.
func (e *ExtractedInformation) IsEmpty() bool {
	return len(e.Entities) == 0 && len(e.KeyFacts) == 0 && len(e.ActionItems) == 0 &&
		e.UserIntent == "" && e.ContextualInfo == ""
}
