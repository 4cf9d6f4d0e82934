// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine orchestrates a chat turn: persist, index, recall context,
// build the prompt, generate, persist the reply.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRecall/services/embedding"
	"github.com/AleutianAI/AleutianRecall/services/llm"
	"github.com/AleutianAI/AleutianRecall/services/memory/chunker"
	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/memory/extraction"
	"github.com/AleutianAI/AleutianRecall/services/memory/observability"
	"github.com/AleutianAI/AleutianRecall/services/memory/prompt"
	"github.com/AleutianAI/AleutianRecall/services/memory/retrieval"
	"github.com/AleutianAI/AleutianRecall/services/memory/store"
	"github.com/AleutianAI/AleutianRecall/services/memory/vectorindex"
	"github.com/AleutianAI/AleutianRecall/services/memory/window"
)

var engineTracer = otel.Tracer("aleutian.recall.engine")

const indexingTimeout = 30 * time.Second

// Engine runs the end-to-end memory pipeline for chat turns.
//
// # Description
//
// A turn persists the user message, kicks off asynchronous indexing,
// gathers conversation context, key information and historical chunks,
// builds the prompt, calls the generator, and persists the assistant
// reply. Only two failures fail the turn: persisting the user message and
// the generator call. Everything else degrades to a thinner prompt and is
// logged and counted.
//
// # Thread Safety
//
// Safe for concurrent turns, including concurrent turns on one session.
// Parent links stay acyclic because a new message's timestamp strictly
// exceeds every prior timestamp in its session.
type Engine struct {
	msgs       store.MessageStore
	index      vectorindex.Index
	embedder   embedding.Client
	generator  llm.LLMClient
	windows    *window.Manager
	extractor  *extraction.Extractor
	retriever  *retrieval.Retriever
	merger     *retrieval.Merger
	builder    *prompt.Builder
	chunkerCfg chunker.Config
	retrCfg    retrieval.Config
	model      string
	metrics    *observability.MemoryMetrics

	// lastStamp enforces strictly increasing millisecond timestamps per
	// session.
	stampMu   sync.Mutex
	lastStamp map[string]time.Time

	indexing sync.WaitGroup
}

// Options carries the engine's collaborators.
type Options struct {
	Messages   store.MessageStore
	Index      vectorindex.Index
	Embedder   embedding.Client
	Generator  llm.LLMClient
	Windows    *window.Manager
	Extractor  *extraction.Extractor
	Retriever  *retrieval.Retriever
	Merger     *retrieval.Merger
	Builder    *prompt.Builder
	ChunkerCfg chunker.Config
	Retrieval  retrieval.Config
	// Model is recorded in assistant message metadata.
	Model string
}

// New wires an engine from its collaborators.
func New(opts Options) *Engine {
	return &Engine{
		msgs:       opts.Messages,
		index:      opts.Index,
		embedder:   opts.Embedder,
		generator:  opts.Generator,
		windows:    opts.Windows,
		extractor:  opts.Extractor,
		retriever:  opts.Retriever,
		merger:     opts.Merger,
		builder:    opts.Builder,
		chunkerCfg: opts.ChunkerCfg,
		retrCfg:    opts.Retrieval,
		model:      opts.Model,
		metrics:    observability.Default(),
		lastStamp:  make(map[string]time.Time),
	}
}

// HandleUserTurn processes one user message and returns the persisted
// assistant reply.
func (e *Engine) HandleUserTurn(ctx context.Context, text, sessionID string) (*datatypes.Message, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.HandleUserTurn")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	turnStart := time.Now()
	fail := func(err error) (*datatypes.Message, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RecordTurn(observability.OutcomeError, time.Since(turnStart))
		return nil, err
	}

	parentID := e.resolveParent(ctx, sessionID)
	userMsg := &datatypes.Message{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		Role:            datatypes.RoleUser,
		Content:         text,
		Timestamp:       e.stamp(sessionID),
		ParentMessageID: parentID,
	}
	if err := e.msgs.Save(ctx, userMsg); err != nil {
		return fail(fmt.Errorf("failed to persist user message: %w", err))
	}

	e.indexAsync(*userMsg)

	// Snapshot the window before admitting the current message so the
	// prompt's recent-conversation section carries only prior turns; the
	// current message has its own section.
	convCtx := e.windows.GetConversationContext(sessionID)
	e.windows.AddMessage(ctx, sessionID, *userMsg)

	keyInfo := e.extractor.Extract(ctx, *userMsg, sessionID)
	groups := e.retrieveContext(ctx, text, sessionID, userMsg.ID)

	promptText := e.builder.Build(text, convCtx, keyInfo, groups)

	genStart := time.Now()
	answer, err := e.generator.Generate(ctx, promptText, llm.GenerationParams{})
	e.metrics.GeneratorLatency.Observe(time.Since(genStart).Seconds())
	if err != nil {
		return fail(fmt.Errorf("generator call failed: %w", err))
	}

	assistantMsg := &datatypes.Message{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		Role:            datatypes.RoleAssistant,
		Content:         answer,
		Timestamp:       e.stamp(sessionID),
		ParentMessageID: userMsg.ID,
		Metadata: map[string]any{
			"model":          e.model,
			"responseTimeMs": time.Since(turnStart).Milliseconds(),
		},
	}
	if err := e.msgs.Save(ctx, assistantMsg); err != nil {
		// The user message is already durable, which is acceptable as the
		// conversation-initiating record.
		return fail(fmt.Errorf("failed to persist assistant message: %w", err))
	}

	e.indexAsync(*assistantMsg)
	e.windows.AddMessage(ctx, sessionID, *assistantMsg)

	e.metrics.RecordTurn(observability.OutcomeSuccess, time.Since(turnStart))
	return assistantMsg, nil
}

// resolveParent picks the session's newest message id, or "" for a fresh
// session. Ties on timestamp prefer a message that itself has a parent
// (deeper in the chain), then the larger id.
func (e *Engine) resolveParent(ctx context.Context, sessionID string) string {
	messages, err := e.msgs.FindBySessionID(ctx, sessionID)
	if err != nil {
		slog.Warn("failed to load session for parent resolution, starting new chain",
			"session_id", sessionID, "error", err)
		return ""
	}
	if len(messages) == 0 {
		return ""
	}
	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i], messages[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if (a.ParentMessageID != "") != (b.ParentMessageID != "") {
			return a.ParentMessageID != ""
		}
		return a.ID > b.ID
	})
	return messages[0].ID
}

// stamp returns a millisecond-precision timestamp strictly greater than
// any previously issued for the session.
func (e *Engine) stamp(sessionID string) time.Time {
	e.stampMu.Lock()
	defer e.stampMu.Unlock()
	now := time.Now().Truncate(time.Millisecond)
	if last, ok := e.lastStamp[sessionID]; ok && !now.After(last) {
		now = last.Add(time.Millisecond)
	}
	e.lastStamp[sessionID] = now
	return now
}

// indexAsync chunks, embeds and stores one message in the background. The
// task detaches from the turn's cancellation but carries its own timeout.
func (e *Engine) indexAsync(msg datatypes.Message) {
	e.indexing.Add(1)
	go func() {
		defer e.indexing.Done()
		ctx, cancel := context.WithTimeout(context.Background(), indexingTimeout)
		defer cancel()
		if err := e.indexMessage(ctx, msg); err != nil {
			slog.Warn("message indexing failed",
				"session_id", msg.SessionID, "message_id", msg.ID, "error", err)
			e.metrics.RecordIndexing(0, err)
		}
	}()
}

func (e *Engine) indexMessage(ctx context.Context, msg datatypes.Message) error {
	ctx, span := engineTracer.Start(ctx, "Engine.indexMessage")
	defer span.End()
	span.SetAttributes(attribute.String("message_id", msg.ID))

	chunks := chunker.Chunk(msg.Content, e.chunkerCfg)
	if len(chunks) == 0 {
		return nil
	}
	embeddings := make([][]float32, len(chunks))
	for i, c := range chunks {
		start := time.Now()
		vec, err := e.embedder.Embed(ctx, c)
		e.metrics.EmbedderLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("failed to embed chunk %d: %w", i, err)
		}
		embeddings[i] = vec
	}
	if err := e.index.StoreChunksForMessage(ctx, msg.ID, msg.SessionID, chunks, embeddings); err != nil {
		return err
	}
	e.metrics.RecordIndexing(len(chunks), nil)
	return nil
}

// retrieveContext runs retrieval and merging, degrading to nil on any
// failure.
func (e *Engine) retrieveContext(ctx context.Context, text, sessionID, excludeID string) []datatypes.ExpandedChunkGroup {
	groups := e.retriever.Retrieve(ctx, text, sessionID, excludeID, e.retrCfg)
	if len(groups) <= 1 || e.merger == nil {
		return groups
	}
	merged, err := e.merger.Merge(ctx, groups)
	if err != nil {
		slog.Warn("chunk group merge failed, using unmerged groups",
			"session_id", sessionID, "error", err)
		return groups
	}
	return merged
}

// WaitForIndexing blocks until every in-flight indexing task finishes.
// Called on shutdown and by tests that assert on indexed state.
func (e *Engine) WaitForIndexing() {
	e.indexing.Wait()
}

// ClearSession removes a session's messages, chunks and window.
func (e *Engine) ClearSession(ctx context.Context, sessionID string) error {
	if err := e.msgs.DeleteBySessionID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session messages: %w", err)
	}
	if err := e.index.DeleteChunksForSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session chunks: %w", err)
	}
	e.windows.ClearHistory(sessionID)
	return nil
}

// ClearAll removes every message, chunk and window.
func (e *Engine) ClearAll(ctx context.Context) error {
	if err := e.msgs.DeleteAll(ctx); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if err := e.index.DeleteAll(ctx); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	e.windows.ClearAll()
	return nil
}

// Statistics aggregates service-wide state for the statistics endpoint.
func (e *Engine) Statistics(ctx context.Context) (datatypes.ServiceStatistics, error) {
	idx, err := e.index.Statistics(ctx)
	if err != nil {
		return datatypes.ServiceStatistics{}, err
	}
	return datatypes.ServiceStatistics{
		Index:          idx,
		Retrieval:      e.retriever.Metrics(),
		ActiveWindows:  e.windows.ActiveWindows(),
		ExtractionSize: e.extractor.CacheSize(),
	}, nil
}
