// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/memory/store"
)

var indexTracer = otel.Tracer("aleutian.recall.vectorindex")

// =============================================================================
// Errors
// =============================================================================

// IndexingError reports a batch that could not be indexed, typically a
// chunk/embedding count mismatch or inconsistent dimensions.
type IndexingError struct {
	MessageID string
	Reason    string
}

func (e *IndexingError) Error() string {
	return fmt.Sprintf("indexing failed for message %s: %s", e.MessageID, e.Reason)
}

// IsIndexingError reports whether err is an IndexingError.
func IsIndexingError(err error) bool {
	var ie *IndexingError
	return errors.As(err, &ie)
}

// =============================================================================
// Index Interface
// =============================================================================

// Index is the similarity-search surface over chunk embeddings.
//
// # Description
//
// Searches are session-scoped when sessionID is non-empty, global
// otherwise. Results come back ordered by descending cosine similarity with
// stable ties (insertion order). Chunks whose stored vector is missing or
// wrong-dimensional are skipped, never errors.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type Index interface {
	// StoreChunksForMessage atomically indexes every chunk of one message.
	// len(chunkTexts) must equal len(embeddings) and all embeddings must
	// share one dimension, else an IndexingError is returned and nothing is
	// written.
	StoreChunksForMessage(ctx context.Context, messageID, sessionID string,
		chunkTexts []string, embeddings [][]float32) error

	GetChunksForMessage(ctx context.Context, messageID string) ([]datatypes.ChunkEmbedding, error)
	GetChunksForSession(ctx context.Context, sessionID string) ([]datatypes.ChunkEmbedding, error)

	// FindSimilar returns up to limit chunks ordered by descending cosine
	// similarity to query. Empty sessionID searches globally.
	FindSimilar(ctx context.Context, query []float32, sessionID string, limit int) ([]datatypes.ChunkEmbedding, error)

	// FindSimilarWithinThreshold returns every chunk whose similarity is at
	// least threshold, ordered by descending similarity.
	FindSimilarWithinThreshold(ctx context.Context, query []float32, sessionID string,
		threshold float64) ([]datatypes.ChunkEmbedding, error)

	DeleteChunksForMessage(ctx context.Context, messageID string) error
	DeleteChunksForSession(ctx context.Context, sessionID string) error
	DeleteAll(ctx context.Context) error

	Statistics(ctx context.Context) (datatypes.IndexStatistics, error)
}

// =============================================================================
// Store-Backed Index
// =============================================================================

// StoreIndex computes similarities by scanning the chunk store.
//
// # Description
//
// The straightforward backend: chunks live in the ChunkStore (memory or
// Badger) and every search loads the candidate set and scores it in
// process. Fine up to tens of thousands of chunks; beyond that the Weaviate
// backend should be used.
//
// The first successfully indexed embedding fixes the canonical dimension;
// later batches with a different dimension are rejected.
type StoreIndex struct {
	chunks store.ChunkStore

	mu  sync.Mutex
	dim int
}

var _ Index = (*StoreIndex)(nil)

// NewStoreIndex wraps a chunk store in an Index.
func NewStoreIndex(chunks store.ChunkStore) *StoreIndex {
	return &StoreIndex{chunks: chunks}
}

func (ix *StoreIndex) StoreChunksForMessage(ctx context.Context, messageID, sessionID string,
	chunkTexts []string, embeddings [][]float32) error {

	ctx, span := indexTracer.Start(ctx, "StoreIndex.StoreChunksForMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("message_id", messageID),
		attribute.Int("chunk_count", len(chunkTexts)),
	)

	if len(chunkTexts) != len(embeddings) {
		return &IndexingError{MessageID: messageID, Reason: fmt.Sprintf(
			"chunk/embedding count mismatch: %d texts, %d embeddings",
			len(chunkTexts), len(embeddings))}
	}
	if len(chunkTexts) == 0 {
		return nil
	}

	dim := len(embeddings[0])
	for i, e := range embeddings {
		if len(e) != dim {
			return &IndexingError{MessageID: messageID, Reason: fmt.Sprintf(
				"embedding %d has dimension %d, expected %d", i, len(e), dim)}
		}
	}
	if dim > 0 {
		ix.mu.Lock()
		if ix.dim == 0 {
			ix.dim = dim
		} else if ix.dim != dim {
			ix.mu.Unlock()
			return &IndexingError{MessageID: messageID, Reason: fmt.Sprintf(
				"embedding dimension %d differs from index dimension %d", dim, ix.dim)}
		}
		ix.mu.Unlock()
	}

	now := time.Now()
	batch := make([]datatypes.ChunkEmbedding, len(chunkTexts))
	for i, text := range chunkTexts {
		batch[i] = datatypes.ChunkEmbedding{
			MessageID:  messageID,
			SessionID:  sessionID,
			ChunkIndex: i,
			ChunkText:  text,
			Embedding:  embeddings[i],
			CreatedAt:  now,
		}
	}
	if _, err := ix.chunks.SaveAll(ctx, batch); err != nil {
		return fmt.Errorf("failed to persist chunk batch for message %s: %w", messageID, err)
	}
	return nil
}

func (ix *StoreIndex) GetChunksForMessage(ctx context.Context, messageID string) ([]datatypes.ChunkEmbedding, error) {
	return ix.chunks.FindByMessageID(ctx, messageID)
}

func (ix *StoreIndex) GetChunksForSession(ctx context.Context, sessionID string) ([]datatypes.ChunkEmbedding, error) {
	return ix.chunks.FindBySessionID(ctx, sessionID)
}

func (ix *StoreIndex) FindSimilar(ctx context.Context, query []float32, sessionID string,
	limit int) ([]datatypes.ChunkEmbedding, error) {

	ctx, span := indexTracer.Start(ctx, "StoreIndex.FindSimilar")
	defer span.End()

	scored, err := ix.score(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return unwrap(scored), nil
}

func (ix *StoreIndex) FindSimilarWithinThreshold(ctx context.Context, query []float32,
	sessionID string, threshold float64) ([]datatypes.ChunkEmbedding, error) {

	ctx, span := indexTracer.Start(ctx, "StoreIndex.FindSimilarWithinThreshold")
	defer span.End()

	scored, err := ix.score(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	cut := len(scored)
	for i, s := range scored {
		if s.score < threshold {
			cut = i
			break
		}
	}
	return unwrap(scored[:cut]), nil
}

func (ix *StoreIndex) DeleteChunksForMessage(ctx context.Context, messageID string) error {
	return ix.chunks.DeleteByMessageID(ctx, messageID)
}

func (ix *StoreIndex) DeleteChunksForSession(ctx context.Context, sessionID string) error {
	return ix.chunks.DeleteBySessionID(ctx, sessionID)
}

func (ix *StoreIndex) DeleteAll(ctx context.Context) error {
	if err := ix.chunks.DeleteAll(ctx); err != nil {
		return err
	}
	ix.mu.Lock()
	ix.dim = 0
	ix.mu.Unlock()
	return nil
}

func (ix *StoreIndex) Statistics(ctx context.Context) (datatypes.IndexStatistics, error) {
	all, err := ix.chunks.FindAll(ctx)
	if err != nil {
		return datatypes.IndexStatistics{}, err
	}
	messages := make(map[string]struct{})
	sessions := make(map[string]struct{})
	for _, c := range all {
		messages[c.MessageID] = struct{}{}
		sessions[c.SessionID] = struct{}{}
	}
	return datatypes.IndexStatistics{
		TotalChunks:    len(all),
		UniqueMessages: len(messages),
		UniqueSessions: len(sessions),
	}, nil
}

// scoredChunk pairs a chunk with its similarity for sorting.
type scoredChunk struct {
	chunk datatypes.ChunkEmbedding
	score float64
	order int
}

// score loads the candidate set, drops unusable vectors, and returns the
// rest sorted by descending similarity with insertion-order ties.
func (ix *StoreIndex) score(ctx context.Context, query []float32, sessionID string) ([]scoredChunk, error) {
	var (
		candidates []datatypes.ChunkEmbedding
		err        error
	)
	if sessionID != "" {
		candidates, err = ix.chunks.FindBySessionID(ctx, sessionID)
	} else {
		candidates, err = ix.chunks.FindAll(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load similarity candidates: %w", err)
	}

	scored := make([]scoredChunk, 0, len(candidates))
	skipped := 0
	for i, c := range candidates {
		if !c.HasEmbedding(len(query)) {
			skipped++
			continue
		}
		scored = append(scored, scoredChunk{chunk: c, score: CosineSimilarity(query, c.Embedding), order: i})
	}
	if skipped > 0 {
		slog.Debug("skipped chunks without usable embeddings",
			"session_id", sessionID, "skipped", skipped)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].order < scored[j].order
	})
	return scored, nil
}

func unwrap(scored []scoredChunk) []datatypes.ChunkEmbedding {
	out := make([]datatypes.ChunkEmbedding, len(scored))
	for i, s := range scored {
		out[i] = s.chunk
	}
	return out
}
