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
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
)

var weaviateTracer = otel.Tracer("aleutian.recall.vectorindex.weaviate")

const (
	chunkClassName = "MemoryChunk"

	// statisticsScanLimit caps how many objects the statistics query pulls
	// for unique-count computation. Past this the counts are lower bounds.
	statisticsScanLimit = 10000
)

// =============================================================================
// Weaviate-Backed Index
// =============================================================================

// WeaviateIndex implements Index on a Weaviate class with externally
// supplied vectors.
//
// # Description
//
// Each chunk becomes one object of class MemoryChunk with vectorizer
// "none"; similarity search runs server-side through nearVector. Weaviate
// reports certainty = (1+cosine)/2, which is converted back where a cosine
// threshold is required.
//
// # Limitations
//
// Statistics scans at most statisticsScanLimit objects, so unique counts
// are lower bounds on very large indexes. Insertion-order tie-breaking is
// delegated to Weaviate's ordering.
type WeaviateIndex struct {
	client *weaviate.Client
}

var _ Index = (*WeaviateIndex)(nil)

// NewWeaviateIndex wraps a connected client and ensures the MemoryChunk
// class exists.
func NewWeaviateIndex(ctx context.Context, client *weaviate.Client) (*WeaviateIndex, error) {
	ix := &WeaviateIndex{client: client}
	if err := ix.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return ix, nil
}

func (ix *WeaviateIndex) ensureSchema(ctx context.Context) error {
	exists, err := ix.client.Schema().ClassExistenceChecker().
		WithClassName(chunkClassName).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to check for class %s: %w", chunkClassName, err)
	}
	if exists {
		return nil
	}
	class := &models.Class{
		Class:       chunkClassName,
		Description: "One embedded chunk of a conversation message",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "message_id", DataType: []string{"text"}},
			{Name: "session_id", DataType: []string{"text"}},
			{Name: "chunk_index", DataType: []string{"int"}},
			{Name: "chunk_text", DataType: []string{"text"}},
			{Name: "created_at", DataType: []string{"int"}},
		},
	}
	if err := ix.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create class %s: %w", chunkClassName, err)
	}
	slog.Info("created weaviate class", "class", chunkClassName)
	return nil
}

func (ix *WeaviateIndex) StoreChunksForMessage(ctx context.Context, messageID, sessionID string,
	chunkTexts []string, embeddings [][]float32) error {

	ctx, span := weaviateTracer.Start(ctx, "WeaviateIndex.StoreChunksForMessage")
	defer span.End()

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

	now := time.Now().UnixMilli()
	objects := make([]*models.Object, len(chunkTexts))
	for i, text := range chunkTexts {
		objects[i] = &models.Object{
			Class: chunkClassName,
			Properties: map[string]any{
				"message_id":  messageID,
				"session_id":  sessionID,
				"chunk_index": i,
				"chunk_text":  text,
				"created_at":  now,
			},
			Vector: embeddings[i],
		}
	}
	resp, err := ix.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to batch-insert chunks for message %s: %w", messageID, err)
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("weaviate rejected a chunk of message %s: %s",
				messageID, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

func (ix *WeaviateIndex) GetChunksForMessage(ctx context.Context, messageID string) ([]datatypes.ChunkEmbedding, error) {
	where := filters.Where().
		WithPath([]string{"message_id"}).
		WithOperator(filters.Equal).
		WithValueString(messageID)
	return ix.query(ctx, where, nil, 0)
}

func (ix *WeaviateIndex) GetChunksForSession(ctx context.Context, sessionID string) ([]datatypes.ChunkEmbedding, error) {
	where := filters.Where().
		WithPath([]string{"session_id"}).
		WithOperator(filters.Equal).
		WithValueString(sessionID)
	return ix.query(ctx, where, nil, 0)
}

func (ix *WeaviateIndex) FindSimilar(ctx context.Context, query []float32, sessionID string,
	limit int) ([]datatypes.ChunkEmbedding, error) {

	ctx, span := weaviateTracer.Start(ctx, "WeaviateIndex.FindSimilar")
	defer span.End()

	near := ix.client.GraphQL().NearVectorArgBuilder().WithVector(query)
	var where *filters.WhereBuilder
	if sessionID != "" {
		where = filters.Where().
			WithPath([]string{"session_id"}).
			WithOperator(filters.Equal).
			WithValueString(sessionID)
	}
	return ix.queryNear(ctx, near, where, limit)
}

func (ix *WeaviateIndex) FindSimilarWithinThreshold(ctx context.Context, query []float32,
	sessionID string, threshold float64) ([]datatypes.ChunkEmbedding, error) {

	ctx, span := weaviateTracer.Start(ctx, "WeaviateIndex.FindSimilarWithinThreshold")
	defer span.End()

	// Weaviate certainty = (1 + cosine) / 2.
	certainty := float32((threshold + 1) / 2)
	near := ix.client.GraphQL().NearVectorArgBuilder().
		WithVector(query).
		WithCertainty(certainty)
	var where *filters.WhereBuilder
	if sessionID != "" {
		where = filters.Where().
			WithPath([]string{"session_id"}).
			WithOperator(filters.Equal).
			WithValueString(sessionID)
	}
	return ix.queryNear(ctx, near, where, statisticsScanLimit)
}

func (ix *WeaviateIndex) DeleteChunksForMessage(ctx context.Context, messageID string) error {
	return ix.deleteWhere(ctx, "message_id", messageID)
}

func (ix *WeaviateIndex) DeleteChunksForSession(ctx context.Context, sessionID string) error {
	return ix.deleteWhere(ctx, "session_id", sessionID)
}

// DeleteAll drops and recreates the class, which is cheaper than batch
// deleting every object.
func (ix *WeaviateIndex) DeleteAll(ctx context.Context) error {
	if err := ix.client.Schema().ClassDeleter().WithClassName(chunkClassName).Do(ctx); err != nil {
		return fmt.Errorf("failed to drop class %s: %w", chunkClassName, err)
	}
	return ix.ensureSchema(ctx)
}

func (ix *WeaviateIndex) deleteWhere(ctx context.Context, field, value string) error {
	where := filters.Where().
		WithPath([]string{field}).
		WithOperator(filters.Equal).
		WithValueString(value)
	_, err := ix.client.Batch().ObjectsBatchDeleter().
		WithClassName(chunkClassName).
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete chunks where %s=%s: %w", field, value, err)
	}
	return nil
}

func (ix *WeaviateIndex) Statistics(ctx context.Context) (datatypes.IndexStatistics, error) {
	chunks, err := ix.query(ctx, nil, nil, statisticsScanLimit)
	if err != nil {
		return datatypes.IndexStatistics{}, err
	}
	messages := make(map[string]struct{})
	sessions := make(map[string]struct{})
	for _, c := range chunks {
		messages[c.MessageID] = struct{}{}
		sessions[c.SessionID] = struct{}{}
	}
	return datatypes.IndexStatistics{
		TotalChunks:    len(chunks),
		UniqueMessages: len(messages),
		UniqueSessions: len(sessions),
	}, nil
}

// ===== Query plumbing =====

// chunkRecord mirrors the GraphQL field selection.
type chunkRecord struct {
	MessageID  string `json:"message_id"`
	SessionID  string `json:"session_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkText  string `json:"chunk_text"`
	CreatedAt  int64  `json:"created_at"`
}

func chunkFields() []graphql.Field {
	return []graphql.Field{
		{Name: "message_id"},
		{Name: "session_id"},
		{Name: "chunk_index"},
		{Name: "chunk_text"},
		{Name: "created_at"},
	}
}

func (ix *WeaviateIndex) query(ctx context.Context, where *filters.WhereBuilder,
	near *graphql.NearVectorArgumentBuilder, limit int) ([]datatypes.ChunkEmbedding, error) {

	q := ix.client.GraphQL().Get().
		WithClassName(chunkClassName).
		WithFields(chunkFields()...)
	if where != nil {
		q = q.WithWhere(where)
	}
	if near != nil {
		q = q.WithNearVector(near)
	}
	if limit > 0 {
		q = q.WithLimit(limit)
	}
	resp, err := q.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate query failed: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("weaviate query returned an error: %s", resp.Errors[0].Message)
	}
	return decodeChunks(resp.Data)
}

func (ix *WeaviateIndex) queryNear(ctx context.Context, near *graphql.NearVectorArgumentBuilder,
	where *filters.WhereBuilder, limit int) ([]datatypes.ChunkEmbedding, error) {
	return ix.query(ctx, where, near, limit)
}

// decodeChunks walks Data.Get.MemoryChunk through a JSON round trip, the
// same trick the client itself uses for its untyped response maps.
func decodeChunks(data map[string]models.JSONObject) ([]datatypes.ChunkEmbedding, error) {
	get, ok := data["Get"]
	if !ok {
		return nil, nil
	}
	raw, err := json.Marshal(get)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode weaviate response: %w", err)
	}
	var parsed struct {
		MemoryChunk []chunkRecord `json:"MemoryChunk"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse weaviate response: %w", err)
	}
	out := make([]datatypes.ChunkEmbedding, len(parsed.MemoryChunk))
	for i, r := range parsed.MemoryChunk {
		out[i] = datatypes.ChunkEmbedding{
			ID:         chunkSurrogateID(r.MessageID, r.ChunkIndex),
			MessageID:  r.MessageID,
			SessionID:  r.SessionID,
			ChunkIndex: r.ChunkIndex,
			ChunkText:  r.ChunkText,
			CreatedAt:  time.UnixMilli(r.CreatedAt),
		}
	}
	return out, nil
}

// chunkSurrogateID derives a stable numeric id from (message, index) since
// Weaviate objects carry UUIDs, not sequence numbers.
func chunkSurrogateID(messageID string, idx int) int64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s/%d", messageID, idx)
	return int64(h.Sum64() & 0x7fffffffffffffff)
}
