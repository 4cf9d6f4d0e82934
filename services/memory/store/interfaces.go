// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the persistence contracts for messages and chunk
// embeddings, with an in-memory implementation for tests and small
// deployments and a Badger-backed implementation for durable storage.
package store

import (
	"context"

	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
)

// =============================================================================
// Store Interfaces
// =============================================================================

// MessageStore persists conversation messages.
//
// # Description
//
// Messages are immutable once saved. Both lookups by id and by session id
// must be better than a full scan. Implementations are safe for concurrent
// use.
//
// # Thread Safety
//
// All methods may be called concurrently.
type MessageStore interface {
	// Save persists a message. Saving an id twice overwrites, which callers
	// never do outside of tests.
	Save(ctx context.Context, msg *datatypes.Message) error

	// FindByID returns the message or (nil, nil) when absent.
	FindByID(ctx context.Context, id string) (*datatypes.Message, error)

	// FindBySessionID returns all messages of a session in ascending
	// timestamp order.
	FindBySessionID(ctx context.Context, sessionID string) ([]datatypes.Message, error)

	// FindAll returns every stored message in no particular order.
	FindAll(ctx context.Context) ([]datatypes.Message, error)

	// DeleteBySessionID removes all messages of a session.
	DeleteBySessionID(ctx context.Context, sessionID string) error

	// DeleteAll removes everything.
	DeleteAll(ctx context.Context) error
}

// ChunkStore persists chunk embeddings.
//
// # Description
//
// Embedding vectors must round-trip bit-exact so cosine scores stay
// reproducible across restarts. SaveAll is atomic: either every chunk of the
// batch is persisted or none is.
//
// # Thread Safety
//
// All methods may be called concurrently.
type ChunkStore interface {
	// SaveAll persists a batch atomically, assigning surrogate ids. The
	// returned slice carries the assigned ids.
	SaveAll(ctx context.Context, chunks []datatypes.ChunkEmbedding) ([]datatypes.ChunkEmbedding, error)

	// FindByMessageID returns a message's chunks in ascending chunk index
	// order.
	FindByMessageID(ctx context.Context, messageID string) ([]datatypes.ChunkEmbedding, error)

	// FindBySessionID returns a session's chunks grouped by message, chunk
	// index ascending within each message.
	FindBySessionID(ctx context.Context, sessionID string) ([]datatypes.ChunkEmbedding, error)

	// FindAll returns every stored chunk.
	FindAll(ctx context.Context) ([]datatypes.ChunkEmbedding, error)

	Count(ctx context.Context) (int, error)
	CountByMessageID(ctx context.Context, messageID string) (int, error)
	CountBySessionID(ctx context.Context, sessionID string) (int, error)

	DeleteByMessageID(ctx context.Context, messageID string) error
	DeleteBySessionID(ctx context.Context, sessionID string) error
	DeleteAll(ctx context.Context) error
}

// Compile-time interface checks live next to each implementation.
