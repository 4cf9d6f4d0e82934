// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
)

// Key layout. Ids are UUIDs and session ids are caller-supplied tokens
// without '/', so '/' is a safe separator.
//
//	msg/<id>                         message record (JSON)
//	msgsess/<session>/<ts>/<id>      session index, ts zero-padded millis
//	chunk/<messageID>/<idx>          chunk record (JSON, raw vector bytes)
//	chunksess/<session>/<msg>/<idx>  session index pointing at the chunk key
const (
	msgPrefix       = "msg/"
	msgSessPrefix   = "msgsess/"
	chunkPrefix     = "chunk/"
	chunkSessPrefix = "chunksess/"
	chunkSeqKey     = "seq/chunk"
)

// =============================================================================
// Badger Database Handle
// =============================================================================

// BadgerStore owns one Badger database holding both messages and chunk
// embeddings.
//
// # Description
//
// Messages and chunks share one DB so a session clear is a handful of prefix
// scans. Secondary indexes are written in the same transaction as the
// primary record, so readers never observe a dangling index entry. Embedding
// vectors are stored as raw little-endian float32 bytes and round-trip
// bit-exact. The MessageStore and ChunkStore views are obtained through
// Messages() and Chunks().
//
// # Thread Safety
//
// Badger transactions provide isolation; the chunk id sequence is
// serialized by Badger internally.
type BadgerStore struct {
	db       *badger.DB
	chunkSeq *badger.Sequence
}

// OpenBadgerStore opens (or creates) a Badger database at path. An empty
// path opens an in-memory database, which tests use.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store at %q: %w", path, err)
	}
	seq, err := db.GetSequence([]byte(chunkSeqKey), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open chunk id sequence: %w", err)
	}
	return &BadgerStore{db: db, chunkSeq: seq}, nil
}

// Messages returns the MessageStore view of the database.
func (s *BadgerStore) Messages() *BadgerMessageStore {
	return &BadgerMessageStore{s: s}
}

// Chunks returns the ChunkStore view of the database.
func (s *BadgerStore) Chunks() *BadgerChunkStore {
	return &BadgerChunkStore{s: s}
}

// Close releases the id sequence and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.chunkSeq.Release(); err != nil {
		slog.Warn("failed to release chunk id sequence", "error", err)
	}
	return s.db.Close()
}

// =============================================================================
// Message View
// =============================================================================

// BadgerMessageStore is the MessageStore view of a BadgerStore.
type BadgerMessageStore struct {
	s *BadgerStore
}

var _ MessageStore = (*BadgerMessageStore)(nil)

func (m *BadgerMessageStore) Save(_ context.Context, msg *datatypes.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}
	return m.s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(msg.ID), payload); err != nil {
			return err
		}
		return txn.Set(msgSessKey(msg.SessionID, msg.Timestamp, msg.ID), []byte(msg.ID))
	})
}

func (m *BadgerMessageStore) FindByID(_ context.Context, id string) (*datatypes.Message, error) {
	var msg *datatypes.Message
	err := m.s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var rec datatypes.Message
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("corrupt message record %s: %w", id, err)
			}
			msg = &rec
			return nil
		})
	})
	return msg, err
}

func (m *BadgerMessageStore) FindBySessionID(_ context.Context, sessionID string) ([]datatypes.Message, error) {
	var out []datatypes.Message
	err := m.s.db.View(func(txn *badger.Txn) error {
		ids, err := scanIndexValues(txn, []byte(msgSessPrefix+sessionID+"/"))
		if err != nil {
			return err
		}
		for _, id := range ids {
			item, err := txn.Get(msgKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				var rec datatypes.Message
				if err := json.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("corrupt message record %s: %w", id, err)
				}
				out = append(out, rec)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Index keys are ordered by zero-padded timestamp already; keep the
	// sort as a guard against clock-skewed writes.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *BadgerMessageStore) FindAll(_ context.Context) ([]datatypes.Message, error) {
	var out []datatypes.Message
	err := m.s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIterOpts([]byte(msgPrefix)))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				var rec datatypes.Message
				if err := json.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("corrupt message record: %w", err)
				}
				out = append(out, rec)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (m *BadgerMessageStore) DeleteBySessionID(ctx context.Context, sessionID string) error {
	msgs, err := m.FindBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	return m.s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range msgs {
			if err := txn.Delete(msgKey(rec.ID)); err != nil {
				return err
			}
			if err := txn.Delete(msgSessKey(rec.SessionID, rec.Timestamp, rec.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *BadgerMessageStore) DeleteAll(_ context.Context) error {
	return m.s.db.DropPrefix([]byte(msgPrefix), []byte(msgSessPrefix))
}

// =============================================================================
// Chunk View
// =============================================================================

// BadgerChunkStore is the ChunkStore view of a BadgerStore.
type BadgerChunkStore struct {
	s *BadgerStore
}

var _ ChunkStore = (*BadgerChunkStore)(nil)

func (c *BadgerChunkStore) SaveAll(_ context.Context, chunks []datatypes.ChunkEmbedding) ([]datatypes.ChunkEmbedding, error) {
	out := make([]datatypes.ChunkEmbedding, len(chunks))
	for i, rec := range chunks {
		id, err := c.s.chunkSeq.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to allocate chunk id: %w", err)
		}
		rec.ID = int64(id) + 1
		out[i] = rec
	}
	err := c.s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range out {
			payload, err := json.Marshal(newBadgerChunk(rec))
			if err != nil {
				return fmt.Errorf("failed to encode chunk %d of message %s: %w",
					rec.ChunkIndex, rec.MessageID, err)
			}
			key := chunkKey(rec.MessageID, rec.ChunkIndex)
			if err := txn.Set(key, payload); err != nil {
				return err
			}
			if err := txn.Set(chunkSessKey(rec.SessionID, rec.MessageID, rec.ChunkIndex), key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BadgerChunkStore) FindByMessageID(_ context.Context, messageID string) ([]datatypes.ChunkEmbedding, error) {
	var out []datatypes.ChunkEmbedding
	err := c.s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIterOpts([]byte(chunkPrefix + messageID + "/")))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				rec, err := decodeBadgerChunk(val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (c *BadgerChunkStore) FindBySessionID(_ context.Context, sessionID string) ([]datatypes.ChunkEmbedding, error) {
	var out []datatypes.ChunkEmbedding
	err := c.s.db.View(func(txn *badger.Txn) error {
		keys, err := scanIndexValues(txn, []byte(chunkSessPrefix+sessionID+"/"))
		if err != nil {
			return err
		}
		for _, key := range keys {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				rec, err := decodeBadgerChunk(val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (c *BadgerChunkStore) FindAll(_ context.Context) ([]datatypes.ChunkEmbedding, error) {
	var out []datatypes.ChunkEmbedding
	err := c.s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIterOpts([]byte(chunkPrefix)))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				rec, err := decodeBadgerChunk(val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (c *BadgerChunkStore) Count(_ context.Context) (int, error) {
	return c.countPrefix([]byte(chunkPrefix))
}

func (c *BadgerChunkStore) CountByMessageID(_ context.Context, messageID string) (int, error) {
	return c.countPrefix([]byte(chunkPrefix + messageID + "/"))
}

func (c *BadgerChunkStore) CountBySessionID(_ context.Context, sessionID string) (int, error) {
	return c.countPrefix([]byte(chunkSessPrefix + sessionID + "/"))
}

func (c *BadgerChunkStore) DeleteByMessageID(ctx context.Context, messageID string) error {
	chunks, err := c.FindByMessageID(ctx, messageID)
	if err != nil {
		return err
	}
	return c.s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range chunks {
			if err := txn.Delete(chunkKey(rec.MessageID, rec.ChunkIndex)); err != nil {
				return err
			}
			if err := txn.Delete(chunkSessKey(rec.SessionID, rec.MessageID, rec.ChunkIndex)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *BadgerChunkStore) DeleteBySessionID(ctx context.Context, sessionID string) error {
	chunks, err := c.FindBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	return c.s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range chunks {
			if err := txn.Delete(chunkKey(rec.MessageID, rec.ChunkIndex)); err != nil {
				return err
			}
			if err := txn.Delete(chunkSessKey(rec.SessionID, rec.MessageID, rec.ChunkIndex)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *BadgerChunkStore) DeleteAll(_ context.Context) error {
	return c.s.db.DropPrefix([]byte(chunkPrefix), []byte(chunkSessPrefix))
}

func (c *BadgerChunkStore) countPrefix(prefix []byte) (int, error) {
	count := 0
	err := c.s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIterOpts(prefix))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// =============================================================================
// Helpers
// =============================================================================

func scanIndexValues(txn *badger.Txn, prefix []byte) ([]string, error) {
	var out []string
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(func(val []byte) error {
			out = append(out, string(val))
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func prefixIterOpts(prefix []byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	return opts
}

func msgKey(id string) []byte {
	return []byte(msgPrefix + id)
}

func msgSessKey(sessionID string, ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", msgSessPrefix, sessionID, ts.UnixMilli(), id))
}

func chunkKey(messageID string, idx int) []byte {
	return []byte(fmt.Sprintf("%s%s/%06d", chunkPrefix, messageID, idx))
}

func chunkSessKey(sessionID, messageID string, idx int) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%06d", chunkSessPrefix, sessionID, messageID, idx))
}

// badgerChunk is the stored form of a ChunkEmbedding. The vector travels as
// raw little-endian float32 bytes so scores are reproducible bit for bit;
// JSON float formatting would not guarantee that.
type badgerChunk struct {
	ID         int64  `json:"id"`
	MessageID  string `json:"message_id"`
	SessionID  string `json:"session_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkText  string `json:"chunk_text"`
	Vector     []byte `json:"vector,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

func newBadgerChunk(c datatypes.ChunkEmbedding) badgerChunk {
	return badgerChunk{
		ID:         c.ID,
		MessageID:  c.MessageID,
		SessionID:  c.SessionID,
		ChunkIndex: c.ChunkIndex,
		ChunkText:  c.ChunkText,
		Vector:     encodeVector(c.Embedding),
		CreatedAt:  c.CreatedAt.UnixMilli(),
	}
}

func decodeBadgerChunk(val []byte) (datatypes.ChunkEmbedding, error) {
	var bc badgerChunk
	if err := json.Unmarshal(val, &bc); err != nil {
		return datatypes.ChunkEmbedding{}, fmt.Errorf("corrupt chunk record: %w", err)
	}
	return datatypes.ChunkEmbedding{
		ID:         bc.ID,
		MessageID:  bc.MessageID,
		SessionID:  bc.SessionID,
		ChunkIndex: bc.ChunkIndex,
		ChunkText:  bc.ChunkText,
		Embedding:  decodeVector(bc.Vector),
		CreatedAt:  time.UnixMilli(bc.CreatedAt),
	}, nil
}

func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	out := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(raw []byte) []float32 {
	if len(raw) < 4 {
		return nil
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
