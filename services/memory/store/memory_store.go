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
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
)

// =============================================================================
// In-Memory Message Store
// =============================================================================

// MemoryMessageStore keeps messages in process memory with secondary
// indexes by session. Used by tests and by deployments that accept losing
// history on restart.
type MemoryMessageStore struct {
	mu        sync.RWMutex
	byID      map[string]*datatypes.Message
	bySession map[string][]string
}

var _ MessageStore = (*MemoryMessageStore)(nil)

// NewMemoryMessageStore returns an empty in-memory message store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		byID:      make(map[string]*datatypes.Message),
		bySession: make(map[string][]string),
	}
}

func (s *MemoryMessageStore) Save(_ context.Context, msg *datatypes.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[msg.ID]; !exists {
		s.bySession[msg.SessionID] = append(s.bySession[msg.SessionID], msg.ID)
	}
	s.byID[msg.ID] = msg.Clone()
	return nil
}

func (s *MemoryMessageStore) FindByID(_ context.Context, id string) (*datatypes.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return msg.Clone(), nil
}

func (s *MemoryMessageStore) FindBySessionID(_ context.Context, sessionID string) ([]datatypes.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySession[sessionID]
	out := make([]datatypes.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := s.byID[id]; ok {
			out = append(out, *msg.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemoryMessageStore) FindAll(_ context.Context) ([]datatypes.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]datatypes.Message, 0, len(s.byID))
	for _, msg := range s.byID {
		out = append(out, *msg.Clone())
	}
	return out, nil
}

func (s *MemoryMessageStore) DeleteBySessionID(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.bySession[sessionID] {
		delete(s.byID, id)
	}
	delete(s.bySession, sessionID)
	return nil
}

func (s *MemoryMessageStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*datatypes.Message)
	s.bySession = make(map[string][]string)
	return nil
}

// =============================================================================
// In-Memory Chunk Store
// =============================================================================

// MemoryChunkStore keeps chunk embeddings in process memory with secondary
// indexes by message and session.
type MemoryChunkStore struct {
	mu        sync.RWMutex
	nextID    int64
	byID      map[int64]datatypes.ChunkEmbedding
	byMessage map[string][]int64
	bySession map[string][]int64
}

var _ ChunkStore = (*MemoryChunkStore)(nil)

// NewMemoryChunkStore returns an empty in-memory chunk store.
func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{
		nextID:    1,
		byID:      make(map[int64]datatypes.ChunkEmbedding),
		byMessage: make(map[string][]int64),
		bySession: make(map[string][]int64),
	}
}

func (s *MemoryChunkStore) SaveAll(_ context.Context, chunks []datatypes.ChunkEmbedding) ([]datatypes.ChunkEmbedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]datatypes.ChunkEmbedding, len(chunks))
	for i, c := range chunks {
		c.ID = s.nextID
		s.nextID++
		c.Embedding = append([]float32(nil), c.Embedding...)
		s.byID[c.ID] = c
		s.byMessage[c.MessageID] = append(s.byMessage[c.MessageID], c.ID)
		s.bySession[c.SessionID] = append(s.bySession[c.SessionID], c.ID)
		out[i] = c
	}
	return out, nil
}

func (s *MemoryChunkStore) collect(ids []int64) []datatypes.ChunkEmbedding {
	out := make([]datatypes.ChunkEmbedding, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.byID[id]; ok {
			c.Embedding = append([]float32(nil), c.Embedding...)
			out = append(out, c)
		}
	}
	return out
}

func (s *MemoryChunkStore) FindByMessageID(_ context.Context, messageID string) ([]datatypes.ChunkEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.collect(s.byMessage[messageID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (s *MemoryChunkStore) FindBySessionID(_ context.Context, sessionID string) ([]datatypes.ChunkEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.collect(s.bySession[sessionID])
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MessageID != out[j].MessageID {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	return out, nil
}

func (s *MemoryChunkStore) FindAll(_ context.Context) ([]datatypes.ChunkEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]datatypes.ChunkEmbedding, 0, len(s.byID))
	for _, c := range s.byID {
		c.Embedding = append([]float32(nil), c.Embedding...)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryChunkStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID), nil
}

func (s *MemoryChunkStore) CountByMessageID(_ context.Context, messageID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byMessage[messageID]), nil
}

func (s *MemoryChunkStore) CountBySessionID(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySession[sessionID]), nil
}

func (s *MemoryChunkStore) DeleteByMessageID(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byMessage[messageID] {
		c, ok := s.byID[id]
		if !ok {
			continue
		}
		s.bySession[c.SessionID] = removeID(s.bySession[c.SessionID], id)
		delete(s.byID, id)
	}
	delete(s.byMessage, messageID)
	return nil
}

func (s *MemoryChunkStore) DeleteBySessionID(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.bySession[sessionID] {
		c, ok := s.byID[id]
		if !ok {
			continue
		}
		s.byMessage[c.MessageID] = removeID(s.byMessage[c.MessageID], id)
		if len(s.byMessage[c.MessageID]) == 0 {
			delete(s.byMessage, c.MessageID)
		}
		delete(s.byID, id)
	}
	delete(s.bySession, sessionID)
	return nil
}

func (s *MemoryChunkStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[int64]datatypes.ChunkEmbedding)
	s.byMessage = make(map[string][]int64)
	s.bySession = make(map[string][]int64)
	return nil
}

func removeID(ids []int64, target int64) []int64 {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
