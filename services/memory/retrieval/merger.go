// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/memory/store"
)

// =============================================================================
// Group Merger
// =============================================================================

const (
	// mergeIntervalTolerance is how close two source messages must be in
	// time before textual overlap is even considered.
	mergeIntervalTolerance = time.Second
	// mergeJaccardThreshold is the token overlap above which two groups
	// from different messages are considered duplicates.
	mergeJaccardThreshold = 0.3
)

// Merger collapses expanded chunk groups that cover the same conversational
// ground.
//
// # Description
//
// Two groups overlap when they come from the same message, or when their
// source messages are within one second of each other and their combined
// texts share more than 30% of their tokens (Jaccard). Overlap is treated
// as a graph and connected components are merged, so a chain A~B, B~C
// merges all three even if A and C do not overlap directly.
type Merger struct {
	msgs store.MessageStore
}

// NewMerger wires a merger over the given message store, which provides
// the source-message timestamps.
func NewMerger(msgs store.MessageStore) *Merger {
	return &Merger{msgs: msgs}
}

// Merge returns the deduplicated groups, ordered by the earliest source
// message timestamp. Groups whose source message cannot be found keep a
// zero timestamp and sort first.
func (m *Merger) Merge(ctx context.Context, groups []datatypes.ExpandedChunkGroup) ([]datatypes.ExpandedChunkGroup, error) {
	if len(groups) <= 1 {
		return groups, nil
	}

	ts := make([]time.Time, len(groups))
	for i, g := range groups {
		msg, err := m.msgs.FindByID(ctx, g.MessageID)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			ts[i] = msg.Timestamp
		}
	}

	// Union-find over the overlap graph.
	parent := make([]int, len(groups))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < len(groups); i++ {
		for j := i + 1; j < len(groups); j++ {
			if groupsOverlap(groups[i], groups[j], ts[i], ts[j]) {
				union(i, j)
			}
		}
	}

	// Collect components in first-seen order.
	components := make(map[int][]int)
	var roots []int
	for i := range groups {
		r := find(i)
		if _, seen := components[r]; !seen {
			roots = append(roots, r)
		}
		components[r] = append(components[r], i)
	}

	type mergedGroup struct {
		group datatypes.ExpandedChunkGroup
		ts    time.Time
	}
	merged := make([]mergedGroup, 0, len(roots))
	for _, r := range roots {
		members := components[r]
		// The earliest member contributes the message id and timestamp.
		earliest := members[0]
		for _, idx := range members[1:] {
			if ts[idx].Before(ts[earliest]) {
				earliest = idx
			}
		}
		merged = append(merged, mergedGroup{
			group: datatypes.ExpandedChunkGroup{
				MessageID: groups[earliest].MessageID,
				Chunks:    unionChunks(groups, members),
			},
			ts: ts[earliest],
		})
	}

	sort.SliceStable(merged, func(a, b int) bool {
		return merged[a].ts.Before(merged[b].ts)
	})
	out := make([]datatypes.ExpandedChunkGroup, len(merged))
	for i, mg := range merged {
		out[i] = mg.group
	}
	return out, nil
}

// groupsOverlap reports whether two groups describe the same ground.
func groupsOverlap(a, b datatypes.ExpandedChunkGroup, tsA, tsB time.Time) bool {
	if a.MessageID == b.MessageID {
		return true
	}
	diff := tsA.Sub(tsB)
	if diff < 0 {
		diff = -diff
	}
	if diff > mergeIntervalTolerance {
		return false
	}
	return jaccard(a.CombinedText(), b.CombinedText()) > mergeJaccardThreshold
}

// unionChunks unions the member groups' chunks by chunk id and sorts the
// result by creation time, then chunk index for a stable read order.
func unionChunks(groups []datatypes.ExpandedChunkGroup, members []int) []datatypes.ChunkEmbedding {
	seen := make(map[int64]struct{})
	var chunks []datatypes.ChunkEmbedding
	for _, idx := range members {
		for _, c := range groups[idx].Chunks {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			chunks = append(chunks, c)
		}
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		if !chunks[i].CreatedAt.Equal(chunks[j].CreatedAt) {
			return chunks[i].CreatedAt.Before(chunks[j].CreatedAt)
		}
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})
	return chunks
}

// jaccard computes token-set overlap over lowercased whitespace tokens.
func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		set[tok] = struct{}{}
	}
	return set
}
