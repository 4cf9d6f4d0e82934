// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval finds semantically relevant historical chunks for a new
// user message, expands each hit with its neighbors, and merges overlapping
// result groups.
package retrieval

import (
	"strings"

	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
)

// =============================================================================
// Relevance Filter
// =============================================================================

// RelevanceFilter decides which similarity hits are worth expanding. The
// filter is pluggable because content heuristics are domain specific; the
// default is deliberately conservative and only drops obvious junk.
type RelevanceFilter interface {
	// Filter returns the hits to keep, in their original order.
	Filter(chunks []datatypes.ChunkEmbedding) []datatypes.ChunkEmbedding
}

// firstPersonMarkers are tokens that suggest a chunk carries user-stated
// information rather than boilerplate.
var firstPersonMarkers = []string{
	"i", "i'm", "i've", "i'd", "i'll", "my", "me", "mine", "we", "our", "us",
}

// maxFilteredChunks caps how many hits survive filtering before expansion.
const maxFilteredChunks = 5

// HeuristicFilter is the default RelevanceFilter.
//
// # Description
//
// Keeps chunks whose trimmed text is longer than 10 characters and that
// either contain a first-person marker or more than 3 whitespace-separated
// tokens. At most 5 chunks survive. When every hit is rejected but the
// input was non-empty, the single top hit is retained so a session with
// only terse history still gets some context.
type HeuristicFilter struct{}

var _ RelevanceFilter = (*HeuristicFilter)(nil)

// NewHeuristicFilter returns the default filter.
func NewHeuristicFilter() *HeuristicFilter {
	return &HeuristicFilter{}
}

func (f *HeuristicFilter) Filter(chunks []datatypes.ChunkEmbedding) []datatypes.ChunkEmbedding {
	if len(chunks) == 0 {
		return nil
	}
	var kept []datatypes.ChunkEmbedding
	for _, c := range chunks {
		if isRelevant(c.ChunkText) {
			kept = append(kept, c)
			if len(kept) == maxFilteredChunks {
				break
			}
		}
	}
	if len(kept) == 0 {
		// Conservative fallback: the top similarity hit survives.
		return chunks[:1]
	}
	return kept
}

func isRelevant(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= 10 {
		return false
	}
	tokens := strings.Fields(strings.ToLower(trimmed))
	if len(tokens) > 3 {
		return true
	}
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".,!?;:\"'")
		for _, marker := range firstPersonMarkers {
			if tok == marker {
				return true
			}
		}
	}
	return false
}
