// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vectorindex provides cosine-similarity retrieval over chunk
// embeddings, either directly on a chunk store or through Weaviate.
package vectorindex

import "math"

// CosineSimilarity computes the cosine similarity of two raw (unnormalized)
// vectors.
//
// # Description
//
// Accumulates in float64 for stability even though embeddings are float32.
// Mismatched lengths and zero-norm vectors yield 0 rather than an error so
// callers can treat unusable records as simply irrelevant.
//
// # Outputs
//
//   - float64: Similarity in [-1, 1]; 0 for degenerate inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
