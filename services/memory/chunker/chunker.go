// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chunker splits message text into token-bounded overlapping pieces
// for embedding. Token counts are approximated as ceil(len/4) so the chunker
// never needs a tokenizer for the embedding model in use.
package chunker

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const (
	// minTargetTokens and maxTargetTokens bound the configurable chunk size.
	minTargetTokens = 50
	maxTargetTokens = 1000

	// breakSearchWindow is how far around the target cut we look for a
	// sentence or word boundary, in characters.
	breakSearchWindow = 100

	charsPerToken = 4
)

// =============================================================================
// Configuration
// =============================================================================

// Config controls chunk sizing.
//
// # Fields
//
//   - TargetTokens: Approximate tokens per chunk. Clamped to [50, 1000].
//   - OverlapTokens: Tokens shared between consecutive chunks when
//     UseOverlap is set. Clamped to TargetTokens/2.
//   - UseOverlap: Whether consecutive chunks overlap at all.
type Config struct {
	TargetTokens  int
	OverlapTokens int
	UseOverlap    bool
}

// DefaultConfig returns the chunker defaults, overridable through
// CHUNKER_TARGET_TOKENS and CHUNKER_OVERLAP_TOKENS.
func DefaultConfig() Config {
	return Config{
		TargetTokens:  getEnvInt("CHUNKER_TARGET_TOKENS", 256),
		OverlapTokens: getEnvInt("CHUNKER_OVERLAP_TOKENS", 50),
		UseOverlap:    true,
	}
}

// validateConfig clamps out-of-range values and logs a warning for each
// correction. It never fails.
func validateConfig(cfg Config) Config {
	if cfg.TargetTokens < minTargetTokens {
		slog.Warn("chunker target tokens below minimum, clamping",
			"requested", cfg.TargetTokens, "minimum", minTargetTokens)
		cfg.TargetTokens = minTargetTokens
	}
	if cfg.TargetTokens > maxTargetTokens {
		slog.Warn("chunker target tokens above maximum, clamping",
			"requested", cfg.TargetTokens, "maximum", maxTargetTokens)
		cfg.TargetTokens = maxTargetTokens
	}
	if !cfg.UseOverlap {
		cfg.OverlapTokens = 0
		return cfg
	}
	if cfg.OverlapTokens < 0 {
		cfg.OverlapTokens = 0
	}
	if cfg.OverlapTokens > cfg.TargetTokens/2 {
		slog.Warn("chunker overlap exceeds half the target, clamping",
			"requested", cfg.OverlapTokens, "maximum", cfg.TargetTokens/2)
		cfg.OverlapTokens = cfg.TargetTokens / 2
	}
	return cfg
}

// EstimateTokens approximates the token count of text as ceil(len/4).
func EstimateTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// =============================================================================
// Chunking
// =============================================================================

// Chunk splits text into pieces of at most cfg.TargetTokens approximate
// tokens, cutting at sentence or word boundaries where one exists near the
// target length.
//
// # Description
//
// Starting at offset 0, the target cut is start + TargetTokens*4 characters.
// When the remaining text fits, it is emitted whole. Otherwise the cut is
// moved to the nearest boundary within 100 characters of the target,
// preferring a sentence terminator followed by whitespace over plain
// whitespace. With overlap enabled the next chunk starts OverlapTokens*4
// characters before the cut. Progress of at least one character per
// iteration is guaranteed; when overlap would prevent meaningful progress it
// is disabled for the remainder of the text.
//
// # Inputs
//
//   - text: The text to split. Leading/trailing whitespace per chunk is
//     trimmed; empty chunks are dropped.
//   - cfg: Sizing parameters. Out-of-range values are clamped, not rejected.
//
// # Outputs
//
//   - []string: Ordered chunks covering the trimmed input.
func Chunk(text string, cfg Config) []string {
	cfg = validateConfig(cfg)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	targetChars := cfg.TargetTokens * charsPerToken
	overlapChars := cfg.OverlapTokens * charsPerToken
	overlapOn := cfg.UseOverlap && overlapChars > 0

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + targetChars
		if end >= len(text) {
			if piece := strings.TrimSpace(text[start:]); piece != "" {
				chunks = append(chunks, piece)
			}
			break
		}

		cut := findBreakPoint(text, end)
		if piece := strings.TrimSpace(text[start:cut]); piece != "" {
			chunks = append(chunks, piece)
		}

		next := cut
		if overlapOn && cut < len(text) {
			next = cut - overlapChars
		}
		if next <= start {
			// Overlap ate all forward progress. Fall back to the raw cut
			// and stop overlapping for the rest of this text.
			overlapOn = false
			next = cut
			if next <= start {
				next = start + 1
			}
		}
		start = next
	}
	return chunks
}

// findBreakPoint locates the best cut near target: a sentence terminator
// followed by whitespace wins, then any whitespace, then the raw target.
func findBreakPoint(text string, target int) int {
	lo := target - breakSearchWindow
	if lo < 1 {
		lo = 1
	}
	hi := target + breakSearchWindow
	if hi > len(text) {
		hi = len(text)
	}

	best := -1
	for i := lo; i < hi; i++ {
		if !isSentenceEnd(text[i-1]) {
			continue
		}
		if i == len(text) || isWhitespace(text[i]) {
			if closer(i, target, best) {
				best = i
			}
		}
	}
	if best >= 0 {
		return best
	}

	for i := lo; i < hi; i++ {
		if isWhitespace(text[i]) && closer(i, target, best) {
			best = i
		}
	}
	if best >= 0 {
		return best
	}
	return target
}

func closer(candidate, target, best int) bool {
	if best < 0 {
		return true
	}
	return abs(candidate-target) < abs(best-target)
}

func isSentenceEnd(b byte) bool {
	return b == '.' || b == '!' || b == '?' || b == '\n'
}

func isWhitespace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid integer in environment, using default", "key", key, "value", v)
	}
	return fallback
}
