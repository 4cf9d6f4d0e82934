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
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRecall/services/embedding"
	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/memory/observability"
	"github.com/AleutianAI/AleutianRecall/services/memory/vectorindex"
)

var retrievalTracer = otel.Tracer("aleutian.recall.retrieval")

// =============================================================================
// Configuration
// =============================================================================

// Strategy selects how aggressively retrieval widens its search.
type Strategy string

const (
	// StrategyFixed runs one search with the caller's parameters.
	StrategyFixed Strategy = "FIXED"
	// StrategyAdaptive starts narrow and widens while results are empty.
	StrategyAdaptive Strategy = "ADAPTIVE"
	// StrategyIntelligent unions searches at descending thresholds.
	StrategyIntelligent Strategy = "INTELLIGENT"
)

// ParseStrategy maps a config token to a Strategy, defaulting to ADAPTIVE.
func ParseStrategy(s string) Strategy {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FIXED":
		return StrategyFixed
	case "INTELLIGENT":
		return StrategyIntelligent
	case "ADAPTIVE", "":
		return StrategyAdaptive
	default:
		slog.Warn("unknown retrieval strategy, using ADAPTIVE", "strategy", s)
		return StrategyAdaptive
	}
}

// Config holds the retrieval parameters.
//
// # Fields
//
//   - ChunksBefore/ChunksAfter: Neighbors taken around each hit, [0, 10].
//   - MaxSimilar: Similarity search limit, [1, 20].
//   - SimilarityThreshold: Cosine cutoff, [0, 1].
//   - Strategy: FIXED, ADAPTIVE, or INTELLIGENT.
type Config struct {
	ChunksBefore        int
	ChunksAfter         int
	MaxSimilar          int
	SimilarityThreshold float64
	Strategy            Strategy
}

// DefaultConfig reads retrieval settings from the environment:
// CONTEXT_CHUNKS_BEFORE, CONTEXT_CHUNKS_AFTER, CONTEXT_MAX_SIMILAR,
// CONTEXT_SIMILARITY_THRESHOLD, CONTEXT_RETRIEVAL_STRATEGY.
func DefaultConfig() Config {
	return Config{
		ChunksBefore:        getEnvInt("CONTEXT_CHUNKS_BEFORE", 2),
		ChunksAfter:         getEnvInt("CONTEXT_CHUNKS_AFTER", 2),
		MaxSimilar:          getEnvInt("CONTEXT_MAX_SIMILAR", 5),
		SimilarityThreshold: getEnvFloat("CONTEXT_SIMILARITY_THRESHOLD", 0.3),
		Strategy:            ParseStrategy(os.Getenv("CONTEXT_RETRIEVAL_STRATEGY")),
	}
}

// validateConfig clamps out-of-range values with a warning each.
func validateConfig(cfg Config) Config {
	clampInt := func(name string, v, lo, hi int) int {
		if v < lo || v > hi {
			clamped := min(max(v, lo), hi)
			slog.Warn("retrieval parameter out of range, clamping",
				"parameter", name, "requested", v, "using", clamped)
			return clamped
		}
		return v
	}
	cfg.ChunksBefore = clampInt("chunks_before", cfg.ChunksBefore, 0, 10)
	cfg.ChunksAfter = clampInt("chunks_after", cfg.ChunksAfter, 0, 10)
	cfg.MaxSimilar = clampInt("max_similar", cfg.MaxSimilar, 1, 20)
	if cfg.SimilarityThreshold < 0 || cfg.SimilarityThreshold > 1 {
		clamped := cfg.SimilarityThreshold
		if clamped < 0 {
			clamped = 0
		}
		if clamped > 1 {
			clamped = 1
		}
		slog.Warn("similarity threshold out of range, clamping",
			"requested", cfg.SimilarityThreshold, "using", clamped)
		cfg.SimilarityThreshold = clamped
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyAdaptive
	}
	return cfg
}

// =============================================================================
// Session Metrics
// =============================================================================

// sessionMetrics accumulates per-session retrieval accounting.
type sessionMetrics struct {
	mu      sync.Mutex
	entries map[string]*datatypes.RetrievalMetrics
}

func newSessionMetrics() *sessionMetrics {
	return &sessionMetrics{entries: make(map[string]*datatypes.RetrievalMetrics)}
}

func (s *sessionMetrics) record(sessionID string, d time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		e = &datatypes.RetrievalMetrics{SessionID: sessionID}
		s.entries[sessionID] = e
	}
	e.RetrievalCount++
	e.TotalDurationMs += d.Milliseconds()
	if failed {
		e.ErrorCount++
	}
}

func (s *sessionMetrics) snapshot() []datatypes.RetrievalMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]datatypes.RetrievalMetrics, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// =============================================================================
// Retriever
// =============================================================================

// RecentIDsFunc reports the message ids currently held in a session's
// conversation window. Those messages are excluded from retrieval because
// the window conveys them to the prompt separately.
type RecentIDsFunc func(sessionID string) map[string]struct{}

// Retriever finds relevant historical context for a new user message.
//
// # Description
//
// One retrieval embeds the message, searches the vector index within the
// session, drops excluded and irrelevant hits, and expands each survivor
// with its neighboring chunks. Any failure along the way degrades to an
// empty result; a chat turn proceeds without historical context rather
// than failing.
//
// # Thread Safety
//
// Safe for concurrent use across sessions.
type Retriever struct {
	embedder embedding.Client
	index    vectorindex.Index
	filter   RelevanceFilter
	recent   RecentIDsFunc
	metrics  *observability.MemoryMetrics
	sessions *sessionMetrics
}

// NewRetriever wires a retriever. filter may be nil for the default
// heuristic filter; recent may be nil when no window exclusion is wanted.
func NewRetriever(embedder embedding.Client, index vectorindex.Index,
	filter RelevanceFilter, recent RecentIDsFunc) *Retriever {

	if filter == nil {
		filter = NewHeuristicFilter()
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		filter:   filter,
		recent:   recent,
		metrics:  observability.Default(),
		sessions: newSessionMetrics(),
	}
}

// Metrics returns the per-session retrieval accounting snapshot.
func (r *Retriever) Metrics() []datatypes.RetrievalMetrics {
	return r.sessions.snapshot()
}

// Retrieve returns expanded chunk groups relevant to userMessage.
//
// # Inputs
//
//   - userMessage: The new message text to search with.
//   - sessionID: Scope of the search.
//   - excludeMessageID: The just-persisted message's id, excluded so a
//     message never retrieves itself. May be empty.
//   - cfg: Validated (clamped) retrieval parameters.
//
// # Outputs
//
//   - []datatypes.ExpandedChunkGroup: Deduplicated by message id,
//     insertion-ordered. Empty on any internal failure.
func (r *Retriever) Retrieve(ctx context.Context, userMessage, sessionID,
	excludeMessageID string, cfg Config) []datatypes.ExpandedChunkGroup {

	ctx, span := retrievalTracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()
	cfg = validateConfig(cfg)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("strategy", string(cfg.Strategy)),
	)

	start := time.Now()
	groups, err := r.retrieveWithStrategy(ctx, userMessage, sessionID, excludeMessageID, cfg)
	elapsed := time.Since(start)
	r.sessions.record(sessionID, elapsed, err != nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("context retrieval failed, proceeding without history",
			"session_id", sessionID, "error", err)
		r.metrics.RecordRetrieval(string(cfg.Strategy), observability.OutcomeError, elapsed)
		return nil
	}
	r.metrics.RecordRetrieval(string(cfg.Strategy), observability.OutcomeSuccess, elapsed)
	span.SetAttributes(attribute.Int("groups", len(groups)))
	return groups
}

func (r *Retriever) retrieveWithStrategy(ctx context.Context, userMessage, sessionID,
	excludeMessageID string, cfg Config) ([]datatypes.ExpandedChunkGroup, error) {

	query, err := r.embedQuery(ctx, userMessage)
	if err != nil {
		return nil, err
	}
	exclude := r.exclusionSet(sessionID, excludeMessageID)

	switch cfg.Strategy {
	case StrategyAdaptive:
		return r.retrieveAdaptive(ctx, query, sessionID, exclude, cfg)
	case StrategyIntelligent:
		return r.retrieveIntelligent(ctx, query, sessionID, exclude, cfg)
	default:
		return r.retrieveOnce(ctx, query, sessionID, exclude,
			cfg.MaxSimilar, cfg.SimilarityThreshold, cfg.ChunksBefore, cfg.ChunksAfter)
	}
}

// retrieveAdaptive starts narrow and widens up to 3 attempts while empty.
func (r *Retriever) retrieveAdaptive(ctx context.Context, query []float32, sessionID string,
	exclude map[string]struct{}, cfg Config) ([]datatypes.ExpandedChunkGroup, error) {

	maxSimilar := min(cfg.MaxSimilar, 3)
	threshold := max(cfg.SimilarityThreshold, 0.5)
	const attempts = 3
	for i := 0; i < attempts; i++ {
		groups, err := r.retrieveOnce(ctx, query, sessionID, exclude,
			maxSimilar, threshold, cfg.ChunksBefore, cfg.ChunksAfter)
		if err != nil {
			return nil, err
		}
		if len(groups) > 0 {
			return groups, nil
		}
		maxSimilar = min(maxSimilar*3/2, 10)
		threshold = max(threshold*0.8, 0.1)
		slog.Debug("adaptive retrieval widening",
			"session_id", sessionID, "attempt", i+2,
			"max_similar", maxSimilar, "threshold", threshold)
	}
	return nil, nil
}

// retrieveIntelligent unions fixed searches at descending thresholds,
// first-seen order, deduplicated by message id. Hits are not re-ranked
// across thresholds: a strong 0.8 hit always precedes a 0.4 hit.
func (r *Retriever) retrieveIntelligent(ctx context.Context, query []float32, sessionID string,
	exclude map[string]struct{}, cfg Config) ([]datatypes.ExpandedChunkGroup, error) {

	var merged []datatypes.ExpandedChunkGroup
	seen := make(map[string]struct{})
	for _, threshold := range []float64{0.8, 0.6, 0.4} {
		groups, err := r.retrieveOnce(ctx, query, sessionID, exclude,
			cfg.MaxSimilar, threshold, cfg.ChunksBefore, cfg.ChunksAfter)
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			if _, dup := seen[g.MessageID]; dup {
				continue
			}
			seen[g.MessageID] = struct{}{}
			merged = append(merged, g)
		}
	}
	return merged, nil
}

// retrieveOnce runs the common pipeline: search, exclude, filter, expand.
func (r *Retriever) retrieveOnce(ctx context.Context, query []float32, sessionID string,
	exclude map[string]struct{}, maxSimilar int, threshold float64,
	before, after int) ([]datatypes.ExpandedChunkGroup, error) {

	similar, err := r.index.FindSimilarWithinThreshold(ctx, query, sessionID, threshold)
	if err != nil {
		return nil, err
	}
	if len(similar) > maxSimilar {
		similar = similar[:maxSimilar]
	}

	candidates := similar[:0:0]
	for _, c := range similar {
		if _, skip := exclude[c.MessageID]; skip {
			continue
		}
		candidates = append(candidates, c)
	}
	kept := r.filter.Filter(candidates)

	var groups []datatypes.ExpandedChunkGroup
	seen := make(map[string]struct{}, len(kept))
	for _, hit := range kept {
		if _, dup := seen[hit.MessageID]; dup {
			continue
		}
		seen[hit.MessageID] = struct{}{}
		group, err := r.expand(ctx, hit, before, after)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// expand fetches the hit's siblings and windows them around the hit index.
func (r *Retriever) expand(ctx context.Context, hit datatypes.ChunkEmbedding,
	before, after int) (datatypes.ExpandedChunkGroup, error) {

	siblings, err := r.index.GetChunksForMessage(ctx, hit.MessageID)
	if err != nil {
		return datatypes.ExpandedChunkGroup{}, err
	}
	lo := hit.ChunkIndex - before
	hi := hit.ChunkIndex + after
	var window []datatypes.ChunkEmbedding
	for _, c := range siblings {
		if c.ChunkIndex >= lo && c.ChunkIndex <= hi {
			window = append(window, c)
		}
	}
	if len(window) == 0 {
		window = []datatypes.ChunkEmbedding{hit}
	}
	return datatypes.ExpandedChunkGroup{MessageID: hit.MessageID, Chunks: window}, nil
}

func (r *Retriever) embedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := r.embedder.Embed(ctx, text)
	r.metrics.EmbedderLatency.Observe(time.Since(start).Seconds())
	return vec, err
}

func (r *Retriever) exclusionSet(sessionID, excludeMessageID string) map[string]struct{} {
	exclude := make(map[string]struct{})
	if excludeMessageID != "" {
		exclude[excludeMessageID] = struct{}{}
	}
	if r.recent != nil {
		for id := range r.recent(sessionID) {
			exclude[id] = struct{}{}
		}
	}
	return exclude
}

// ===== Env helpers =====

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid integer in environment, using default", "key", key, "value", v)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		slog.Warn("invalid float in environment, using default", "key", key, "value", v)
	}
	return fallback
}
