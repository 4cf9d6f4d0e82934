// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extraction pulls structured key information (entities, facts,
// intent, action items) out of individual messages via the generator, with
// a per-message cache and a deterministic lexical fallback.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianRecall/services/llm"
	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/memory/observability"
)

var extractionTracer = otel.Tracer("aleutian.recall.extraction")

// =============================================================================
// Configuration
// =============================================================================

const (
	defaultMaxConcurrent = 5
	// fallbackFactLength bounds the key fact the lexical fallback builds
	// from the raw message.
	fallbackFactLength = 200
	extractTemperature = 0.1
)

// Config holds the extractor settings.
type Config struct {
	// MaxConcurrent caps parallel generator calls across all sessions.
	MaxConcurrent int
	// EnableFallback turns the lexical fallback on when the generator
	// fails or returns unparseable output.
	EnableFallback bool
}

// DefaultConfig reads EXTRACTION_MAX_CONCURRENT and
// EXTRACTION_ENABLE_FALLBACK from the environment.
func DefaultConfig() Config {
	enable := true
	if v := os.Getenv("EXTRACTION_ENABLE_FALLBACK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			enable = b
		}
	}
	return Config{
		MaxConcurrent:  getEnvInt("EXTRACTION_MAX_CONCURRENT", defaultMaxConcurrent),
		EnableFallback: enable,
	}
}

func validateConfig(cfg Config) Config {
	if cfg.MaxConcurrent < 1 {
		slog.Warn("extraction concurrency below minimum, clamping",
			"requested", cfg.MaxConcurrent, "using", 1)
		cfg.MaxConcurrent = 1
	}
	return cfg
}

// =============================================================================
// Extractor
// =============================================================================

const extractPromptTemplate = `Extract key information from the following message.
Respond with a single JSON object and nothing else, using exactly these fields:
{
  "entities": ["..."],
  "keyFacts": ["..."],
  "userIntent": "...",
  "actionItems": ["..."],
  "contextualInfo": "...",
  "sentiment": "positive|neutral|negative",
  "urgency": "low|medium|high"
}
Omit nothing; use empty arrays or empty strings for fields with no content.

Message:
%s

JSON:`

// extractionPayload mirrors the JSON the prompt asks for.
type extractionPayload struct {
	Entities       []string `json:"entities"`
	KeyFacts       []string `json:"keyFacts"`
	UserIntent     string   `json:"userIntent"`
	ActionItems    []string `json:"actionItems"`
	ContextualInfo string   `json:"contextualInfo"`
	Sentiment      string   `json:"sentiment"`
	Urgency        string   `json:"urgency"`
}

// Extractor turns messages into ExtractedInformation.
//
// # Description
//
// Results are cached by message id; messages are immutable once persisted
// so an entry is written at most once and never invalidated. Generator
// failures and unparseable responses fall back to a lexical extraction
// when enabled, or an empty result otherwise. Extract never returns an
// error; a turn proceeds without key information rather than failing.
//
// # Thread Safety
//
// Safe for concurrent use. Batch extraction is bounded by a weighted
// semaphore shared across sessions.
type Extractor struct {
	generator llm.LLMClient
	cfg       Config
	sem       *semaphore.Weighted
	metrics   *observability.MemoryMetrics

	mu    sync.RWMutex
	cache map[string]datatypes.ExtractedInformation
}

// NewExtractor wires an extractor.
func NewExtractor(generator llm.LLMClient, cfg Config) *Extractor {
	cfg = validateConfig(cfg)
	return &Extractor{
		generator: generator,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		metrics:   observability.Default(),
		cache:     make(map[string]datatypes.ExtractedInformation),
	}
}

// CacheSize returns the number of cached extractions.
func (e *Extractor) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// Extract returns the key information of one message, from cache when
// available.
func (e *Extractor) Extract(ctx context.Context, msg datatypes.Message, sessionID string) datatypes.ExtractedInformation {
	ctx, span := extractionTracer.Start(ctx, "Extractor.Extract")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("message_id", msg.ID),
	)

	e.mu.RLock()
	cached, hit := e.cache[msg.ID]
	e.mu.RUnlock()
	if hit {
		e.metrics.RecordExtraction(observability.ExtractionSourceCache)
		return cached
	}

	info, source := e.extractUncached(ctx, msg, sessionID)
	e.metrics.RecordExtraction(source)

	e.mu.Lock()
	// Another goroutine may have raced us here; first write wins so the
	// cache stays stable for the message.
	if prior, ok := e.cache[msg.ID]; ok {
		info = prior
	} else {
		e.cache[msg.ID] = info
	}
	e.mu.Unlock()
	return info
}

func (e *Extractor) extractUncached(ctx context.Context, msg datatypes.Message, sessionID string) (datatypes.ExtractedInformation, observability.ExtractionSource) {
	prompt := fmt.Sprintf(extractPromptTemplate, msg.Content)
	out, err := e.generator.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: llm.Float32Ptr(extractTemperature),
	})
	if err == nil {
		if info, parseErr := parseExtraction(msg.ID, out); parseErr == nil {
			return info, observability.ExtractionSourceLLM
		} else {
			err = parseErr
		}
	}

	slog.Warn("key information extraction failed",
		"session_id", sessionID, "message_id", msg.ID, "error", err)
	if e.cfg.EnableFallback {
		return lexicalFallback(msg), observability.ExtractionSourceFallback
	}
	return datatypes.ExtractedInformation{MessageID: msg.ID}, observability.ExtractionSourceFallback
}

// ExtractBatch extracts every message with bounded parallelism. The
// result slice matches the input order.
func (e *Extractor) ExtractBatch(ctx context.Context, messages []datatypes.Message, sessionID string) []datatypes.ExtractedInformation {
	ctx, span := extractionTracer.Start(ctx, "Extractor.ExtractBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("message_count", len(messages)),
	)

	results := make([]datatypes.ExtractedInformation, len(messages))
	var wg sync.WaitGroup
	for i, msg := range messages {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			// Context gone; the remaining slots stay empty.
			results[i] = datatypes.ExtractedInformation{MessageID: msg.ID}
			continue
		}
		wg.Add(1)
		go func(i int, msg datatypes.Message) {
			defer wg.Done()
			defer e.sem.Release(1)
			results[i] = e.Extract(ctx, msg, sessionID)
		}(i, msg)
	}
	wg.Wait()
	return results
}

// =============================================================================
// Parsing and Fallback
// =============================================================================

// parseExtraction pulls the JSON object out of the generator output. The
// model often wraps the object in prose, so everything outside the first
// '{' and the last '}' is discarded.
func parseExtraction(messageID, out string) (datatypes.ExtractedInformation, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return datatypes.ExtractedInformation{}, fmt.Errorf("no JSON object in generator output")
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(out[start:end+1]), &payload); err != nil {
		return datatypes.ExtractedInformation{}, fmt.Errorf("unparseable extraction JSON: %w", err)
	}

	return datatypes.ExtractedInformation{
		MessageID:      messageID,
		Entities:       dropEmpty(payload.Entities),
		KeyFacts:       dropEmpty(payload.KeyFacts),
		ActionItems:    dropEmpty(payload.ActionItems),
		UserIntent:     strings.TrimSpace(payload.UserIntent),
		ContextualInfo: strings.TrimSpace(payload.ContextualInfo),
		Sentiment:      strings.TrimSpace(payload.Sentiment),
		Urgency:        strings.TrimSpace(payload.Urgency),
	}, nil
}

func dropEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// lexicalFallback builds a coarse extraction without the generator:
// capitalized tokens become entities and the message itself becomes a
// single key fact.
func lexicalFallback(msg datatypes.Message) datatypes.ExtractedInformation {
	var entities []string
	seen := make(map[string]struct{})
	for _, tok := range strings.Fields(msg.Content) {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if tok == "" {
			continue
		}
		r := []rune(tok)
		if !unicode.IsUpper(r[0]) || len(r) < 2 {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		entities = append(entities, tok)
	}

	fact := strings.TrimSpace(msg.Content)
	if len(fact) > fallbackFactLength {
		fact = fact[:fallbackFactLength] + "..."
	}

	info := datatypes.ExtractedInformation{
		MessageID: msg.ID,
		Entities:  entities,
		Sentiment: "neutral",
		Urgency:   "medium",
	}
	if fact != "" {
		info.KeyFacts = []string{fact}
	}
	return info
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
