// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package summary condenses conversation history into rolling summaries
// using the configured generator.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianRecall/services/llm"
	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/memory/observability"
)

var summaryTracer = otel.Tracer("aleutian.recall.summary")

const (
	// defaultMaxInputLength bounds the transcript handed to the generator.
	defaultMaxInputLength = 6000
	// truncationSearchWindow is how far around the cut point a message
	// boundary is preferred over a hard cut.
	truncationSearchWindow = 200
	// ellipsisMarker prefixes a front-truncated transcript.
	ellipsisMarker = "[... earlier conversation omitted ...]\n\n"
	// summaryTemperature keeps summaries factual rather than creative.
	summaryTemperature = 0.3

	fallbackMessageCount  = 3
	fallbackMessageLength = 100
)

const generatePromptTemplate = `Summarize the following conversation. Cover:
- The topics discussed
- Information the user shared
- Decisions that were made
- Questions asked and their answers
- Concrete facts worth remembering

Be concise and factual. Do not invent details.

Conversation:
%s

Summary:`

const updatePromptTemplate = `Below is an existing summary of a conversation, followed by new messages.
Produce an updated summary that keeps all still-relevant information from the
existing summary and folds in the new messages. Cover topics, shared
information, decisions, questions and answers, and concrete facts.

Existing summary:
%s

New messages:
%s

Updated summary:`

// Summarizer produces conversation summaries.
//
// # Description
//
// GenerateSummary never fails outright: when the generator errors, a
// deterministic fallback built from the messages themselves is returned so
// the window always has something to carry. UpdateSummary is even more
// conservative and hands back the existing summary on failure.
//
// # Thread Safety
//
// Stateless; safe for concurrent use.
type Summarizer struct {
	generator      llm.LLMClient
	maxInputLength int
	metrics        *observability.MemoryMetrics
}

// NewSummarizer wires a summarizer. maxInputLength <= 0 selects the
// default transcript budget.
func NewSummarizer(generator llm.LLMClient, maxInputLength int) *Summarizer {
	if maxInputLength <= 0 {
		maxInputLength = defaultMaxInputLength
	}
	return &Summarizer{
		generator:      generator,
		maxInputLength: maxInputLength,
		metrics:        observability.Default(),
	}
}

// GenerateSummary summarizes messages from scratch.
//
// # Outputs
//
//   - string: The generated summary, or the deterministic fallback when
//     the generator fails. Empty only when messages is empty.
func (s *Summarizer) GenerateSummary(ctx context.Context, messages []datatypes.Message, sessionID string) string {
	ctx, span := summaryTracer.Start(ctx, "Summarizer.GenerateSummary")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("message_count", len(messages)),
	)

	if len(messages) == 0 {
		return ""
	}

	transcript := s.formatTranscript(messages)
	prompt := fmt.Sprintf(generatePromptTemplate, transcript)
	out, err := s.generator.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: llm.Float32Ptr(summaryTemperature),
	})
	if err != nil || strings.TrimSpace(out) == "" {
		if err != nil {
			span.RecordError(err)
		}
		slog.Warn("summary generation failed, using fallback",
			"session_id", sessionID, "error", err)
		s.metrics.RecordSummary("generate", observability.OutcomeDegraded)
		return fallbackSummary(messages)
	}
	s.metrics.RecordSummary("generate", observability.OutcomeSuccess)
	return strings.TrimSpace(out)
}

// UpdateSummary folds newMessages into an existing summary.
//
// # Description
//
// An empty existing summary delegates to GenerateSummary. When the
// combined prompt input would exceed the transcript budget, the summary is
// regenerated over the new messages alone; the old summary's content is
// assumed to have aged out. On generator failure the existing summary is
// returned unchanged.
func (s *Summarizer) UpdateSummary(ctx context.Context, existing string, newMessages []datatypes.Message, sessionID string) string {
	ctx, span := summaryTracer.Start(ctx, "Summarizer.UpdateSummary")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("new_message_count", len(newMessages)),
	)

	if strings.TrimSpace(existing) == "" {
		return s.GenerateSummary(ctx, newMessages, sessionID)
	}
	if len(newMessages) == 0 {
		return existing
	}

	transcript := s.formatTranscript(newMessages)
	if len(existing)+len(transcript) > s.maxInputLength {
		slog.Debug("summary update input over budget, regenerating over new messages",
			"session_id", sessionID)
		return s.GenerateSummary(ctx, newMessages, sessionID)
	}

	prompt := fmt.Sprintf(updatePromptTemplate, existing, transcript)
	out, err := s.generator.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: llm.Float32Ptr(summaryTemperature),
	})
	if err != nil || strings.TrimSpace(out) == "" {
		if err != nil {
			span.RecordError(err)
		}
		slog.Warn("summary update failed, keeping existing summary",
			"session_id", sessionID, "error", err)
		s.metrics.RecordSummary("update", observability.OutcomeDegraded)
		return existing
	}
	s.metrics.RecordSummary("update", observability.OutcomeSuccess)
	return strings.TrimSpace(out)
}

// formatTranscript renders messages as a role-tagged transcript and
// front-truncates it to the input budget.
func (s *Summarizer) formatTranscript(messages []datatypes.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n\n",
			m.Timestamp.Format("15:04:05"), m.Role.DisplayName(), m.Content))
	}
	return truncateFront(b.String(), s.maxInputLength)
}

// truncateFront drops the oldest part of the transcript, preferring to cut
// at a message boundary near the budget line.
func truncateFront(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	cut := len(text) - maxLen + len(ellipsisMarker)
	if cut >= len(text) {
		return ellipsisMarker + text[len(text)-1:]
	}

	// Look for a double newline within the search window of the cut.
	lo := cut - truncationSearchWindow
	if lo < 0 {
		lo = 0
	}
	hi := cut + truncationSearchWindow
	if hi > len(text) {
		hi = len(text)
	}
	if idx := strings.Index(text[lo:hi], "\n\n"); idx >= 0 {
		cut = lo + idx + 2
	}
	return ellipsisMarker + text[cut:]
}

// fallbackSummary is the deterministic summary used when the generator is
// unavailable: message counts by role plus the tail of the conversation.
func fallbackSummary(messages []datatypes.Message) string {
	counts := make(map[datatypes.Role]int)
	for _, m := range messages {
		counts[m.Role]++
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Conversation with %d user and %d assistant messages.",
		counts[datatypes.RoleUser], counts[datatypes.RoleAssistant]))

	start := len(messages) - fallbackMessageCount
	if start < 0 {
		start = 0
	}
	b.WriteString(" Recent messages:")
	for _, m := range messages[start:] {
		content := m.Content
		if len(content) > fallbackMessageLength {
			content = content[:fallbackMessageLength] + "..."
		}
		b.WriteString(fmt.Sprintf(" %s: %s.", m.Role.DisplayName(), content))
	}
	return b.String()
}
