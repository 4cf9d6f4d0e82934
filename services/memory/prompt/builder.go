// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompt assembles the generator prompt from conversation context,
// extracted key information, and retrieved historical chunks under a hard
// character budget.
package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// assemblyOverhead reserves room for section headers and separators
	// when computing the context budget.
	assemblyOverhead = 500
	// tightOverhead replaces assemblyOverhead when the budget cannot
	// carry the full reserve; it covers only the section joins.
	tightOverhead = 16

	systemContext = "You are a helpful assistant with access to the conversation history. " +
		"Use the context below to give accurate, consistent answers. " +
		"If the context contradicts the current message, prefer the current message."

	truncationMarker = "[... truncated for length ...]"

	sectionBreakWindow = 200
	sentenceWindow     = 100
	whitespaceWindow   = 50
)

// Section weights: share of the available context budget each section may
// claim. The current message is exempt from truncation.
const (
	weightConversation = 0.4
	weightKeyInfo      = 0.3
	weightHistorical   = 0.2
)

// Config holds the prompt budget settings.
type Config struct {
	// MaxPromptLength is the hard budget in characters.
	MaxPromptLength int
	// EnableTruncation applies the budget; when false the prompt is
	// assembled without length management.
	EnableTruncation bool
}

// DefaultConfig reads PROMPT_MAX_LENGTH and PROMPT_ENABLE_TRUNCATION from
// the environment.
func DefaultConfig() Config {
	enable := true
	if v := os.Getenv("PROMPT_ENABLE_TRUNCATION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			enable = b
		}
	}
	maxLen := 4000
	if v := os.Getenv("PROMPT_MAX_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxLen = n
		}
	}
	return Config{MaxPromptLength: maxLen, EnableTruncation: enable}
}

func validateConfig(cfg Config) Config {
	if cfg.MaxPromptLength <= 0 {
		slog.Warn("prompt budget not positive, using default",
			"requested", cfg.MaxPromptLength, "using", 4000)
		cfg.MaxPromptLength = 4000
	}
	return cfg
}

// =============================================================================
// Builder
// =============================================================================

// Builder assembles generator prompts.
//
// # Description
//
// Sections are rendered independently, then admitted in weight order
// (conversation 0.4, key info 0.3, historical 0.2) against the budget
// left after the system context and current message are reserved. A
// section that does not fit is truncated at a natural break and no
// further sections are added. The current message always appears verbatim
// as the final section.
//
// # Thread Safety
//
// Stateless; safe for concurrent use.
type Builder struct {
	cfg Config
}

// NewBuilder wires a builder.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: validateConfig(cfg)}
}

// weightedSection pairs a rendered section with its budget weight.
// order preserves the assembly position after weight sorting.
type weightedSection struct {
	text   string
	weight float64
	order  int
}

// Build assembles the prompt for one turn.
func (b *Builder) Build(userMessage string, convCtx datatypes.ConversationContext,
	keyInfo datatypes.ExtractedInformation, groups []datatypes.ExpandedChunkGroup) string {

	current := "## Current Message:\n" + userMessage

	sections := []weightedSection{
		{text: renderConversation(convCtx), weight: weightConversation, order: 0},
		{text: renderKeyInfo(keyInfo), weight: weightKeyInfo, order: 1},
		{text: renderHistorical(groups), weight: weightHistorical, order: 2},
	}

	if !b.cfg.EnableTruncation {
		return assemble(systemContext, sections, current)
	}

	available := b.cfg.MaxPromptLength - len(systemContext) - len(current) - assemblyOverhead
	if available <= 0 {
		// A budget too tight for the conservative reserve forgoes it and
		// keeps only room for the joins, so the highest-weight section can
		// still contribute a truncated slice.
		available = b.cfg.MaxPromptLength - len(systemContext) - len(current) - tightOverhead
		if available < 0 {
			available = 0
		}
	}

	// Admit by descending weight; stop after the first truncated section.
	byWeight := make([]weightedSection, len(sections))
	copy(byWeight, sections)
	sort.SliceStable(byWeight, func(i, j int) bool {
		return byWeight[i].weight > byWeight[j].weight
	})

	admitted := make(map[int]string)
	for _, s := range byWeight {
		if s.text == "" {
			continue
		}
		if len(s.text) <= available {
			admitted[s.order] = s.text
			available -= len(s.text)
			continue
		}
		if cut := truncateAtBreak(s.text, available-len(truncationMarker)-1); cut != "" {
			admitted[s.order] = cut + "\n" + truncationMarker
		}
		break
	}
	for i := range sections {
		sections[i].text = admitted[sections[i].order]
	}

	out := assemble(systemContext, sections, current)
	if len(out) > b.cfg.MaxPromptLength {
		out = b.finalTrim(sections, current)
	}
	return out
}

// finalTrim re-truncates the whole middle block so system context and
// current message survive intact.
func (b *Builder) finalTrim(sections []weightedSection, current string) string {
	var middle []string
	for _, s := range sections {
		if s.text != "" {
			middle = append(middle, s.text)
		}
	}
	block := strings.Join(middle, "\n\n")
	budget := b.cfg.MaxPromptLength - len(systemContext) - len(current) -
		len(truncationMarker) - len("\n\n\n\n") - 1
	if budget < 0 {
		budget = 0
	}
	block = truncateAtBreak(block, budget)
	if block != "" {
		block += "\n" + truncationMarker
	}

	parts := []string{systemContext}
	if block != "" {
		parts = append(parts, block)
	}
	parts = append(parts, current)
	return strings.Join(parts, "\n\n")
}

func assemble(system string, sections []weightedSection, current string) string {
	parts := []string{system}
	for _, s := range sections {
		if s.text != "" {
			parts = append(parts, s.text)
		}
	}
	parts = append(parts, current)
	return strings.Join(parts, "\n\n")
}

// =============================================================================
// Section Rendering
// =============================================================================

func renderConversation(convCtx datatypes.ConversationContext) string {
	if len(convCtx.RecentMessages) == 0 && convCtx.Summary == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Recent Conversation:\n")
	if convCtx.Summary != "" {
		b.WriteString("**Summary:** " + convCtx.Summary + "\n\n")
	}
	if len(convCtx.RecentMessages) > 0 {
		b.WriteString("**Recent Messages:**\n")
		for _, m := range convCtx.RecentMessages {
			b.WriteString(fmt.Sprintf("- %s: %s\n", m.Role.DisplayName(), m.Content))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderKeyInfo(info datatypes.ExtractedInformation) string {
	if info.IsEmpty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Key Information:\n")
	if len(info.Entities) > 0 {
		b.WriteString("**Important Entities:** " + strings.Join(info.Entities, ", ") + "\n")
	}
	if len(info.KeyFacts) > 0 {
		b.WriteString("**Key Facts:**\n")
		for _, f := range info.KeyFacts {
			b.WriteString("- " + f + "\n")
		}
	}
	if info.UserIntent != "" {
		b.WriteString("**User Intent:** " + info.UserIntent + "\n")
	}
	if len(info.ActionItems) > 0 {
		b.WriteString("**Action Items:**\n")
		for _, a := range info.ActionItems {
			b.WriteString("- " + a + "\n")
		}
	}
	if info.ContextualInfo != "" {
		b.WriteString("**Context:** " + info.ContextualInfo + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderHistorical(groups []datatypes.ExpandedChunkGroup) string {
	if len(groups) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Relevant Historical Context:\n")
	for _, g := range groups {
		b.WriteString("**Context from previous conversation:**\n")
		b.WriteString("\"" + g.CombinedText() + "\"\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// =============================================================================
// Truncation
// =============================================================================

// truncateAtBreak cuts text to at most maxLen characters, preferring a
// section break, then a sentence end, then whitespace near the cut.
// Returns "" when maxLen leaves no room.
func truncateAtBreak(text string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(text) <= maxLen {
		return text
	}

	cut := maxLen
	if idx := lastIndexWithin(text, "\n\n", cut, sectionBreakWindow); idx >= 0 {
		return strings.TrimRight(text[:idx], "\n")
	}
	if idx := lastSentenceEndWithin(text, cut, sentenceWindow); idx >= 0 {
		return text[:idx+1]
	}
	if idx := lastWhitespaceWithin(text, cut, whitespaceWindow); idx >= 0 {
		return strings.TrimRight(text[:idx], " \t\n")
	}
	return text[:cut]
}

// lastIndexWithin finds the last occurrence of sep ending at or before cut
// and no farther than window characters back.
func lastIndexWithin(text, sep string, cut, window int) int {
	lo := cut - window
	if lo < 0 {
		lo = 0
	}
	idx := strings.LastIndex(text[lo:cut], sep)
	if idx < 0 {
		return -1
	}
	return lo + idx
}

func lastSentenceEndWithin(text string, cut, window int) int {
	lo := cut - window
	if lo < 0 {
		lo = 0
	}
	for i := cut - 1; i >= lo; i-- {
		switch text[i] {
		case '.', '!', '?':
			return i
		}
	}
	return -1
}

func lastWhitespaceWithin(text string, cut, window int) int {
	lo := cut - window
	if lo < 0 {
		lo = 0
	}
	for i := cut - 1; i >= lo; i-- {
		switch text[i] {
		case ' ', '\t', '\n':
			return i
		}
	}
	return -1
}
