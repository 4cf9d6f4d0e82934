// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package window keeps a rolling in-memory buffer of recent messages per
// session, summarizing older messages away when the buffer overflows.
package window

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/memory/observability"
)

// =============================================================================
// Configuration
// =============================================================================

const minTrimmedSize = 3

// Config holds the window sizing and retention settings.
type Config struct {
	// MaxWindowSize is how many messages a window holds before the
	// overflow summarization trims it down.
	MaxWindowSize int
	// MaxRetention is how long an idle window survives before the
	// eviction scheduler drops it.
	MaxRetention time.Duration
	// CleanupInterval is how often the eviction scheduler scans.
	CleanupInterval time.Duration
}

// DefaultConfig reads CONVERSATION_WINDOW_SIZE, CONVERSATION_RETENTION_HOURS
// and CONVERSATION_CLEANUP_MINUTES from the environment.
func DefaultConfig() Config {
	return Config{
		MaxWindowSize:   getEnvInt("CONVERSATION_WINDOW_SIZE", 10),
		MaxRetention:    time.Duration(getEnvInt("CONVERSATION_RETENTION_HOURS", 24)) * time.Hour,
		CleanupInterval: time.Duration(getEnvInt("CONVERSATION_CLEANUP_MINUTES", 30)) * time.Minute,
	}
}

func validateConfig(cfg Config) Config {
	if cfg.MaxWindowSize < minTrimmedSize {
		slog.Warn("window size below minimum, clamping",
			"requested", cfg.MaxWindowSize, "using", minTrimmedSize)
		cfg.MaxWindowSize = minTrimmedSize
	}
	if cfg.MaxRetention <= 0 {
		cfg.MaxRetention = 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Minute
	}
	return cfg
}

// =============================================================================
// Window Manager
// =============================================================================

// Summarizer is the slice of the summary service the window needs.
type Summarizer interface {
	GenerateSummary(ctx context.Context, messages []datatypes.Message, sessionID string) string
	UpdateSummary(ctx context.Context, existing string, newMessages []datatypes.Message, sessionID string) string
}

// conversationWindow is one session's rolling buffer. All fields are
// guarded by mu.
type conversationWindow struct {
	mu           sync.Mutex
	messages     []datatypes.Message
	summary      string
	lastActivity time.Time
}

// Manager owns every session's conversation window.
//
// # Description
//
// AddMessage appends under the window's own lock; when the window grows
// past MaxWindowSize the overflowing messages are summarized into the
// rolling summary and the window is trimmed to max(3, MaxWindowSize/2)
// most recent messages. Summarization failure only costs the summary
// update; trimming still happens so the window stays bounded.
//
// # Thread Safety
//
// Safe for concurrent use. Each window has its own lock; the registry map
// has another. Summary generation runs under the window lock, which
// serializes summarization per session.
type Manager struct {
	cfg        Config
	summarizer Summarizer
	metrics    *observability.MemoryMetrics

	mu      sync.RWMutex
	windows map[string]*conversationWindow
}

// NewManager wires a window manager. summarizer may be nil, in which case
// overflow trims without summarizing.
func NewManager(cfg Config, summarizer Summarizer) *Manager {
	return &Manager{
		cfg:        validateConfig(cfg),
		summarizer: summarizer,
		metrics:    observability.Default(),
		windows:    make(map[string]*conversationWindow),
	}
}

// AddMessage appends msg to the session's window, creating the window on
// first use, and summarizes on overflow.
func (m *Manager) AddMessage(ctx context.Context, sessionID string, msg datatypes.Message) {
	w := m.window(sessionID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.messages = append(w.messages, msg)
	w.lastActivity = time.Now()
	if len(w.messages) > m.cfg.MaxWindowSize {
		m.summarizeLocked(ctx, sessionID, w)
	}
}

// summarizeLocked folds the window's older messages into the summary and
// trims. Caller holds w.mu.
func (m *Manager) summarizeLocked(ctx context.Context, sessionID string, w *conversationWindow) {
	keep := m.cfg.MaxWindowSize / 2
	if keep < minTrimmedSize {
		keep = minTrimmedSize
	}
	if keep >= len(w.messages) {
		return
	}
	evicted := w.messages[:len(w.messages)-keep]

	if m.summarizer != nil {
		if w.summary == "" {
			w.summary = m.summarizer.GenerateSummary(ctx, evicted, sessionID)
		} else {
			w.summary = m.summarizer.UpdateSummary(ctx, w.summary, evicted, sessionID)
		}
	}

	trimmed := make([]datatypes.Message, keep)
	copy(trimmed, w.messages[len(w.messages)-keep:])
	w.messages = trimmed
	slog.Debug("conversation window trimmed",
		"session_id", sessionID, "evicted", len(evicted), "kept", keep)
}

// GetConversationContext returns a snapshot of the session's window. An
// unknown session yields an empty context.
func (m *Manager) GetConversationContext(sessionID string) datatypes.ConversationContext {
	m.mu.RLock()
	w, ok := m.windows[sessionID]
	m.mu.RUnlock()
	if !ok {
		return datatypes.ConversationContext{SessionID: sessionID}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	recent := make([]datatypes.Message, len(w.messages))
	copy(recent, w.messages)
	return datatypes.ConversationContext{
		SessionID:      sessionID,
		RecentMessages: recent,
		Summary:        w.summary,
	}
}

// RecentMessageIDs returns the ids currently held in the session's window.
// Used to exclude windowed messages from retrieval.
func (m *Manager) RecentMessageIDs(sessionID string) map[string]struct{} {
	ctx := m.GetConversationContext(sessionID)
	return ctx.RecentMessageIDs()
}

// ClearHistory drops the session's window entirely.
func (m *Manager) ClearHistory(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, sessionID)
}

// ClearAll drops every window.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = make(map[string]*conversationWindow)
}

// ActiveWindows returns how many sessions currently hold a window.
func (m *Manager) ActiveWindows() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.windows)
}

// EvictIdle drops windows whose last activity is older than the retention
// horizon and returns how many were dropped.
func (m *Manager) EvictIdle() int {
	cutoff := time.Now().Add(-m.cfg.MaxRetention)

	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for sessionID, w := range m.windows {
		w.mu.Lock()
		idle := w.lastActivity.Before(cutoff)
		w.mu.Unlock()
		if idle {
			delete(m.windows, sessionID)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Info("evicted idle conversation windows", "count", evicted)
		if m.metrics != nil {
			m.metrics.WindowEvictions.Add(float64(evicted))
		}
	}
	return evicted
}

// window returns the session's window, creating it if needed.
func (m *Manager) window(sessionID string) *conversationWindow {
	m.mu.RLock()
	w, ok := m.windows[sessionID]
	m.mu.RUnlock()
	if ok {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok = m.windows[sessionID]; ok {
		return w
	}
	w = &conversationWindow{lastActivity: time.Now()}
	m.windows[sessionID] = w
	return w
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
