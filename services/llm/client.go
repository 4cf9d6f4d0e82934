// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm wraps the external generative endpoints behind one interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// LLMClient is the generation surface the memory pipeline depends on.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type LLMClient interface {
	// Generate returns the completion for prompt. A generation failure is
	// the one upstream error that fails a whole chat turn, so callers treat
	// any non-nil error here as fatal for the request in flight.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// GenerationParams tunes a single generation call. Nil fields use the
// backend's defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// GenerationError describes a failed generator call with enough structure
// for the caller to decide on a retry.
type GenerationError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (status %d, retryable %v): %s",
		e.StatusCode, e.Retryable, e.Message)
}

// IsGenerationError reports whether err is a GenerationError.
func IsGenerationError(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge)
}

// Float32Ptr and IntPtr are literal helpers for GenerationParams fields.
func Float32Ptr(v float32) *float32 { return &v }
func IntPtr(v int) *int             { return &v }

// NewClientFromEnv builds the configured backend. LLM_BACKEND selects
// "ollama" (default) or "openai".
func NewClientFromEnv() (LLMClient, error) {
	backend := strings.ToLower(os.Getenv("LLM_BACKEND"))
	if backend == "" {
		backend = "ollama"
	}
	slog.Info("Initializing LLM backend", "backend", backend)
	switch backend {
	case "ollama":
		return NewOllamaClient()
	case "openai":
		return NewOpenAIClient()
	default:
		return nil, fmt.Errorf("unknown LLM_BACKEND %q (want ollama or openai)", backend)
	}
}
