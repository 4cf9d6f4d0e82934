// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding wraps the external text-embedding endpoint.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var embedTracer = otel.Tracer("aleutian.recall.embedding")

const (
	maxRetries        = 3
	initialRetryDelay = 1 * time.Second
)

// =============================================================================
// Errors
// =============================================================================

// EmbeddingError describes a failed embedding call.
//
// Retryable is set for gateway-style statuses (502, 503, 504) where a
// second attempt is likely to succeed.
type EmbeddingError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed (status %d, retryable %v): %s",
		e.StatusCode, e.Retryable, e.Message)
}

// IsEmbeddingError reports whether err is an EmbeddingError.
func IsEmbeddingError(err error) bool {
	var ee *EmbeddingError
	return errors.As(err, &ee)
}

// =============================================================================
// Client Interface
// =============================================================================

// Client produces embedding vectors for text.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type Client interface {
	// Embed returns the embedding vector for text. An empty vector is never
	// returned without an error.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the vector dimension discovered from the first
	// successful call, or 0 before any call succeeded.
	Dimension() int
}

// =============================================================================
// HTTP Client
// =============================================================================

// Config holds the embedder endpoint settings.
type Config struct {
	URL       string
	Model     string
	Timeout   time.Duration
	MaxRetry  int
	UserAgent string
}

// DefaultConfig reads the embedder settings from the environment:
// EMBEDDING_URL, EMBEDDING_MODEL, EMBED_TIMEOUT_MS.
func DefaultConfig() Config {
	return Config{
		URL:      getEnvString("EMBEDDING_URL", "http://localhost:11434/api/embeddings"),
		Model:    getEnvString("EMBEDDING_MODEL", "nomic-embed-text"),
		Timeout:  time.Duration(getEnvInt("EMBED_TIMEOUT_MS", 30000)) * time.Millisecond,
		MaxRetry: maxRetries,
	}
}

// HTTPClient calls an Ollama-compatible embedding endpoint.
//
// # Description
//
// Posts {model, prompt, stream:false} and reads the embedding array from
// the response. The dimension of the first successful response becomes
// canonical; any later response with a different length is rejected so a
// model swap cannot silently poison the index.
type HTTPClient struct {
	cfg    Config
	client *http.Client

	mu  sync.Mutex
	dim int
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds an HTTPClient from cfg.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = maxRetries
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests a vector for text, retrying retryable upstream failures
// with exponential backoff (1s, 2s, 4s).
func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := embedTracer.Start(ctx, "HTTPClient.Embed")
	defer span.End()

	var lastErr error
	delay := initialRetryDelay
	for attempt := 1; attempt <= c.cfg.MaxRetry; attempt++ {
		vec, err := c.embedOnce(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err

		var ee *EmbeddingError
		if !errors.As(err, &ee) || !ee.Retryable {
			break
		}
		slog.Warn("embedding call failed, retrying",
			"attempt", attempt, "max", c.cfg.MaxRetry, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			span.SetStatus(codes.Error, ctx.Err().Error())
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, lastErr
}

func (c *HTTPClient) embedOnce(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: c.cfg.Model, Prompt: text, Stream: false})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close embedding response body", "error", err)
		}
	}()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &EmbeddingError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Retryable:  isRetryableStatus(resp.StatusCode),
		}
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, &EmbeddingError{
			StatusCode: resp.StatusCode,
			Message:    "response carried an empty embedding",
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dim == 0 {
		c.dim = len(parsed.Embedding)
		slog.Info("embedding dimension discovered", "dimension", c.dim, "model", c.cfg.Model)
	} else if c.dim != len(parsed.Embedding) {
		return nil, &EmbeddingError{
			StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("embedding dimension changed from %d to %d",
				c.dim, len(parsed.Embedding)),
		}
	}
	return parsed.Embedding, nil
}

// Dimension returns the canonical vector dimension, 0 before discovery.
func (c *HTTPClient) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dim
}

func isRetryableStatus(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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
