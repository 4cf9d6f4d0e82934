// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.recall.llm.ollama")

// OllamaClient calls an Ollama-compatible /api/generate endpoint.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

var _ LLMClient = (*OllamaClient)(nil)

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

// NewOllamaClient reads OLLAMA_BASE_URL, OLLAMA_MODEL and
// GENERATE_TIMEOUT_MS from the environment.
func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
		slog.Warn("OLLAMA_BASE_URL not set, defaulting", "base_url", baseURL)
	}
	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		model = "llama3.1"
		slog.Warn("OLLAMA_MODEL not set, defaulting", "model", model)
	}
	timeout := 30 * time.Second
	if v := os.Getenv("GENERATE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", model, "timeout", timeout)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// Model returns the configured model name, recorded in message metadata.
func (o *OllamaClient) Model() string {
	return o.model
}

// Generate implements LLMClient against /api/generate.
//
// # Description
//
// Posts {model, prompt, stream:false, options} and reads the "response"
// field. A non-2xx status or a missing response is a GenerationError;
// gateway statuses are flagged retryable. The request carries the caller's
// context so turn deadlines propagate to the upstream call.
func (o *OllamaClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.prompt_chars", len(prompt)),
	)

	options := make(map[string]any)
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	payload := ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Stream:  false,
		Options: options,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to marshal generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Ollama generate call failed", "error", err)
		return "", fmt.Errorf("generate call failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close generate response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to read generate response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			var errResp struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(respBody, &errResp); err == nil &&
				strings.Contains(errResp.Error, "model") &&
				strings.Contains(errResp.Error, "not found") {
				slog.Warn("Ollama model not found", "model", o.model)
				return "", &GenerationError{
					StatusCode: resp.StatusCode,
					Message:    fmt.Sprintf("model %q not found, run: ollama pull %s", o.model, o.model),
				}
			}
		}
		genErr := &GenerationError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			Retryable: resp.StatusCode == http.StatusBadGateway ||
				resp.StatusCode == http.StatusServiceUnavailable ||
				resp.StatusCode == http.StatusGatewayTimeout,
		}
		span.RecordError(genErr)
		span.SetStatus(codes.Error, genErr.Error())
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode)
		return "", genErr
	}

	var parsed ollamaGenerateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Failed to parse generate response", "error", err)
		return "", fmt.Errorf("failed to parse generate response: %w", err)
	}
	if parsed.Response == "" {
		return "", &GenerationError{
			StatusCode: resp.StatusCode,
			Message:    "response field missing or empty",
		}
	}
	slog.Debug("Received generate response", "model", parsed.Model, "chars", len(parsed.Response))
	return parsed.Response, nil
}
