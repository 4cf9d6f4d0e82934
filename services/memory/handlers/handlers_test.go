// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/llm"
	"github.com/AleutianAI/AleutianRecall/services/memory/chain"
	"github.com/AleutianAI/AleutianRecall/services/memory/chunker"
	"github.com/AleutianAI/AleutianRecall/services/memory/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/memory/engine"
	"github.com/AleutianAI/AleutianRecall/services/memory/extraction"
	"github.com/AleutianAI/AleutianRecall/services/memory/prompt"
	"github.com/AleutianAI/AleutianRecall/services/memory/retrieval"
	"github.com/AleutianAI/AleutianRecall/services/memory/routes"
	"github.com/AleutianAI/AleutianRecall/services/memory/store"
	"github.com/AleutianAI/AleutianRecall/services/memory/summary"
	"github.com/AleutianAI/AleutianRecall/services/memory/vectorindex"
	"github.com/AleutianAI/AleutianRecall/services/memory/window"
)

// stubGenerator answers extraction prompts with empty JSON and everything
// else with a canned reply.
type stubGenerator struct {
	reply string
	err   error
}

func (g *stubGenerator) Generate(ctx context.Context, p string, _ llm.GenerationParams) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	if strings.Contains(p, "Extract key information") {
		return "{}", nil
	}
	return g.reply, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (stubEmbedder) Dimension() int { return 3 }

func newTestRouter(t *testing.T, gen llm.LLMClient) (*gin.Engine, store.MessageStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	msgs := store.NewMemoryMessageStore()
	ix := vectorindex.NewStoreIndex(store.NewMemoryChunkStore())
	windows := window.NewManager(window.Config{
		MaxWindowSize:   10,
		MaxRetention:    time.Hour,
		CleanupInterval: time.Minute,
	}, summary.NewSummarizer(gen, 0))

	retrCfg := retrieval.Config{
		ChunksBefore: 1, ChunksAfter: 1, MaxSimilar: 3,
		SimilarityThreshold: 0.7, Strategy: retrieval.StrategyFixed,
	}
	eng := engine.New(engine.Options{
		Messages:   msgs,
		Index:      ix,
		Embedder:   stubEmbedder{},
		Generator:  gen,
		Windows:    windows,
		Extractor:  extraction.NewExtractor(gen, extraction.Config{MaxConcurrent: 2, EnableFallback: true}),
		Retriever:  retrieval.NewRetriever(stubEmbedder{}, ix, nil, windows.RecentMessageIDs),
		Merger:     retrieval.NewMerger(msgs),
		Builder:    prompt.NewBuilder(prompt.Config{MaxPromptLength: 4000, EnableTruncation: true}),
		ChunkerCfg: chunker.DefaultConfig(),
		Retrieval:  retrCfg,
		Model:      "test-model",
	})

	router := gin.New()
	routes.SetupRoutes(router, eng, chain.NewValidator(msgs), chain.NewReconstructor(msgs))
	return router, msgs
}

func postChat(t *testing.T, router *gin.Engine, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, &stubGenerator{reply: "hi"})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestChat_Success(t *testing.T) {
	router, _ := newTestRouter(t, &stubGenerator{reply: "the answer"})
	w := postChat(t, router, datatypes.ChatRequest{Message: "hello", SessionID: "s1"})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp datatypes.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "the answer", resp.Answer)
	assert.Equal(t, "s1", resp.SessionID)
	assert.NotEmpty(t, resp.MessageID)
}

func TestChat_MissingFields(t *testing.T) {
	router, _ := newTestRouter(t, &stubGenerator{reply: "hi"})

	w := postChat(t, router, datatypes.ChatRequest{Message: "hello"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postChat(t, router, datatypes.ChatRequest{SessionID: "s1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChat_MalformedBody(t *testing.T) {
	router, _ := newTestRouter(t, &stubGenerator{reply: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChat_GeneratorFailure(t *testing.T) {
	router, _ := newTestRouter(t, &stubGenerator{
		err: &llm.GenerationError{StatusCode: 503, Message: "backend down", Retryable: true},
	})
	w := postChat(t, router, datatypes.ChatRequest{Message: "hello", SessionID: "s1"})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestSessionHistory(t *testing.T) {
	router, _ := newTestRouter(t, &stubGenerator{reply: "reply"})
	w := postChat(t, router, datatypes.ChatRequest{Message: "first turn", SessionID: "s1"})
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/history", nil)
	hw := httptest.NewRecorder()
	router.ServeHTTP(hw, req)

	require.Equal(t, http.StatusOK, hw.Code)
	var body struct {
		SessionID string              `json:"session_id"`
		Messages  []datatypes.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(hw.Body.Bytes(), &body))
	assert.Equal(t, "s1", body.SessionID)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "first turn", body.Messages[0].Content)
	assert.Equal(t, "reply", body.Messages[1].Content)
}

func TestValidateChain(t *testing.T) {
	router, _ := newTestRouter(t, &stubGenerator{reply: "reply"})
	w := postChat(t, router, datatypes.ChatRequest{Message: "hello", SessionID: "s1"})
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/chain/validate", nil)
	vw := httptest.NewRecorder()
	router.ServeHTTP(vw, req)

	require.Equal(t, http.StatusOK, vw.Code)
	var report datatypes.ChainValidationReport
	require.NoError(t, json.Unmarshal(vw.Body.Bytes(), &report))
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.TotalMessages)
	assert.Equal(t, 1, report.RootCount)
}

func TestRepairChain_FixesBrokenParent(t *testing.T) {
	router, msgs := newTestRouter(t, &stubGenerator{reply: "reply"})
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond)
	require.NoError(t, msgs.Save(ctx, &datatypes.Message{
		ID: "m1", SessionID: "s1", Role: datatypes.RoleUser,
		Content: "root", Timestamp: base,
	}))
	require.NoError(t, msgs.Save(ctx, &datatypes.Message{
		ID: "m2", SessionID: "s1", Role: datatypes.RoleAssistant,
		Content: "dangling", ParentMessageID: "gone", Timestamp: base.Add(time.Second),
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/chain/repair", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var report datatypes.ChainRepairReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.False(t, report.Before.Valid)
	assert.True(t, report.After.Valid)
	require.Len(t, report.Repairs, 1)
	assert.Equal(t, "m2", report.Repairs[0].MessageID)
	assert.Equal(t, "m1", report.Repairs[0].NewParent)
}

func TestClearSession(t *testing.T) {
	router, msgs := newTestRouter(t, &stubGenerator{reply: "reply"})
	w := postChat(t, router, datatypes.ChatRequest{Message: "hello", SessionID: "s1"})
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/s1", nil)
	dw := httptest.NewRecorder()
	router.ServeHTTP(dw, req)
	require.Equal(t, http.StatusOK, dw.Code)

	remaining, err := msgs.FindBySessionID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestStatistics(t *testing.T) {
	router, _ := newTestRouter(t, &stubGenerator{reply: "reply"})
	w := postChat(t, router, datatypes.ChatRequest{Message: "hello", SessionID: "s1"})
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/statistics", nil)
	sw := httptest.NewRecorder()
	router.ServeHTTP(sw, req)

	require.Equal(t, http.StatusOK, sw.Code)
	var stats datatypes.ServiceStatistics
	require.NoError(t, json.Unmarshal(sw.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.ActiveWindows)
}
