package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Setenv("OLLAMA_BASE_URL", srv.URL)
	t.Setenv("OLLAMA_MODEL", "test-model")
	c, err := NewOllamaClient()
	require.NoError(t, err)
	return c
}

func TestOllamaGenerate_Success(t *testing.T) {
	var gotReq ollamaGenerateRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{
			Model: "test-model", Response: "hello back", Done: true,
		})
	})

	got, err := c.Generate(context.Background(), "hello", GenerationParams{
		Temperature: Float32Ptr(0.3),
		MaxTokens:   IntPtr(128),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello back", got)
	assert.Equal(t, "test-model", gotReq.Model)
	assert.Equal(t, "hello", gotReq.Prompt)
	assert.False(t, gotReq.Stream)
	assert.InDelta(t, 0.3, gotReq.Options["temperature"], 1e-6)
	assert.EqualValues(t, 128, gotReq.Options["num_predict"])
}

func TestOllamaGenerate_NonOKStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	_, err := c.Generate(context.Background(), "hi", GenerationParams{})
	require.Error(t, err)
	require.True(t, IsGenerationError(err))
	var ge *GenerationError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, http.StatusServiceUnavailable, ge.StatusCode)
	assert.True(t, ge.Retryable)
}

func TestOllamaGenerate_MissingResponseField(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"done": true})
	})
	_, err := c.Generate(context.Background(), "hi", GenerationParams{})
	require.Error(t, err)
	assert.True(t, IsGenerationError(err))
}

func TestOllamaGenerate_ModelNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "model 'test-model' not found"})
	})
	_, err := c.Generate(context.Background(), "hi", GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama pull")
}

func TestOllamaGenerate_ContextCancellation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Generate(ctx, "hi", GenerationParams{})
	require.Error(t, err)
}

func TestNewClientFromEnv_UnknownBackend(t *testing.T) {
	t.Setenv("LLM_BACKEND", "carrier-pigeon")
	_, err := NewClientFromEnv()
	require.Error(t, err)
}

func TestNewClientFromEnv_DefaultsToOllama(t *testing.T) {
	t.Setenv("LLM_BACKEND", "")
	t.Setenv("OLLAMA_BASE_URL", "http://localhost:11434")
	os.Unsetenv("LLM_BACKEND")
	c, err := NewClientFromEnv()
	require.NoError(t, err)
	_, ok := c.(*OllamaClient)
	assert.True(t, ok)
}
