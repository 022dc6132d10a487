package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryworks/capiforge/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func respondAssistantText(w http.ResponseWriter, text string) {
	resp := responsesResponse{
		Output: []struct {
			Type    string `json:"type"`
			Role    string `json:"role,omitempty"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text,omitempty"`
			} `json:"content,omitempty"`
		}{
			{
				Type: "message",
				Role: "assistant",
				Content: []struct {
					Type string `json:"type"`
					Text string `json:"text,omitempty"`
				}{{Type: "output_text", Text: text}},
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestProvider_GenerateJSON_DecodesStructuredOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req responsesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "strict-model", req.Model)
		assert.Equal(t, "json_schema", req.Text.Format["type"])
		respondAssistantText(w, `{"company_name":"Acme"}`)
	}))
	defer srv.Close()

	p, err := newProvider(testLogger(t), "strong", "key", srv.URL, "strict-model", 0, 3)
	require.NoError(t, err)

	out, err := p.generateJSON(context.Background(), "", "system prompt", "user prompt", "research_output", map[string]any{"type": "object"})
	require.NoError(t, err)
	assert.Equal(t, "Acme", out["company_name"])
}

func TestProvider_GenerateText_RetriesTransientFailureThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		respondAssistantText(w, "hello from the model")
	}))
	defer srv.Close()

	p, err := newProvider(testLogger(t), "fast", "key", srv.URL, "fast-model", 0, 3)
	require.NoError(t, err)

	text, err := p.generateText(context.Background(), "", "system", "user")
	require.NoError(t, err)
	assert.Equal(t, "hello from the model", text)
	assert.Equal(t, 2, attempts)
}

func TestProvider_GenerateText_DoesNotRetryClientError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	p, err := newProvider(testLogger(t), "fast", "key", srv.URL, "fast-model", 0, 3)
	require.NoError(t, err)

	_, err = p.generateText(context.Background(), "", "system", "user")
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "a 4xx must surface immediately, not be retried")
}

func TestProvider_GenerateText_StopsAfterRetryCap(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := newProvider(testLogger(t), "fast", "key", srv.URL, "fast-model", 0, 3)
	require.NoError(t, err)

	_, err = p.generateText(context.Background(), "", "system", "user")
	require.Error(t, err)
	assert.Equal(t, 4, attempts, "maxRetries=3 allows the initial try plus three retries")
}

func TestClient_ResolveTier_UsesAgentDefaults(t *testing.T) {
	t.Setenv("FAST_LLM_API_KEY", "fast-key")
	t.Setenv("FAST_LLM_BASE_URL", "https://fast.example")
	t.Setenv("FAST_LLM_MODEL", "fast-model")
	t.Setenv("STRONG_LLM_API_KEY", "strong-key")
	t.Setenv("STRONG_LLM_BASE_URL", "https://strong.example")
	t.Setenv("STRONG_LLM_MODEL", "strong-model")

	c, err := NewClient(testLogger(t))
	require.NoError(t, err)

	assert.Equal(t, TierFast, c.ResolveTier(AgentResearch))
	assert.Equal(t, TierStrong, c.ResolveTier(AgentDemoStory))
	assert.Equal(t, TierStrong, c.ResolveTier(AgentDataModeling))
	assert.Equal(t, TierFast, c.ResolveTier(AgentSyntheticData))
	assert.Equal(t, TierStrong, c.ResolveTier(AgentCAPIInstructions))
	assert.Equal(t, TierFast, c.ResolveTier("unknown_agent"))
}

func TestClient_GenerateText_HonorsPerAgentModelOverride(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req responsesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model
		respondAssistantText(w, "ok")
	}))
	defer srv.Close()

	t.Setenv("FAST_LLM_API_KEY", "fast-key")
	t.Setenv("FAST_LLM_BASE_URL", srv.URL)
	t.Setenv("FAST_LLM_MODEL", "fast-default")
	t.Setenv("STRONG_LLM_API_KEY", "strong-key")
	t.Setenv("STRONG_LLM_BASE_URL", srv.URL)
	t.Setenv("STRONG_LLM_MODEL", "strong-default")
	t.Setenv("RESEARCH_AGENT_MODEL", "research-pinned-model")

	c, err := NewClient(testLogger(t))
	require.NoError(t, err)

	_, err = c.GenerateText(context.Background(), AgentResearch, "system", "user")
	require.NoError(t, err)
	assert.Equal(t, "research-pinned-model", gotModel)
}

func TestNewClient_FailsWithoutRequiredEnv(t *testing.T) {
	_, err := NewClient(testLogger(t))
	require.Error(t, err)
}
