package capi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/foundryworks/capiforge/internal/platform/logger"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return &Client{
		log:        log.With("component", "capi"),
		baseURL:    baseURL,
		tokenSrc:   oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		maxRetries: 3,
	}
}

func TestClient_CreateAgent_ReturnsAgentID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		var req createAgentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "acme_capi_demo_20260101", req.Dataset)
		_ = json.NewEncoder(w).Encode(createAgentResponse{AgentID: "agent-123"})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	id, err := c.CreateAgent(context.Background(), "acme_capi_demo_20260101", "acme-demo")
	require.NoError(t, err)
	assert.Equal(t, "agent-123", id)
}

func TestClient_CreateAgent_FailsOnEmptyAgentID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(createAgentResponse{})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.CreateAgent(context.Background(), "ds", "name")
	require.Error(t, err)
}

func TestClient_SetInstructions_SendsYAMLBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var req setInstructionsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.PublishedContextYAML, "system_instruction")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	err := c.SetInstructions(context.Background(), "agent-123", "system_instruction: hello\n")
	require.NoError(t, err)
}

func TestClient_RunQuery_ReturnsAnswerAndSuccessFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(runQueryResponse{Answer: "42 widgets", Succeed: true})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	answer, ok, err := c.RunQuery(context.Background(), "agent-123", "how many widgets?")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42 widgets", answer)
}

func TestClient_Do_DoesNotRetryClientError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.CreateAgent(context.Background(), "ds", "name")
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
