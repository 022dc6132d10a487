package capi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/foundryworks/capiforge/internal/platform/apierr"
	"github.com/foundryworks/capiforge/internal/platform/envutil"
	"github.com/foundryworks/capiforge/internal/platform/logger"
	"github.com/foundryworks/capiforge/internal/pkg/httpx"
)

/*
Client is a thin REST wrapper over the Conversational Analytics API (spec
§4.4: `capi.create_agent(dataset, name) → agent_id` and
`capi.set_instructions(agent_id, yaml)`), authenticated the same way the
teacher's GCP clients are — Application Default Credentials via
golang.org/x/oauth2/google, not a hand-rolled token exchange.

RunQuery is used only by the disabled validation stage
(internal/jobs/pipeline/validation) — the live six-stage graph never calls
it.
*/
type Client struct {
	log        *logger.Logger
	baseURL    string
	tokenSrc   oauth2.TokenSource
	httpClient *http.Client
	maxRetries int
}

// NewClient resolves Application Default Credentials the same way the
// teacher's GCP wrappers do (internal/platform/gcp/creds.go), scoped to
// cloud-platform, and wraps the CAPI REST API's two provisioning calls plus
// the query endpoint the (disabled) validation stage uses.
func NewClient(ctx context.Context, log *logger.Logger) (*Client, error) {
	baseURL := strings.TrimRight(envutil.String("CAPI_BASE_URL", ""), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("capi: missing CAPI_BASE_URL")
	}

	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("capi: resolve application default credentials: %w", err)
	}

	return &Client{
		log:        log.With("component", "capi"),
		baseURL:    baseURL,
		tokenSrc:   creds.TokenSource,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		maxRetries: envutil.Int("CAPI_MAX_RETRIES", 2),
	}, nil
}

type createAgentRequest struct {
	Dataset string `json:"dataset"`
	Name    string `json:"name"`
}

type createAgentResponse struct {
	AgentID string `json:"agent_id"`
}

// CreateAgent creates a CAPI agent bound to dataset (spec §4.3.5).
func (c *Client) CreateAgent(ctx context.Context, dataset, name string) (string, error) {
	var resp createAgentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/agents", createAgentRequest{Dataset: dataset, Name: name}, &resp); err != nil {
		return "", apierr.Wrap(apierr.KindInfrastructure, "infrastructure", err)
	}
	if resp.AgentID == "" {
		return "", apierr.Newf(apierr.KindInfrastructure, "infrastructure", "capi: create_agent returned empty agent id")
	}
	return resp.AgentID, nil
}

type setInstructionsRequest struct {
	PublishedContextYAML string `json:"published_context_yaml"`
}

// SetInstructions re-applies the YAML system-instruction document as the
// agent's published context (spec §4.3.6).
func (c *Client) SetInstructions(ctx context.Context, agentID, yamlDoc string) error {
	path := fmt.Sprintf("/v1/agents/%s/instructions", agentID)
	if err := c.do(ctx, http.MethodPut, path, setInstructionsRequest{PublishedContextYAML: yamlDoc}, nil); err != nil {
		return apierr.Wrap(apierr.KindInfrastructure, "capi_instructions", err)
	}
	return nil
}

type runQueryRequest struct {
	Question string `json:"question"`
}

type runQueryResponse struct {
	Answer  string `json:"answer"`
	Succeed bool   `json:"succeeded"`
}

// RunQuery executes a natural-language question against agentID. Used only
// by the disabled validation stage.
func (c *Client) RunQuery(ctx context.Context, agentID, question string) (answer string, succeeded bool, err error) {
	path := fmt.Sprintf("/v1/agents/%s/query", agentID)
	var resp runQueryResponse
	if doErr := c.do(ctx, http.MethodPost, path, runQueryRequest{Question: question}, &resp); doErr != nil {
		return "", false, doErr
	}
	return resp.Answer, resp.Succeed, nil
}

type capiHTTPError struct {
	StatusCode int
	Body       string
}

func (e *capiHTTPError) Error() string {
	return fmt.Sprintf("capi http %d: %s", e.StatusCode, e.Body)
}

func (e *capiHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	token, err := c.tokenSrc.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("capi: token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &capiHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

// do retries transient failures with exponential backoff and jitter: the
// first attempt plus up to maxRetries retries (CAPI_MAX_RETRIES, default 2,
// so three attempts in total) — same shared primitive the LLM layer
// uses (internal/pkg/httpx), never logging request bodies.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("capi: decode error: %w", uErr)
			}
			return nil
		}

		if !httpx.IsRetryableError(err) {
			return err
		}
		if attempt == c.maxRetries {
			return err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("capi request retrying", "path", path, "attempt", attempt+1, "sleep", sleepFor.String())
		time.Sleep(sleepFor)
		backoff *= 2
	}

	return fmt.Errorf("capi: unreachable retry loop")
}
