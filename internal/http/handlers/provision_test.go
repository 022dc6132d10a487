package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	jobrepo "github.com/foundryworks/capiforge/internal/data/repos/jobs"
	"github.com/foundryworks/capiforge/internal/data/repos/testutil"
	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
	"github.com/foundryworks/capiforge/internal/jobs/orchestrator"
	"github.com/foundryworks/capiforge/internal/jobs/runtime"
	"github.com/foundryworks/capiforge/internal/realtime"
)

// fakeHandler completes instantly without touching any network client, so
// tests can exercise the orchestrator/handler wiring without depending on
// LLM/BigQuery/CAPI credentials.
type fakeHandler struct{ name string }

func (f *fakeHandler) Type() string { return f.name }
func (f *fakeHandler) Run(ctx *runtime.Context) error {
	ctx.Pipeline.DatasetID = "stub_dataset"
	return nil
}

func newTestProvisionHandler(t *testing.T) (*ProvisionHandler, jobrepo.JobRepo) {
	t.Helper()
	log := testutil.Logger(t)
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := jobrepo.NewJobRepo(tx, log, 14400)

	registry := runtime.NewRegistry()
	require.NoError(t, registry.Register(&fakeHandler{name: "stub"}))

	stages := []orchestrator.Stage{{Name: "stub", Index: 0, Timeout: 5 * time.Second}}
	engine, err := orchestrator.NewEngine(log, registry, stages, time.Minute, "stub", false)
	require.NoError(t, err)

	hub := realtime.NewHub(log)
	return NewProvisionHandler(log, repo, engine, hub), repo
}

func TestStart_CreatesPendingJobAndReturnsID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, repo := newTestProvisionHandler(t)

	body, _ := json.Marshal(startRequest{CustomerURL: "https://acme.example.com"})
	req := httptest.NewRequest(http.MethodPost, "/api/provision/start", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = req

	h.Start(c)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["job_id"])

	jobID, err := uuid.Parse(resp["job_id"].(string))
	require.NoError(t, err)

	// Give the detached orchestrator goroutine a moment to run the single
	// stub stage to completion.
	require.Eventually(t, func() bool {
		job, err := repo.Get(context.Background(), nil, jobID)
		return err == nil && job.Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStart_RejectsMissingCustomerURL(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _ := newTestProvisionHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/provision/start", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = req

	h.Start(c)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatus_ReturnsNotFoundForUnknownJob(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _ := newTestProvisionHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/provision/status/00000000-0000-0000-0000-000000000000", nil)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = req
	c.Params = gin.Params{{Key: "job_id", Value: "00000000-0000-0000-0000-000000000000"}}

	h.Status(c)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
