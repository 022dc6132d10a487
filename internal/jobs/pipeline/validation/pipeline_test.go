package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
	"github.com/foundryworks/capiforge/internal/jobs/runtime"
	"github.com/foundryworks/capiforge/internal/platform/logger"
)

func TestRun_ErrorsWithoutAProvisionedAgent(t *testing.T) {
	log, err := logger.New("test")
	require.NoError(t, err)
	h := New(log, nil)

	job := &domain.Job{}
	jobCtx := runtime.NewContext(context.Background(), nil, job, nil, nil)
	jobCtx.Pipeline.DemoStory = &domain.DemoStory{GoldenQueries: []domain.GoldenQuery{{Question: "q"}}}
	jobCtx.Pipeline.AgentID = ""

	assert.Error(t, h.Run(jobCtx))
}

func TestRun_ErrorsWithoutADemoStory(t *testing.T) {
	log, err := logger.New("test")
	require.NoError(t, err)
	h := New(log, nil)

	job := &domain.Job{}
	jobCtx := runtime.NewContext(context.Background(), nil, job, nil, nil)
	jobCtx.Pipeline.AgentID = "agent-123"
	jobCtx.Pipeline.DemoStory = nil

	assert.Error(t, h.Run(jobCtx))
}
