package infrastructure

import (
	"context"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
	"github.com/foundryworks/capiforge/internal/jobs/runtime"
	"github.com/foundryworks/capiforge/internal/platform/apierr"
	"github.com/foundryworks/capiforge/internal/platform/logger"
)

func TestToBQFields_MapsTypeAndRequiredness(t *testing.T) {
	fields := []domain.Field{
		{Name: "id", Type: domain.FieldTypeString, Mode: domain.FieldModeRequired},
		{Name: "signed_up_at", Type: domain.FieldTypeTimestamp, Mode: domain.FieldModeNullable},
	}

	out := toBQFields(fields)

	require.Len(t, out, 2)
	assert.Equal(t, "id", out[0].Name)
	assert.Equal(t, bigquery.FieldType("STRING"), out[0].Type)
	assert.True(t, out[0].Required)
	assert.Equal(t, "signed_up_at", out[1].Name)
	assert.Equal(t, bigquery.FieldType("TIMESTAMP"), out[1].Type)
	assert.False(t, out[1].Required)
}

func TestDatasetName_FollowsSlugDemoDateConvention(t *testing.T) {
	name := datasetName("acme")
	assert.Regexp(t, `^acme_capi_demo_\d{8}$`, name)
}

func TestDatasetNameWithSuffix_InsertsNumericSuffixOnCollision(t *testing.T) {
	assert.Equal(t, "acme_capi_demo_20260101", datasetNameWithSuffix("acme", 1, "20260101"))
	assert.Equal(t, "acme_2_capi_demo_20260101", datasetNameWithSuffix("acme", 2, "20260101"))
	assert.Regexp(t, `^acme(_\d+)?_capi_demo_\d{8}$`, datasetNameWithSuffix("acme", 3, "20260831"))
}

func TestRun_FailsFastOnMissingSchema(t *testing.T) {
	log, err := logger.New("test")
	require.NoError(t, err)
	h := New(log, nil, nil)

	job := &domain.Job{}
	jobCtx := runtime.NewContext(context.Background(), nil, job, nil, nil)
	jobCtx.Pipeline.Schema = nil

	runErr := h.Run(jobCtx)
	require.Error(t, runErr)
	var apiErr *apierr.Error
	require.ErrorAs(t, runErr, &apiErr)
	assert.Equal(t, apierr.KindInput, apiErr.Kind)
}
