package infrastructure

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/bigquery"
	"golang.org/x/sync/errgroup"

	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
	"github.com/foundryworks/capiforge/internal/jobs/runtime"
	"github.com/foundryworks/capiforge/internal/platform/apierr"
	"github.com/foundryworks/capiforge/internal/tools/bq"
)

// Run provisions the dataset described by the schema and synthetic data
// built by the prior two stages (spec §4.3.5). Table create + load runs
// concurrently, bounded by INFRASTRUCTURE_FANOUT; any failure triggers a
// best-effort dataset rollback before the stage fails.
func (h *Handler) Run(ctx *runtime.Context) error {
	p := ctx.Pipeline
	if p.Schema == nil || len(p.Schema.Tables) == 0 {
		return apierr.Newf(apierr.KindInput, StageName, "infrastructure stage requires a schema")
	}
	if p.DataDir == "" {
		return apierr.Newf(apierr.KindInput, StageName, "infrastructure stage requires generated synthetic data")
	}
	if p.Research == nil {
		return apierr.Newf(apierr.KindInput, StageName, "infrastructure stage requires research output")
	}

	datasetID, err := h.allocateDatasetID(ctx, p.Research.Slug)
	if err != nil {
		return apierr.Wrap(apierr.KindInfrastructure, StageName, err)
	}
	if err := h.bq.CreateDataset(ctx.Ctx, datasetID); err != nil {
		return apierr.Wrap(apierr.KindInfrastructure, StageName, err)
	}

	if err := h.createAndLoad(ctx, datasetID, p.Schema.Tables); err != nil {
		if rbErr := h.bq.DeleteDataset(ctx.Ctx, datasetID); rbErr != nil {
			ctx.Log(domain.LogLevelError, StageName, fmt.Sprintf("rollback of dataset %s failed, leaving it for manual cleanup: %v", datasetID, rbErr))
		} else {
			ctx.Log(domain.LogLevelWarn, StageName, fmt.Sprintf("rolled back dataset %s after load failure", datasetID))
		}
		return apierr.Wrap(apierr.KindInfrastructure, StageName, err)
	}

	stats, err := h.collectStats(ctx, datasetID, p.Schema.Tables)
	if err != nil {
		return apierr.Wrap(apierr.KindInfrastructure, StageName, err)
	}

	agentName := fmt.Sprintf("%s CAPI Demo Agent", p.Research.CompanyName)
	agentID, err := h.capi.CreateAgent(ctx.Ctx, datasetID, agentName)
	if err != nil {
		return err
	}

	p.DatasetID = datasetID
	p.AgentID = agentID
	p.TableStats = stats
	return nil
}

// maxDatasetCollisionAttempts bounds the existence-check-and-increment loop
// in allocateDatasetID — a same-company/same-day re-run collides once in
// the common case; anything past this is treated as an infrastructure error
// rather than spinning indefinitely.
const maxDatasetCollisionAttempts = 50

// datasetName follows spec §6.5's naming convention for the first attempt:
// {slug}_capi_demo_{yyyymmdd}. Collisions are suffixed by
// datasetNameWithSuffix via allocateDatasetID.
func datasetName(slug string) string {
	return datasetNameWithSuffix(slug, 1, time.Now().UTC().Format("20060102"))
}

// datasetNameWithSuffix builds the nth dataset-name candidate for slug on
// the given date stamp: n=1 yields the bare name, n>1 inserts a numeric
// suffix between the slug and "_capi_demo_", matching E1's
// `^shopify(_\d+)?_capi_demo_\d{8}$` acceptance regex.
func datasetNameWithSuffix(slug string, n int, dateStamp string) string {
	if n <= 1 {
		return fmt.Sprintf("%s_capi_demo_%s", slug, dateStamp)
	}
	return fmt.Sprintf("%s_%d_capi_demo_%s", slug, n, dateStamp)
}

// allocateDatasetID finds the first dataset name for slug that does not
// already exist in the project, numbering collisions per spec §6.5 ("a
// numeric suffix on collision") — required because a same-company,
// same-day re-run would otherwise collide with a dataset created by an
// earlier job and BigQuery's CreateDataset would hard-fail with a 409.
func (h *Handler) allocateDatasetID(ctx *runtime.Context, slug string) (string, error) {
	dateStamp := time.Now().UTC().Format("20060102")
	for n := 1; n <= maxDatasetCollisionAttempts; n++ {
		candidate := datasetNameWithSuffix(slug, n, dateStamp)
		exists, err := h.bq.DatasetExists(ctx.Ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check dataset existence for %s: %w", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
		ctx.Log(domain.LogLevelInfo, StageName, fmt.Sprintf("dataset %s already exists, trying next suffix", candidate))
	}
	return "", fmt.Errorf("exhausted %d dataset name candidates for slug %q on %s", maxDatasetCollisionAttempts, slug, dateStamp)
}

func (h *Handler) createAndLoad(ctx *runtime.Context, datasetID string, tables []domain.Table) error {
	g, gCtx := errgroup.WithContext(ctx.Ctx)
	g.SetLimit(h.fanOut)

	for _, table := range tables {
		table := table
		g.Go(func() error {
			if err := h.bq.CreateTable(gCtx, datasetID, table.Name, toBQFields(table.Fields)); err != nil {
				return fmt.Errorf("table %s: %w", table.Name, err)
			}
			data, err := os.ReadFile(filepath.Join(ctx.Pipeline.DataDir, table.Name+".jsonl"))
			if err != nil {
				return fmt.Errorf("table %s: read ndjson: %w", table.Name, err)
			}
			if err := h.bq.LoadNDJSON(gCtx, datasetID, table.Name, data); err != nil {
				return fmt.Errorf("table %s: %w", table.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (h *Handler) collectStats(ctx *runtime.Context, datasetID string, tables []domain.Table) ([]domain.TableStats, error) {
	out := make([]domain.TableStats, len(tables))
	g, gCtx := errgroup.WithContext(ctx.Ctx)
	g.SetLimit(h.fanOut)

	for i, table := range tables {
		i, table := i, table
		g.Go(func() error {
			stats, err := h.bq.GetStats(gCtx, datasetID, table.Name)
			if err != nil {
				return fmt.Errorf("table %s: stats: %w", table.Name, err)
			}
			out[i] = domain.TableStats{
				Table:       table.Name,
				RowsLoaded:  int64(stats.RowCount),
				StorageSize: stats.SizeBytes,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func toBQFields(fields []domain.Field) []bq.Field {
	out := make([]bq.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, bq.Field{
			Name:     f.Name,
			Type:     bigquery.FieldType(f.Type),
			Required: f.Mode == domain.FieldModeRequired,
		})
	}
	return out
}
