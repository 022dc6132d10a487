package bq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/foundryworks/capiforge/internal/platform/envutil"
	"github.com/foundryworks/capiforge/internal/platform/logger"
)

/*
Client wraps cloud.google.com/go/bigquery with the five primitives the
infrastructure stage needs (spec §4.4: `bq.create_dataset / create_table /
load_ndjson / get_stats / delete_dataset`). Each method operates on a single
dataset/table; the infrastructure stage is responsible for the
parallel-per-table fan-out (spec §5: "within a stage, fan-out is permitted"),
using golang.org/x/sync/errgroup the same way the teacher's GCP wrappers
structure bulk object operations.
*/
type Client struct {
	log      *logger.Logger
	bq       *bigquery.Client
	location string
}

// Field is a single BigQuery schema field — a narrowed projection of the
// domain schema's Field type so this package has no dependency on
// internal/domain/jobs.
type Field struct {
	Name     string
	Type     bigquery.FieldType
	Required bool
}

// TableStats mirrors what the report needs per table after a load.
type TableStats struct {
	RowCount  uint64
	SizeBytes int64
}

// NewClient constructs a project-scoped BigQuery client using Application
// Default Credentials, following the same ClientOptionsFromEnv pattern the
// teacher's GCP wrappers use (internal/platform/gcp/creds.go).
func NewClient(ctx context.Context, log *logger.Logger) (*Client, error) {
	projectID := envutil.String("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("bq: missing PROJECT_ID")
	}
	location := envutil.String("LOCATION", "US")

	opts := clientOptionsFromEnv()
	c, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bq: new client: %w", err)
	}
	return &Client{log: log.With("component", "bq"), bq: c, location: location}, nil
}

func clientOptionsFromEnv() []option.ClientOption {
	creds := envutil.String("GOOGLE_APPLICATION_CREDENTIALS_JSON", "")
	if creds == "" {
		creds = envutil.String("GOOGLE_APPLICATION_CREDENTIALS", "")
	}
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}

func (c *Client) Close() error {
	if c.bq == nil {
		return nil
	}
	return c.bq.Close()
}

// CreateDataset creates the provisioning dataset named per spec §6.5's
// naming convention ({slug}_capi_demo_{yyyymmdd}).
func (c *Client) CreateDataset(ctx context.Context, datasetID string) error {
	ds := c.bq.Dataset(datasetID)
	meta := &bigquery.DatasetMetadata{Location: c.location}
	if err := ds.Create(ctx, meta); err != nil {
		return fmt.Errorf("bq: create dataset %s: %w", datasetID, err)
	}
	return nil
}

// DatasetExists reports whether datasetID already exists in the project, so
// callers can implement spec §6.5's "numeric suffix on collision" before
// calling CreateDataset — BigQuery itself returns a 409 on a duplicate
// create rather than letting a caller probe first.
func (c *Client) DatasetExists(ctx context.Context, datasetID string) (bool, error) {
	_, err := c.bq.Dataset(datasetID).Metadata(ctx)
	if err == nil {
		return true, nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("bq: dataset metadata %s: %w", datasetID, err)
}

// CreateTable creates a schema-only table under datasetID.
func (c *Client) CreateTable(ctx context.Context, datasetID, tableID string, fields []Field) error {
	schema := make(bigquery.Schema, 0, len(fields))
	for _, f := range fields {
		schema = append(schema, &bigquery.FieldSchema{Name: f.Name, Type: f.Type, Required: f.Required})
	}
	tbl := c.bq.Dataset(datasetID).Table(tableID)
	if err := tbl.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
		return fmt.Errorf("bq: create table %s.%s: %w", datasetID, tableID, err)
	}
	return nil
}

// LoadNDJSON loads an NDJSON file into a table with write-truncate
// semantics (spec §4.3.5: "load NDJSON files in parallel with
// write-truncate semantics").
func (c *Client) LoadNDJSON(ctx context.Context, datasetID, tableID string, ndjson []byte) error {
	src := bigquery.NewReaderSource(bytes.NewReader(ndjson))
	src.SourceFormat = bigquery.JSON

	loader := c.bq.Dataset(datasetID).Table(tableID).LoaderFrom(src)
	loader.WriteDisposition = bigquery.WriteTruncate

	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("bq: start load job for %s.%s: %w", datasetID, tableID, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("bq: wait load job for %s.%s: %w", datasetID, tableID, err)
	}
	if status.Err() != nil {
		return fmt.Errorf("bq: load job failed for %s.%s: %w", datasetID, tableID, status.Err())
	}
	return nil
}

// GetStats returns row count and storage size for a loaded table, used in
// the final report (spec §4.3.5: "rows-loaded and storage-size stats per
// table are captured for the report").
func (c *Client) GetStats(ctx context.Context, datasetID, tableID string) (TableStats, error) {
	md, err := c.bq.Dataset(datasetID).Table(tableID).Metadata(ctx)
	if err != nil {
		return TableStats{}, fmt.Errorf("bq: table metadata %s.%s: %w", datasetID, tableID, err)
	}
	return TableStats{RowCount: md.NumRows, SizeBytes: md.NumBytes}, nil
}

// DeleteDataset performs best-effort rollback of a partially-created
// dataset (spec §4.3.5: "any table create/load failure aborts the stage
// after best-effort rollback... if rollback fails, leave the dataset and
// log — operator will clean up").
func (c *Client) DeleteDataset(ctx context.Context, datasetID string) error {
	ds := c.bq.Dataset(datasetID)
	it := ds.Tables(ctx)
	for {
		tbl, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("bq: list tables for delete %s: %w", datasetID, err)
		}
		if err := tbl.Delete(ctx); err != nil {
			return fmt.Errorf("bq: delete table %s.%s: %w", datasetID, tbl.TableID, err)
		}
	}
	if err := ds.Delete(ctx); err != nil {
		return fmt.Errorf("bq: delete dataset %s: %w", datasetID, err)
	}
	return nil
}
