// Package infrastructure implements the fifth pipeline stage (spec §4.3.5):
// create the BigQuery dataset and tables, load the synthetic NDJSON files in
// parallel with write-truncate semantics, capture per-table stats, and
// create the bound CAPI agent. Any table create/load failure triggers a
// best-effort rollback of the dataset.
package infrastructure

import (
	"github.com/foundryworks/capiforge/internal/platform/envutil"
	"github.com/foundryworks/capiforge/internal/platform/logger"
	"github.com/foundryworks/capiforge/internal/tools/bq"
	"github.com/foundryworks/capiforge/internal/tools/capi"
)

const StageName = "infrastructure"

type Handler struct {
	log    *logger.Logger
	bq     *bq.Client
	capi   *capi.Client
	fanOut int
}

func New(log *logger.Logger, bqClient *bq.Client, capiClient *capi.Client) *Handler {
	return &Handler{
		log:    log.With("stage", StageName),
		bq:     bqClient,
		capi:   capiClient,
		fanOut: envutil.Int("INFRASTRUCTURE_FANOUT", 4),
	}
}

func (h *Handler) Type() string { return StageName }
