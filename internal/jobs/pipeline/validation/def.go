// Package validation implements the disabled-by-default seventh stage (spec
// §4.3.7): running each golden query against the provisioned CAPI agent and
// recording which ones the agent could answer. It is left off the live
// stage graph unless VALIDATION_STAGE_ENABLED is set (internal/app/app.go), per
// spec §9's "validation exists in the code but is excluded from the
// orchestrated graph by default" decision; when enabled it runs as a
// orchestrator.Stage.NonFatal node so its own failures never fail the job.
package validation

import (
	"github.com/foundryworks/capiforge/internal/platform/logger"
	"github.com/foundryworks/capiforge/internal/tools/capi"
)

const StageName = "validation"

type Handler struct {
	log  *logger.Logger
	capi *capi.Client
}

func New(log *logger.Logger, capiClient *capi.Client) *Handler {
	return &Handler{log: log.With("stage", StageName), capi: capiClient}
}

func (h *Handler) Type() string { return StageName }
