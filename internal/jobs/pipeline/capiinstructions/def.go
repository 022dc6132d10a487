// Package capiinstructions implements the sixth pipeline stage (spec §4.3.6):
// a single strong-tier LLM call producing the CAPI published-context YAML
// document, which is then re-applied to the provisioned agent.
package capiinstructions

import (
	"os"
	"path/filepath"

	"github.com/foundryworks/capiforge/internal/llm"
	"github.com/foundryworks/capiforge/internal/platform/envutil"
	"github.com/foundryworks/capiforge/internal/platform/logger"
	"github.com/foundryworks/capiforge/internal/tools/capi"
)

const StageName = "capi_instructions"

type Handler struct {
	log       *logger.Logger
	llm       *llm.Client
	capi      *capi.Client
	reportDir string
}

func New(log *logger.Logger, llmClient *llm.Client, capiClient *capi.Client) *Handler {
	reportDir := envutil.String("REPORT_OUTPUT_DIR", filepath.Join(os.TempDir(), "capiforge_reports"))
	return &Handler{log: log.With("stage", StageName), llm: llmClient, capi: capiClient, reportDir: reportDir}
}

func (h *Handler) Type() string { return StageName }
