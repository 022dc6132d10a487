// Package syntheticdata implements the fourth pipeline stage (spec §4.3.4).
// Every table's NDJSON batch is produced by at least one LLM call carrying
// business context — this is the single most important runtime invariant
// in the system (spec §9): internal/jobs/orchestrator.NewEngine refuses to
// start if the bound handler's type name carries the forbidden "optimized"
// marker (see internal/jobs/datagen/forbidden), and this package's own
// Type() name is chosen specifically to never collide with that marker.
package syntheticdata

import (
	"os"
	"path/filepath"

	"github.com/foundryworks/capiforge/internal/jobs/runtime"
	"github.com/foundryworks/capiforge/internal/llm"
	"github.com/foundryworks/capiforge/internal/platform/envutil"
	"github.com/foundryworks/capiforge/internal/platform/logger"
)

const StageName = "synthetic_data"

type Handler struct {
	log     *logger.Logger
	llm     *llm.Client
	tmpRoot string
	fanOut  int
	rowsMax int
}

func New(log *logger.Logger, llmClient *llm.Client) *Handler {
	tmpRoot := envutil.String("SYNTHETIC_DATA_TMP_DIR", filepath.Join(os.TempDir(), "synthetic_data"))
	return &Handler{
		log:     log.With("stage", StageName),
		llm:     llmClient,
		tmpRoot: tmpRoot,
		fanOut:  envutil.Int("SYNTHETIC_DATA_FANOUT", 4),
		rowsMax: envutil.Int("SYNTHETIC_DATA_MAX_ROWS_PER_CALL", 50),
	}
}

// Type intentionally contains no "optimized" substring — see the package
// doc and internal/jobs/orchestrator.ForbiddenSyntheticDataMarker.
func (h *Handler) Type() string { return StageName }

var _ runtime.Handler = (*Handler)(nil)
