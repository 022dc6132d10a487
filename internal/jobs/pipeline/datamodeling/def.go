// Package datamodeling implements the schema-design stage (spec §4.3.3): one
// strong-tier LLM call, constrained to reject repeated/array field modes,
// validated and retried once before failing the stage.
package datamodeling

import (
	"github.com/foundryworks/capiforge/internal/llm"
	"github.com/foundryworks/capiforge/internal/platform/logger"
)

const StageName = "data_modeling"

type Handler struct {
	log *logger.Logger
	llm *llm.Client
}

func New(log *logger.Logger, llmClient *llm.Client) *Handler {
	return &Handler{log: log.With("stage", StageName), llm: llmClient}
}

func (h *Handler) Type() string { return StageName }
