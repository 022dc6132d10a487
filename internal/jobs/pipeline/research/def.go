// Package research implements the first pipeline stage (spec §4.3.1): a
// bounded crawl of the customer site summarized by the fast LLM tier into a
// company-identity/domain profile.
package research

import (
	"github.com/foundryworks/capiforge/internal/llm"
	"github.com/foundryworks/capiforge/internal/platform/logger"
	"github.com/foundryworks/capiforge/internal/tools/crawler"
)

// Stage name this handler is registered under; must match
// internal/jobs/orchestrator.StageResearch exactly.
const StageName = "research"

type Handler struct {
	log     *logger.Logger
	crawler *crawler.Crawler
	llm     *llm.Client
}

func New(log *logger.Logger, c *crawler.Crawler, llmClient *llm.Client) *Handler {
	return &Handler{log: log.With("stage", StageName), crawler: c, llm: llmClient}
}

func (h *Handler) Type() string { return StageName }
