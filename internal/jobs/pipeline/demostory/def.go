// Package demostory implements the narrative stage (spec §4.3.2): one
// strong-tier LLM call that turns a research profile into a demo story with
// an ordered, complexity-tagged golden-query list.
package demostory

import (
	"github.com/foundryworks/capiforge/internal/llm"
	"github.com/foundryworks/capiforge/internal/platform/envutil"
	"github.com/foundryworks/capiforge/internal/platform/logger"
)

const StageName = "demo_story"

// ComplexityMix targets a count per bucket; spec §4.3.2 requires the result
// to respect this mix "within ±1 per bucket."
type ComplexityMix struct {
	Simple  int
	Medium  int
	Complex int
	Expert  int
}

func (m ComplexityMix) Total() int { return m.Simple + m.Medium + m.Complex + m.Expert }

// DefaultComplexityMix spreads DEMO_NUM_QUERIES (default 8) roughly evenly,
// weighted slightly toward simple/medium since those anchor a live demo.
func DefaultComplexityMix() ComplexityMix {
	total := envutil.Int("DEMO_NUM_QUERIES", 8)
	mix := ComplexityMix{
		Simple:  total * 3 / 8,
		Medium:  total * 3 / 8,
		Complex: total / 8,
	}
	mix.Expert = total - mix.Total()
	if mix.Expert < 0 {
		mix.Expert = 0
	}
	return mix
}

type Handler struct {
	log *logger.Logger
	llm *llm.Client
	mix ComplexityMix
}

func New(log *logger.Logger, llmClient *llm.Client, mix ComplexityMix) *Handler {
	return &Handler{log: log.With("stage", StageName), llm: llmClient, mix: mix}
}

func (h *Handler) Type() string { return StageName }
