package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/foundryworks/capiforge/internal/platform/envutil"
	"github.com/foundryworks/capiforge/internal/platform/logger"
)

// Tier is one of the two model tiers the spec's uniform interface dispatches
// on (§4.4: "complete(model_tier, prompt, response_schema?)").
type Tier string

const (
	TierFast   Tier = "fast"
	TierStrong Tier = "strong"
)

// Agent names the pipeline stages use to resolve a tier and, optionally, a
// per-agent model override. Kept as plain strings (not a shared type with
// internal/jobs/orchestrator's stage names) so this package stays a leaf
// dependency the orchestrator and every pipeline package can import without
// risk of a cycle.
const (
	AgentResearch         = "research"
	AgentDemoStory        = "demo_story"
	AgentDataModeling     = "data_modeling"
	AgentSyntheticData    = "synthetic_data"
	AgentCAPIInstructions = "capi_instructions"
)

// defaultTierByAgent assigns each agent its default tier per spec §9: the
// narrative (demo_story), schema-design (data_modeling), and CAPI-facing
// (capi_instructions) stages benefit from the strong model's reasoning;
// research summarization and the bulk per-table data generation in
// synthetic_data are fine on the fast tier.
var defaultTierByAgent = map[string]Tier{
	AgentResearch:         TierFast,
	AgentDemoStory:        TierStrong,
	AgentDataModeling:     TierStrong,
	AgentSyntheticData:    TierFast,
	AgentCAPIInstructions: TierStrong,
}

// Client is the dual-tier LLM facade every pipeline agent is built against.
// It never exposes the underlying provider directly — callers pass an agent
// name and the client resolves tier and model on their behalf, so a tier
// reassignment or a per-agent model override is a config change, not a code
// change.
type Client struct {
	log           *logger.Logger
	fast          *provider
	strong        *provider
	modelOverride map[string]string
}

// NewClient builds both tiers from environment configuration (spec §6.5):
// FAST_LLM_API_KEY/FAST_LLM_BASE_URL/FAST_LLM_MODEL and their STRONG_LLM_*
// counterparts, plus optional per-agent model overrides
// (RESEARCH_AGENT_MODEL, DEMO_STORY_AGENT_MODEL, DATA_MODELING_AGENT_MODEL,
// CAPI_AGENT_MODEL) that redirect a specific agent to an explicit model
// regardless of its default tier's configured model.
func NewClient(log *logger.Logger) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("llm: logger required")
	}

	timeout := envutil.Duration("LLM_TIMEOUT_SECONDS", 180*time.Second)
	maxRetries := envutil.Int("LLM_MAX_RETRIES", 2)

	fast, err := newProvider(log, "fast",
		envutil.String("FAST_LLM_API_KEY", ""),
		envutil.String("FAST_LLM_BASE_URL", ""),
		envutil.String("FAST_LLM_MODEL", ""),
		timeout, maxRetries)
	if err != nil {
		return nil, err
	}
	strong, err := newProvider(log, "strong",
		envutil.String("STRONG_LLM_API_KEY", ""),
		envutil.String("STRONG_LLM_BASE_URL", ""),
		envutil.String("STRONG_LLM_MODEL", ""),
		timeout, maxRetries)
	if err != nil {
		return nil, err
	}

	return &Client{
		log:    log.With("component", "llm"),
		fast:   fast,
		strong: strong,
		modelOverride: map[string]string{
			AgentResearch:         envutil.String("RESEARCH_AGENT_MODEL", ""),
			AgentDemoStory:        envutil.String("DEMO_STORY_AGENT_MODEL", ""),
			AgentDataModeling:     envutil.String("DATA_MODELING_AGENT_MODEL", ""),
			AgentCAPIInstructions: envutil.String("CAPI_AGENT_MODEL", ""),
		},
	}, nil
}

// ResolveTier returns the tier an agent runs on. Unknown agent names default
// to fast, the conservative choice for anything not explicitly listed.
func (c *Client) ResolveTier(agent string) Tier {
	if t, ok := defaultTierByAgent[agent]; ok {
		return t
	}
	return TierFast
}

func (c *Client) providerAndModel(agent string) (*provider, string) {
	p := c.fast
	if c.ResolveTier(agent) == TierStrong {
		p = c.strong
	}
	model := ""
	if ov := c.modelOverride[agent]; ov != "" {
		model = ov
	}
	return p, model
}

// GenerateJSON runs a structured-output call on agent's resolved tier and
// model, decoding the model's json_schema response into a map.
func (c *Client) GenerateJSON(ctx context.Context, agent, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	p, model := c.providerAndModel(agent)
	return p.generateJSON(ctx, model, system, user, schemaName, schema)
}

// GenerateText runs a plain-text completion call on agent's resolved tier
// and model.
func (c *Client) GenerateText(ctx context.Context, agent, system, user string) (string, error) {
	p, model := c.providerAndModel(agent)
	return p.generateText(ctx, model, system, user)
}
