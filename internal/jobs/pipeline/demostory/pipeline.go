package demostory

import (
	"encoding/json"
	"fmt"
	"strings"

	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
	"github.com/foundryworks/capiforge/internal/jobs/runtime"
	"github.com/foundryworks/capiforge/internal/platform/apierr"
)

var demoStorySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":               map[string]any{"type": "string"},
		"executive_summary":   map[string]any{"type": "string"},
		"business_challenges": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"talking_track":       map[string]any{"type": "string"},
		"golden_queries": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question":       map[string]any{"type": "string"},
					"complexity":     map[string]any{"type": "string", "enum": []string{"simple", "medium", "complex", "expert"}},
					"expected_sql":   map[string]any{"type": "string"},
					"business_value": map[string]any{"type": "string"},
					"tables":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"question", "complexity", "expected_sql", "business_value"},
			},
		},
	},
	"required": []string{"title", "executive_summary", "business_challenges", "talking_track", "golden_queries"},
}

const systemPrompt = `You are a pre-sales customer engineer writing the narrative for a
conversational-analytics demo. Given a company research profile, write a
demo story: a title, an executive summary, the business challenges this
demo will illustrate, a talking track a customer engineer can read aloud,
and an ordered list of "golden queries" — natural-language questions a
prospect would plausibly ask, each tagged with a complexity bucket
(simple/medium/complex/expert), a best-effort expected SQL query, a
one-sentence business-value note, and the names of the tables you expect a
warehouse schema would need to answer it. Respect the requested complexity
mix exactly, or within one query of it per bucket.`

func (h *Handler) Run(ctx *runtime.Context) error {
	if ctx.Pipeline.Research == nil {
		return apierr.Newf(apierr.KindInput, StageName, "demo_story stage requires research output")
	}

	user := buildUserPrompt(ctx.Pipeline.Research, h.mix)

	story, err := h.generate(ctx, user, false)
	if err != nil {
		ctx.Log(domain.LogLevelWarn, StageName, fmt.Sprintf("malformed demo story output, retrying: %v", err))
		story, err = h.generate(ctx, user, true)
		if err != nil {
			return apierr.Wrap(apierr.KindUpstream, StageName, err)
		}
	}

	ctx.Pipeline.DemoStory = story
	return nil
}

func (h *Handler) generate(ctx *runtime.Context, user string, strict bool) (*domain.DemoStory, error) {
	sys := systemPrompt
	if strict {
		sys += "\n\nSTRICT: your previous response did not match the required JSON schema or complexity mix. Return only the JSON object, with every required field present and golden_queries non-empty."
	}
	obj, err := h.llm.GenerateJSON(ctx.Ctx, "demo_story", sys, user, "demo_story", demoStorySchema)
	if err != nil {
		return nil, err
	}
	story, err := decodeDemoStory(obj)
	if err != nil {
		return nil, err
	}
	if err := validateMix(story.GoldenQueries, h.mix); err != nil {
		return nil, err
	}
	return story, nil
}

func buildUserPrompt(r *domain.Research, mix ComplexityMix) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s\nDomain: %s\nAudience: %s\n", r.CompanyName, r.Domain, r.Audience)
	fmt.Fprintf(&b, "Products: %s\n", strings.Join(r.Products, ", "))
	fmt.Fprintf(&b, "Key capabilities: %s\n\n", strings.Join(r.Capabilities, ", "))
	fmt.Fprintf(&b, "Requested golden query count: %d\n", mix.Total())
	fmt.Fprintf(&b, "Requested complexity mix: simple=%d medium=%d complex=%d expert=%d\n", mix.Simple, mix.Medium, mix.Complex, mix.Expert)
	return b.String()
}

func decodeDemoStory(obj map[string]any) (*domain.DemoStory, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var s domain.DemoStory
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode demo story: %w", err)
	}
	if strings.TrimSpace(s.Title) == "" || len(s.GoldenQueries) == 0 {
		return nil, fmt.Errorf("demo story missing title or golden_queries")
	}
	for i, q := range s.GoldenQueries {
		if !validComplexity(q.Complexity) {
			return nil, fmt.Errorf("golden query %d has invalid complexity %q", i, q.Complexity)
		}
	}
	return &s, nil
}

func validComplexity(c string) bool {
	switch c {
	case domain.ComplexitySimple, domain.ComplexityMedium, domain.ComplexityComplex, domain.ComplexityExpert:
		return true
	default:
		return false
	}
}

// validateMix enforces spec §4.3.2's "within ±1 per bucket" tolerance.
func validateMix(queries []domain.GoldenQuery, mix ComplexityMix) error {
	counts := map[string]int{}
	for _, q := range queries {
		counts[q.Complexity]++
	}
	checks := []struct {
		name string
		got  int
		want int
	}{
		{domain.ComplexitySimple, counts[domain.ComplexitySimple], mix.Simple},
		{domain.ComplexityMedium, counts[domain.ComplexityMedium], mix.Medium},
		{domain.ComplexityComplex, counts[domain.ComplexityComplex], mix.Complex},
		{domain.ComplexityExpert, counts[domain.ComplexityExpert], mix.Expert},
	}
	for _, c := range checks {
		diff := c.got - c.want
		if diff < -1 || diff > 1 {
			return fmt.Errorf("complexity bucket %q has %d queries, requested %d (outside ±1)", c.name, c.got, c.want)
		}
	}
	return nil
}
