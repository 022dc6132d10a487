package research

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
	"github.com/foundryworks/capiforge/internal/jobs/runtime"
	"github.com/foundryworks/capiforge/internal/platform/apierr"
	"github.com/foundryworks/capiforge/internal/tools/crawler"
)

var researchSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"company_name":   map[string]any{"type": "string"},
		"domain":         map[string]any{"type": "string", "description": "one-line classification of the company's industry/domain"},
		"products":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"audience":       map[string]any{"type": "string"},
		"key_capabilities": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required":             []string{"company_name", "domain", "products", "audience", "key_capabilities"},
	"additionalProperties": false,
}

const systemPrompt = `You are a B2B research analyst preparing a company identity brief for a
sales engineering team. You are given raw crawled text from a company's
website. Produce a concise, factual JSON profile: the company name, a
one-line domain/industry classification, its main products or services,
its target audience, and its key capabilities. Do not invent facts not
supported by the crawled text.`

// Run performs the bounded crawl and LLM summarization described in spec
// §4.3.1. The homepage alone must be sufficient to proceed: a crawl that
// yields zero usable pages fails the stage (enforced inside Crawler.Crawl,
// which returns an apierr.KindUpstream/KindInput error in that case).
func (h *Handler) Run(ctx *runtime.Context) error {
	url := strings.TrimSpace(ctx.Pipeline.CustomerURL)
	if url == "" {
		return apierr.Newf(apierr.KindInput, StageName, "missing customer url")
	}

	pages, err := h.crawler.Crawl(ctx.Ctx, url)
	if err != nil {
		return err
	}
	ctx.Log(domain.LogLevelInfo, StageName, fmt.Sprintf("crawled %d page(s)", len(pages)))

	corpus := buildCorpus(pages)
	obj, err := h.llm.GenerateJSON(ctx.Ctx, "research", systemPrompt, corpus, "research_profile", researchSchema)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstream, StageName, err)
	}

	out, err := decodeResearch(obj)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstream, StageName, err)
	}
	out.PagesCrawled = len(pages)
	out.SourceURLs = pageURLs(pages)
	out.Slug = slugify(out.CompanyName)

	ctx.Pipeline.Research = out
	return nil
}

func buildCorpus(pages []crawler.Page) string {
	var b strings.Builder
	budget := 20000
	for _, p := range pages {
		if budget <= 0 {
			break
		}
		chunk := fmt.Sprintf("## %s (%s)\n%s\n\n", p.Title, p.URL, p.Text)
		if len(chunk) > budget {
			chunk = chunk[:budget]
		}
		b.WriteString(chunk)
		budget -= len(chunk)
	}
	return b.String()
}

func pageURLs(pages []crawler.Page) []string {
	out := make([]string, 0, len(pages))
	for _, p := range pages {
		out = append(out, p.URL)
	}
	return out
}

func decodeResearch(obj map[string]any) (*domain.Research, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var r domain.Research
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode research profile: %w", err)
	}
	if strings.TrimSpace(r.CompanyName) == "" {
		return nil, fmt.Errorf("research profile missing company_name")
	}
	return &r, nil
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9_]+`)

// slugify derives the `[a-z0-9_]+` dataset-name component from a company
// name per spec §6.5. Collision suffixing happens later, in the
// infrastructure stage's allocateDatasetID, which is where the dataset's
// actual existence can be checked against BigQuery.
func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "_")
	s = nonSlugChars.ReplaceAllString(s, "")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "customer"
	}
	return s
}
