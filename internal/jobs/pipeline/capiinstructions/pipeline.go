package capiinstructions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
	"github.com/foundryworks/capiforge/internal/jobs/runtime"
	"github.com/foundryworks/capiforge/internal/platform/apierr"
)

var enrichmentSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"system_instruction": map[string]any{"type": "string"},
		"field_annotations": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"table":    map[string]any{"type": "string"},
					"field":    map[string]any{"type": "string"},
					"synonyms": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"tags":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"table", "field"},
			},
		},
		"measures": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":        map[string]any{"type": "string"},
					"table":       map[string]any{"type": "string"},
					"expression":  map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
				},
				"required": []string{"name", "table", "expression", "description"},
			},
		},
		"glossaries": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"term":       map[string]any{"type": "string"},
					"definition": map[string]any{"type": "string"},
				},
				"required": []string{"term", "definition"},
			},
		},
		"additional_descriptions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"system_instruction", "field_annotations", "measures", "glossaries", "additional_descriptions"},
}

const systemPrompt = `You are writing the published-context enrichment for a Conversational
Analytics API agent. You are given a finalized BigQuery schema and a demo
story. Write a system_instruction paragraph describing the agent's role and
the business domain, a field_annotations list giving business-friendly
synonyms and tags for the most important fields (not every field needs an
entry), a measures list of useful derived metrics (e.g. revenue, churn rate)
each with a BigQuery SQL expression, a glossaries list defining domain terms
a business user might not know, and an additional_descriptions list of any
other context the agent should carry. Every table and relationship already
exists and is supplied separately — do not invent new tables.`

// Run builds the CAPI published-context YAML document (spec §4.3.6). The
// tables, relationships, and golden_queries blocks are derived directly from
// the already-validated schema and demo story so the "every table/every
// golden query appears" invariant holds unconditionally; the LLM call is
// used only for the enrichment blocks (system_instruction, field synonyms,
// measures, glossary) that cannot be derived mechanically.
func (h *Handler) Run(ctx *runtime.Context) error {
	p := ctx.Pipeline
	if p.Research == nil || p.Schema == nil || p.DemoStory == nil || p.DatasetID == "" {
		return apierr.Newf(apierr.KindInput, StageName, "capi_instructions stage requires research, demo_story, schema, and a provisioned dataset")
	}

	user := buildUserPrompt(p)
	enrichment, err := h.generate(ctx, user, false)
	if err != nil {
		ctx.Log(domain.LogLevelWarn, StageName, fmt.Sprintf("enrichment generation failed, retrying: %v", err))
		enrichment, err = h.generate(ctx, user, true)
		if err != nil {
			return apierr.Wrap(apierr.KindUpstream, StageName, err)
		}
	}

	doc := buildDocument(p, enrichment)
	out, err := yaml.Marshal(doc)
	if err != nil {
		return apierr.Wrap(apierr.KindInfrastructure, StageName, fmt.Errorf("marshal published context: %w", err))
	}
	yamlDoc := string(out)

	if err := h.capi.SetInstructions(ctx.Ctx, p.AgentID, yamlDoc); err != nil {
		return err
	}

	p.YAMLDoc = yamlDoc

	reportPath, err := h.writeReport(ctx, p)
	if err != nil {
		// The demo itself is already fully provisioned at this point — a
		// report-write failure is logged, not fatal, so a filesystem hiccup
		// on the report directory doesn't sink an otherwise-complete job.
		ctx.Log(domain.LogLevelWarn, StageName, fmt.Sprintf("write report failed: %v", err))
	} else {
		p.ReportPath = reportPath
	}

	return nil
}

// writeReport assembles the spec §3 "report path" final artifact and writes
// it as JSON under reportDir, named by job id so concurrent runs never
// collide.
func (h *Handler) writeReport(ctx *runtime.Context, p *domain.PipelineState) (string, error) {
	report := domain.Report{
		CompanyName:   p.Research.CompanyName,
		CustomerURL:   p.CustomerURL,
		DatasetID:     p.DatasetID,
		AgentID:       p.AgentID,
		DemoTitle:     p.DemoStory.Title,
		TableCount:    len(p.Schema.Tables),
		TableStats:    p.TableStats,
		GoldenQueries: p.DemoStory.GoldenQueries,
		GeneratedAt:   time.Now().UTC(),
	}
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := os.MkdirAll(h.reportDir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(h.reportDir, ctx.Job.ID.String()+".json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

func (h *Handler) generate(ctx *runtime.Context, user string, strict bool) (*enrichment, error) {
	sys := systemPrompt
	if strict {
		sys += "\n\nSTRICT: your previous response did not match the required JSON schema. Return only the JSON object with every required field present."
	}
	obj, err := h.llm.GenerateJSON(ctx.Ctx, "capi_instructions", sys, user, "published_context_enrichment", enrichmentSchema)
	if err != nil {
		return nil, err
	}
	return decodeEnrichment(obj)
}

type fieldAnnotation struct {
	Table    string   `json:"table"`
	Field    string   `json:"field"`
	Synonyms []string `json:"synonyms"`
	Tags     []string `json:"tags"`
}

type measure struct {
	Name        string `json:"name"`
	Table       string `json:"table"`
	Expression  string `json:"expression"`
	Description string `json:"description"`
}

type glossary struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
}

type enrichment struct {
	SystemInstruction      string            `json:"system_instruction"`
	FieldAnnotations       []fieldAnnotation `json:"field_annotations"`
	Measures               []measure         `json:"measures"`
	Glossaries             []glossary        `json:"glossaries"`
	AdditionalDescriptions []string          `json:"additional_descriptions"`
}

func decodeEnrichment(obj map[string]any) (*enrichment, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var e enrichment
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode enrichment: %w", err)
	}
	if strings.TrimSpace(e.SystemInstruction) == "" {
		return nil, fmt.Errorf("enrichment missing system_instruction")
	}
	return &e, nil
}

func buildUserPrompt(p *domain.PipelineState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s (%s)\n", p.Research.CompanyName, p.Research.Domain)
	fmt.Fprintf(&b, "Demo story: %s\n%s\n\n", p.DemoStory.Title, p.DemoStory.ExecutiveSummary)
	b.WriteString("Schema:\n")
	for _, t := range p.Schema.Tables {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		for _, f := range t.Fields {
			fmt.Fprintf(&b, "  - %s (%s): %s\n", f.Name, f.Type, f.Description)
		}
	}
	return b.String()
}

// yamlDocument mirrors spec §9's required top-level key order: the
// gopkg.in/yaml.v3 encoder preserves struct field order.
type yamlDocument struct {
	SystemInstruction      string            `yaml:"system_instruction"`
	Tables                 []yamlTable       `yaml:"tables"`
	Measures               []yamlMeasure     `yaml:"measures,omitempty"`
	GoldenQueries          []yamlGoldenQuery `yaml:"golden_queries,omitempty"`
	Relationships          []yamlRelation    `yaml:"relationships"`
	Glossaries             []yamlGlossary    `yaml:"glossaries"`
	AdditionalDescriptions []string          `yaml:"additional_descriptions"`
}

type yamlField struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Description string   `yaml:"description,omitempty"`
	Synonyms    []string `yaml:"synonyms,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

type yamlTable struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Fields      []yamlField `yaml:"fields"`
}

type yamlMeasure struct {
	Name        string `yaml:"name"`
	Table       string `yaml:"table"`
	Expression  string `yaml:"expression"`
	Description string `yaml:"description"`
}

type yamlGoldenQuery struct {
	Question      string   `yaml:"question"`
	Complexity    string   `yaml:"complexity"`
	ExpectedSQL   string   `yaml:"expected_sql"`
	BusinessValue string   `yaml:"business_value,omitempty"`
	Tables        []string `yaml:"tables,omitempty"`
}

type yamlRelation struct {
	FromTable string `yaml:"from_table"`
	FromField string `yaml:"from_field"`
	ToTable   string `yaml:"to_table"`
	ToField   string `yaml:"to_field"`
}

type yamlGlossary struct {
	Term       string `yaml:"term"`
	Definition string `yaml:"definition"`
}

func buildDocument(p *domain.PipelineState, e *enrichment) yamlDocument {
	annotations := map[string]fieldAnnotation{}
	for _, a := range e.FieldAnnotations {
		annotations[a.Table+"."+a.Field] = a
	}

	tables := make([]yamlTable, 0, len(p.Schema.Tables))
	relationships := []yamlRelation{}
	for _, t := range p.Schema.Tables {
		fields := make([]yamlField, 0, len(t.Fields))
		for _, f := range t.Fields {
			field := yamlField{Name: f.Name, Type: f.Type, Description: f.Description}
			if a, ok := annotations[t.Name+"."+f.Name]; ok {
				field.Synonyms = a.Synonyms
				field.Tags = a.Tags
			}
			fields = append(fields, field)
			if f.ForeignKey != nil {
				relationships = append(relationships, yamlRelation{
					FromTable: t.Name,
					FromField: f.Name,
					ToTable:   f.ForeignKey.Table,
					ToField:   f.ForeignKey.Field,
				})
			}
		}
		tables = append(tables, yamlTable{Name: t.Name, Description: t.Description, Fields: fields})
	}

	measures := make([]yamlMeasure, 0, len(e.Measures))
	for _, m := range e.Measures {
		measures = append(measures, yamlMeasure{Name: m.Name, Table: m.Table, Expression: m.Expression, Description: m.Description})
	}

	queries := make([]yamlGoldenQuery, 0, len(p.DemoStory.GoldenQueries))
	for _, q := range p.DemoStory.GoldenQueries {
		queries = append(queries, yamlGoldenQuery{
			Question:      q.Question,
			Complexity:    q.Complexity,
			ExpectedSQL:   q.ExpectedSQL,
			BusinessValue: q.BusinessValue,
			Tables:        q.Tables,
		})
	}

	glossaries := make([]yamlGlossary, 0, len(e.Glossaries))
	for _, g := range e.Glossaries {
		glossaries = append(glossaries, yamlGlossary{Term: g.Term, Definition: g.Definition})
	}

	return yamlDocument{
		SystemInstruction:      e.SystemInstruction,
		Tables:                 tables,
		Measures:               measures,
		GoldenQueries:          queries,
		Relationships:          relationships,
		Glossaries:             glossaries,
		AdditionalDescriptions: e.AdditionalDescriptions,
	}
}
