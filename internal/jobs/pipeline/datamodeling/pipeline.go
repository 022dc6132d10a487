package datamodeling

import (
	"encoding/json"
	"fmt"
	"strings"

	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
	"github.com/foundryworks/capiforge/internal/jobs/runtime"
	"github.com/foundryworks/capiforge/internal/platform/apierr"
)

var schemaSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"tables": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"row_order_hint": map[string]any{"type": "string", "description": "small, medium, or large"},
					"fields": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"name":        map[string]any{"type": "string"},
								"type":        map[string]any{"type": "string", "enum": []string{"STRING", "INTEGER", "FLOAT", "BOOLEAN", "TIMESTAMP", "DATE", "NUMERIC"}},
								"mode":        map[string]any{"type": "string", "enum": []string{"nullable", "required"}},
								"description": map[string]any{"type": "string"},
								"is_primary_key": map[string]any{"type": "boolean"},
								"foreign_key": map[string]any{
									"type": "object",
									"properties": map[string]any{
										"table": map[string]any{"type": "string"},
										"field": map[string]any{"type": "string"},
									},
								},
							},
							"required": []string{"name", "type", "mode", "description"},
						},
					},
				},
				"required": []string{"name", "description", "fields"},
			},
		},
	},
	"required": []string{"tables"},
}

const systemPrompt = `You are a data warehouse architect designing a BigQuery schema for a
conversational-analytics demo. Given a company research profile and a demo
story with golden queries, design an ordered set of tables such that every
golden query is answerable against the schema — mention, in each table's
description, which golden queries it supports. Every field must use mode
"nullable" or "required" only: REPEATED/ARRAY field modes are forbidden,
because the data-loading pipeline cannot round-trip array-typed columns
through newline-delimited JSON. Foreign keys must reference a table and
field that exist elsewhere in the schema. Table names must be unique.`

func (h *Handler) Run(ctx *runtime.Context) error {
	if ctx.Pipeline.Research == nil || ctx.Pipeline.DemoStory == nil {
		return apierr.Newf(apierr.KindInput, StageName, "data_modeling stage requires research and demo_story output")
	}

	user := buildUserPrompt(ctx.Pipeline.Research, ctx.Pipeline.DemoStory)

	schema, err := h.generateAndValidate(ctx, user, false)
	if err != nil {
		ctx.Log(domain.LogLevelWarn, StageName, fmt.Sprintf("schema validation failed, retrying: %v", err))
		schema, err = h.generateAndValidate(ctx, user, true)
		if err != nil {
			return apierr.Wrap(apierr.KindSchema, StageName, err)
		}
	}

	ctx.Pipeline.Schema = schema
	return nil
}

func (h *Handler) generateAndValidate(ctx *runtime.Context, user string, strict bool) (*domain.Schema, error) {
	sys := systemPrompt
	if strict {
		sys += "\n\nSTRICT: your previous schema was rejected. Re-check: zero REPEATED/array modes, every foreign key resolves to an existing table.field, no duplicate table names."
	}
	obj, err := h.llm.GenerateJSON(ctx.Ctx, "data_modeling", sys, user, "warehouse_schema", schemaSchema)
	if err != nil {
		return nil, err
	}
	schema, err := decodeSchema(obj)
	if err != nil {
		return nil, err
	}
	if err := Validate(schema); err != nil {
		return nil, err
	}
	return schema, nil
}

func buildUserPrompt(r *domain.Research, story *domain.DemoStory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s (%s)\n", r.CompanyName, r.Domain)
	fmt.Fprintf(&b, "Products: %s\n\n", strings.Join(r.Products, ", "))
	fmt.Fprintf(&b, "Demo story: %s\n%s\n\n", story.Title, story.ExecutiveSummary)
	b.WriteString("Golden queries:\n")
	for _, q := range story.GoldenQueries {
		fmt.Fprintf(&b, "- [%s] %s\n", q.Complexity, q.Question)
	}
	return b.String()
}

func decodeSchema(obj map[string]any) (*domain.Schema, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var s domain.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if len(s.Tables) == 0 {
		return nil, fmt.Errorf("schema has zero tables")
	}
	return &s, nil
}

// Validate enforces spec §3/§4.3.3's schema invariants: no repeated/array
// modes (Field.Mode is a plain string, so json.Unmarshal accepts any mode an
// LLM emits, REPEATED included — Validate is the explicit layer that rejects
// anything other than nullable/required),
// unresolved foreign keys, and duplicate table names.
func Validate(s *domain.Schema) error {
	if s == nil || len(s.Tables) == 0 {
		return fmt.Errorf("schema has zero tables")
	}
	seenTables := map[string]bool{}
	fieldsByTable := map[string]map[string]bool{}
	for _, t := range s.Tables {
		if seenTables[t.Name] {
			return fmt.Errorf("duplicate table name %q", t.Name)
		}
		seenTables[t.Name] = true
		fields := map[string]bool{}
		for _, f := range t.Fields {
			if !isAllowedMode(f.Mode) {
				return fmt.Errorf("table %q field %q uses forbidden mode %q (repeated/array modes are not permitted)", t.Name, f.Name, f.Mode)
			}
			fields[f.Name] = true
		}
		fieldsByTable[t.Name] = fields
	}
	for _, t := range s.Tables {
		for _, f := range t.Fields {
			if f.ForeignKey == nil {
				continue
			}
			parentFields, ok := fieldsByTable[f.ForeignKey.Table]
			if !ok {
				return fmt.Errorf("table %q field %q references unknown table %q", t.Name, f.Name, f.ForeignKey.Table)
			}
			if !parentFields[f.ForeignKey.Field] {
				return fmt.Errorf("table %q field %q references unknown field %q.%q", t.Name, f.Name, f.ForeignKey.Table, f.ForeignKey.Field)
			}
		}
	}
	return nil
}

func isAllowedMode(mode string) bool {
	return mode == domain.FieldModeNullable || mode == domain.FieldModeRequired
}
