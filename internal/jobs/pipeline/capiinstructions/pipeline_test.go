package capiinstructions

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
	"github.com/foundryworks/capiforge/internal/jobs/runtime"
)

func sampleSchema() *domain.Schema {
	return &domain.Schema{
		Tables: []domain.Table{
			{
				Name:        "customers",
				Description: "one row per customer",
				Fields: []domain.Field{
					{Name: "id", Type: domain.FieldTypeString, Mode: domain.FieldModeRequired, IsPrimaryKey: true},
					{Name: "name", Type: domain.FieldTypeString, Mode: domain.FieldModeRequired},
				},
			},
			{
				Name:        "orders",
				Description: "one row per order",
				Fields: []domain.Field{
					{Name: "id", Type: domain.FieldTypeString, Mode: domain.FieldModeRequired, IsPrimaryKey: true},
					{Name: "customer_id", Type: domain.FieldTypeString, Mode: domain.FieldModeRequired,
						ForeignKey: &domain.ForeignKey{Table: "customers", Field: "id"}},
					{Name: "total", Type: domain.FieldTypeNumeric, Mode: domain.FieldModeRequired},
				},
			},
		},
	}
}

func sampleDemoStory() *domain.DemoStory {
	return &domain.DemoStory{
		Title: "Revenue at a glance",
		GoldenQueries: []domain.GoldenQuery{
			{Question: "What is total revenue?", Complexity: domain.ComplexitySimple, Tables: []string{"orders"}},
			{Question: "Who are the top 5 customers by spend?", Complexity: domain.ComplexityMedium, Tables: []string{"orders", "customers"}},
		},
	}
}

func TestBuildDocument_EveryTableAndGoldenQueryAppearsUnconditionally(t *testing.T) {
	p := &domain.PipelineState{Schema: sampleSchema(), DemoStory: sampleDemoStory()}
	e := &enrichment{SystemInstruction: "You help analyze orders."}

	doc := buildDocument(p, e)

	require.Len(t, doc.Tables, 2)
	names := []string{doc.Tables[0].Name, doc.Tables[1].Name}
	assert.Contains(t, names, "customers")
	assert.Contains(t, names, "orders")

	require.Len(t, doc.GoldenQueries, 2)
	assert.Equal(t, "What is total revenue?", doc.GoldenQueries[0].Question)
	assert.Equal(t, "Who are the top 5 customers by spend?", doc.GoldenQueries[1].Question)

	require.Len(t, doc.Relationships, 1)
	assert.Equal(t, "orders", doc.Relationships[0].FromTable)
	assert.Equal(t, "customer_id", doc.Relationships[0].FromField)
	assert.Equal(t, "customers", doc.Relationships[0].ToTable)
	assert.Equal(t, "id", doc.Relationships[0].ToField)
}

func TestBuildDocument_AppliesEnrichmentAnnotationsByTableDotField(t *testing.T) {
	p := &domain.PipelineState{Schema: sampleSchema(), DemoStory: sampleDemoStory()}
	e := &enrichment{
		SystemInstruction: "You help analyze orders.",
		FieldAnnotations: []fieldAnnotation{
			{Table: "orders", Field: "total", Synonyms: []string{"revenue", "amount"}, Tags: []string{"metric"}},
		},
	}

	doc := buildDocument(p, e)

	var ordersTable *yamlTable
	for i := range doc.Tables {
		if doc.Tables[i].Name == "orders" {
			ordersTable = &doc.Tables[i]
		}
	}
	require.NotNil(t, ordersTable)

	var totalField *yamlField
	for i := range ordersTable.Fields {
		if ordersTable.Fields[i].Name == "total" {
			totalField = &ordersTable.Fields[i]
		}
	}
	require.NotNil(t, totalField)
	assert.Equal(t, []string{"revenue", "amount"}, totalField.Synonyms)
	assert.Equal(t, []string{"metric"}, totalField.Tags)

	// A field with no matching annotation stays un-annotated.
	var nameField *yamlField
	for i := range doc.Tables {
		for j := range doc.Tables[i].Fields {
			if doc.Tables[i].Fields[j].Name == "name" {
				nameField = &doc.Tables[i].Fields[j]
			}
		}
	}
	require.NotNil(t, nameField)
	assert.Empty(t, nameField.Synonyms)
}

func TestBuildDocument_MarshalsWithSpecRequiredTopLevelKeyOrder(t *testing.T) {
	p := &domain.PipelineState{Schema: sampleSchema(), DemoStory: sampleDemoStory()}
	e := &enrichment{SystemInstruction: "instructions"}

	doc := buildDocument(p, e)
	out, err := yaml.Marshal(doc)
	require.NoError(t, err)

	var node yaml.Node
	require.NoError(t, yaml.Unmarshal(out, &node))
	require.Len(t, node.Content, 1)
	mapping := node.Content[0]

	var keys []string
	for i := 0; i < len(mapping.Content); i += 2 {
		keys = append(keys, mapping.Content[i].Value)
	}
	assert.Equal(t, []string{
		"system_instruction", "tables", "measures", "golden_queries",
		"relationships", "glossaries", "additional_descriptions",
	}, keys)
}

func TestDecodeEnrichment_RejectsMissingSystemInstruction(t *testing.T) {
	_, err := decodeEnrichment(map[string]any{"field_annotations": []any{}})
	assert.Error(t, err)
}

func TestDecodeEnrichment_DecodesFullObject(t *testing.T) {
	e, err := decodeEnrichment(map[string]any{
		"system_instruction": "hello",
		"measures": []any{
			map[string]any{"name": "revenue", "table": "orders", "expression": "SUM(total)", "description": "total revenue"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", e.SystemInstruction)
	require.Len(t, e.Measures, 1)
	assert.Equal(t, "revenue", e.Measures[0].Name)
}

func TestWriteReport_WritesJSONNamedByJobIDAndSetsFields(t *testing.T) {
	h := &Handler{reportDir: t.TempDir()}

	job := &domain.Job{ID: uuid.New()}
	ctx := runtime.NewContext(context.Background(), nil, job, nil, nil)

	p := &domain.PipelineState{
		Research:   &domain.Research{CompanyName: "Acme"},
		DemoStory:  sampleDemoStory(),
		Schema:     sampleSchema(),
		DatasetID:  "acme_capi_demo_20260831",
		AgentID:    "agent-123",
		TableStats: []domain.TableStats{{Table: "orders", RowsLoaded: 42}},
	}

	path, err := h.writeReport(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(h.reportDir, job.ID.String()+".json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var report domain.Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, "Acme", report.CompanyName)
	assert.Equal(t, "acme_capi_demo_20260831", report.DatasetID)
	assert.Equal(t, "agent-123", report.AgentID)
	assert.Equal(t, 2, report.TableCount)
	require.Len(t, report.TableStats, 1)
}
