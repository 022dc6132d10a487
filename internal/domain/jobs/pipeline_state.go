package jobs

import "time"

// PipelineState is the transient, in-memory state threaded through the seven
// stages for a single run. It is serialized into Job.Result as part of the
// orchestrator snapshot (see internal/jobs/orchestrator) so a crash mid-run
// can resume from the last persisted stage boundary.
type PipelineState struct {
	CustomerURL string `json:"customer_url"`

	Research    *Research    `json:"research,omitempty"`
	DemoStory   *DemoStory   `json:"demo_story,omitempty"`
	Schema      *Schema      `json:"schema,omitempty"`
	DataDir     string       `json:"data_dir,omitempty"`
	TableStats  []TableStats `json:"table_stats,omitempty"`
	DatasetID   string       `json:"dataset_id,omitempty"`
	AgentID     string       `json:"agent_id,omitempty"`
	YAMLDoc     string       `json:"yaml_document,omitempty"`
	ReportPath  string       `json:"report_path,omitempty"`
	Validation  *Validation  `json:"validation,omitempty"`
}

// Research is the output of the research stage: a company identity and
// domain profile synthesized from a bounded crawl of the customer site.
type Research struct {
	CompanyName   string   `json:"company_name"`
	Slug          string   `json:"slug"`
	Domain        string   `json:"domain"`
	Products      []string `json:"products"`
	Audience      string   `json:"audience"`
	Capabilities  []string `json:"key_capabilities"`
	PagesCrawled  int      `json:"pages_crawled"`
	SourceURLs    []string `json:"source_urls"`
}

// Complexity buckets for golden queries.
const (
	ComplexitySimple  = "simple"
	ComplexityMedium  = "medium"
	ComplexityComplex = "complex"
	ComplexityExpert  = "expert"
)

// GoldenQuery is a curated natural-language question paired with an expected
// SQL and a business rationale.
type GoldenQuery struct {
	Question      string `json:"question"`
	Complexity    string `json:"complexity"`
	ExpectedSQL   string `json:"expected_sql"`
	BusinessValue string `json:"business_value"`
	Tables        []string `json:"tables,omitempty"`
}

// DemoStory is the narrative layer built from the research object.
type DemoStory struct {
	Title             string        `json:"title"`
	ExecutiveSummary  string        `json:"executive_summary"`
	BusinessChallenges []string     `json:"business_challenges"`
	TalkingTrack       string       `json:"talking_track"`
	GoldenQueries      []GoldenQuery `json:"golden_queries"`
}

// Field modes. Repeated/array modes are intentionally absent: the schema
// contract forbids them (see data-modeling agent validation).
const (
	FieldModeNullable = "nullable"
	FieldModeRequired = "required"
)

// Field types, restricted to what BigQuery + NDJSON can round-trip cleanly.
const (
	FieldTypeString    = "STRING"
	FieldTypeInteger   = "INTEGER"
	FieldTypeFloat     = "FLOAT"
	FieldTypeBoolean   = "BOOLEAN"
	FieldTypeTimestamp = "TIMESTAMP"
	FieldTypeDate      = "DATE"
	FieldTypeNumeric   = "NUMERIC"
)

type Field struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Mode        string `json:"mode"`
	Description string `json:"description"`
	IsPrimaryKey bool  `json:"is_primary_key,omitempty"`
	ForeignKey  *ForeignKey `json:"foreign_key,omitempty"`
}

// ForeignKey names the parent table and field this field must reference.
type ForeignKey struct {
	Table string `json:"table"`
	Field string `json:"field"`
}

type Table struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Fields      []Field `json:"fields"`
	// RowOrderHint is a rough row-count target communicated by the
	// data-modeling agent (e.g. "large" -> high end of 200-5000).
	RowOrderHint string `json:"row_order_hint,omitempty"`
}

type Schema struct {
	Tables []Table `json:"tables"`
}

// TableStats captures per-table load results from the infrastructure stage.
type TableStats struct {
	Table       string `json:"table"`
	RowsLoaded  int64  `json:"rows_loaded"`
	StorageSize int64  `json:"storage_size_bytes"`
}

// Validation holds the (disabled-by-default) validation stage's results.
type Validation struct {
	QueriesRun      int      `json:"queries_run"`
	QueriesSucceeded int     `json:"queries_succeeded"`
	Failures        []string `json:"failures,omitempty"`
}

// Report is the human-readable summary written to disk at the end of the
// capi_instructions stage — spec §3's "report path" final artifact. It
// duplicates a subset of PipelineState in a form meant to be read directly
// by the operator handing the demo off, not re-parsed by the service.
type Report struct {
	CompanyName  string       `json:"company_name"`
	CustomerURL  string       `json:"customer_url"`
	DatasetID    string       `json:"dataset_id"`
	AgentID      string       `json:"agent_id"`
	DemoTitle    string       `json:"demo_title"`
	TableCount   int          `json:"table_count"`
	TableStats   []TableStats `json:"table_stats"`
	GoldenQueries []GoldenQuery `json:"golden_queries"`
	GeneratedAt  time.Time    `json:"generated_at"`
}
