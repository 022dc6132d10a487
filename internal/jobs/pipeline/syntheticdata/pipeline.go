package syntheticdata

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
	"github.com/foundryworks/capiforge/internal/jobs/datagen"
	"github.com/foundryworks/capiforge/internal/jobs/runtime"
	"github.com/foundryworks/capiforge/internal/platform/apierr"
)

const systemPrompt = `You are generating realistic synthetic demonstration data for a BigQuery
table as part of a sales-engineering product demo. You are given the
company's business context and the table's field list. Respond with ONLY a
GitHub-flavored markdown table: a header row naming every field, a
separator row, then one data row per record. Values must be plausible for
the stated business context — realistic names, dates within the last few
years, monetary amounts with realistic distributions (most values clustered
low with a long tail of larger ones), and no placeholder text like "N/A" or
"TODO". Do not include any commentary before or after the table.`

// Run generates one NDJSON file per schema table in a job-scoped temp
// directory (spec §6.5: "{tmp}/synthetic_data/{job_id}/{table_name}.jsonl"),
// parent tables before children so foreign keys can sample real parent ids
// (spec §4.3.4). Tables with no unresolved dependency are generated
// concurrently, bounded by SYNTHETIC_DATA_FANOUT.
func (h *Handler) Run(ctx *runtime.Context) error {
	if ctx.Pipeline.Schema == nil {
		return apierr.Newf(apierr.KindInput, StageName, "synthetic_data stage requires a schema")
	}

	dataDir := filepath.Join(h.tmpRoot, ctx.Job.ID.String())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return apierr.Wrap(apierr.KindInfrastructure, StageName, fmt.Errorf("create data dir: %w", err))
	}
	ctx.Pipeline.DataDir = dataDir

	levels, err := topologicalLevels(ctx.Pipeline.Schema)
	if err != nil {
		return apierr.Wrap(apierr.KindSchema, StageName, err)
	}

	businessCtx := buildBusinessContext(ctx.Pipeline)
	parentIDs := map[string][]any{}

	for _, level := range levels {
		g, gCtx := errgroup.WithContext(ctx.Ctx)
		g.SetLimit(h.fanOut)

		type result struct {
			table string
			ids   []any
		}
		results := make([]result, len(level))
		snapshot := snapshotParentIDs(parentIDs)

		for i, table := range level {
			i, table := i, table
			g.Go(func() error {
				stageCtx := *ctx
				stageCtx.Ctx = gCtx
				ids, err := h.generateTable(&stageCtx, businessCtx, table, snapshot)
				if err != nil {
					return fmt.Errorf("table %s: %w", table.Name, err)
				}
				results[i] = result{table: table.Name, ids: ids}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return apierr.Wrap(apierr.KindDataGeneration, StageName, err)
		}
		for _, r := range results {
			parentIDs[r.table] = r.ids
		}
	}

	return nil
}

// snapshotParentIDs copies the parent-id pools built so far so concurrent
// per-table goroutines within a level only ever read a stable map, never
// the one still being written to by sibling goroutines.
func snapshotParentIDs(in map[string][]any) map[string][]any {
	out := make(map[string][]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// generateTable fills one table's NDJSON file, retrying the whole table
// once on failure per spec §4.3.4 ("on any per-table failure: retry once;
// on second failure, fail the stage"). Returns the generated primary-key
// pool for child tables to sample from.
func (h *Handler) generateTable(jobCtx *runtime.Context, businessCtx string, table domain.Table, parentIDs map[string][]any) ([]any, error) {
	rng := rand.New(rand.NewSource(tableSeed(table.Name)))
	ids, err := h.generateTableOnce(jobCtx, businessCtx, table, parentIDs, rng)
	if err != nil {
		jobCtx.Log(domain.LogLevelWarn, StageName, fmt.Sprintf("table %s generation failed, retrying: %v", table.Name, err))
		ids, err = h.generateTableOnce(jobCtx, businessCtx, table, parentIDs, rng)
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// tableSeed derives a deterministic per-table PRNG seed so foreign-key
// sampling is reproducible across identical runs without sharing a single
// *rand.Rand (not goroutine-safe) across concurrent table generations.
func tableSeed(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func (h *Handler) generateTableOnce(jobCtx *runtime.Context, businessCtx string, table domain.Table, parentIDs map[string][]any, rng *rand.Rand) ([]any, error) {
	fieldNames := make([]string, 0, len(table.Fields))
	for _, f := range table.Fields {
		fieldNames = append(fieldNames, f.Name)
	}

	target := datagen.RowCountForHint(table.RowOrderHint)
	batches := datagen.BatchRowCount(target, h.rowsMax)

	path := filepath.Join(jobCtx.Pipeline.DataDir, table.Name+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create ndjson file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	pkField := primaryKeyField(table)
	var nextID int64 = 1
	var ids []any

	for _, n := range batches {
		prompt := buildTablePrompt(businessCtx, table, n, parentIDs)
		resp, err := h.llm.GenerateText(jobCtx.Ctx, "synthetic_data", systemPrompt, prompt)
		if err != nil {
			return nil, fmt.Errorf("generate rows: %w", err)
		}
		rows, err := datagen.ParseMarkdownTable(resp, fieldNames)
		if err != nil {
			return nil, fmt.Errorf("parse markdown table: %w", err)
		}
		for _, row := range rows {
			applyForeignKeys(row, table, parentIDs, rng)
			id := assignPrimaryKey(row, pkField, &nextID)
			ids = append(ids, id)

			line, err := json.Marshal(row)
			if err != nil {
				return nil, fmt.Errorf("marshal row: %w", err)
			}
			if _, err := w.Write(line); err != nil {
				return nil, fmt.Errorf("write row: %w", err)
			}
			if _, err := w.WriteString("\n"); err != nil {
				return nil, fmt.Errorf("write newline: %w", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("flush ndjson: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("generated zero rows")
	}
	return ids, nil
}

func primaryKeyField(t domain.Table) string {
	for _, f := range t.Fields {
		if f.IsPrimaryKey {
			return f.Name
		}
	}
	return ""
}

func assignPrimaryKey(row map[string]any, pkField string, nextID *int64) any {
	if pkField == "" {
		id := *nextID
		*nextID++
		return id
	}
	if v, ok := row[pkField]; ok && v != nil {
		return v
	}
	id := *nextID
	*nextID++
	row[pkField] = id
	return id
}

func applyForeignKeys(row map[string]any, t domain.Table, parentIDs map[string][]any, rng interface{ Intn(int) int }) {
	for _, f := range t.Fields {
		if f.ForeignKey == nil {
			continue
		}
		pool := parentIDs[f.ForeignKey.Table]
		if len(pool) == 0 {
			continue
		}
		row[f.Name] = pool[rng.Intn(len(pool))]
	}
}

func buildBusinessContext(p *domain.PipelineState) string {
	var b strings.Builder
	if p.Research != nil {
		fmt.Fprintf(&b, "Company: %s (%s)\n", p.Research.CompanyName, p.Research.Domain)
		fmt.Fprintf(&b, "Products: %s\n", strings.Join(p.Research.Products, ", "))
	}
	if p.DemoStory != nil {
		fmt.Fprintf(&b, "Demo narrative: %s\n", p.DemoStory.ExecutiveSummary)
	}
	return b.String()
}

func buildTablePrompt(businessCtx string, table domain.Table, n int, parentIDs map[string][]any) string {
	var b strings.Builder
	b.WriteString(businessCtx)
	fmt.Fprintf(&b, "\nTable: %s — %s\n", table.Name, table.Description)
	b.WriteString("Fields:\n")
	for _, f := range table.Fields {
		fk := ""
		if f.ForeignKey != nil {
			fk = fmt.Sprintf(" (foreign key -> %s.%s, leave blank — it will be filled in)", f.ForeignKey.Table, f.ForeignKey.Field)
		}
		fmt.Fprintf(&b, "- %s (%s, %s): %s%s\n", f.Name, f.Type, f.Mode, f.Description, fk)
	}
	fmt.Fprintf(&b, "\nGenerate exactly %d data rows.\n", n)
	return b.String()
}

// topologicalLevels groups tables into dependency levels (parents before
// children) so independent tables within a level can be generated
// concurrently per spec §5 ("within a stage, fan-out is permitted").
func topologicalLevels(schema *domain.Schema) ([][]domain.Table, error) {
	byName := map[string]domain.Table{}
	deps := map[string]map[string]bool{}
	for _, t := range schema.Tables {
		byName[t.Name] = t
		deps[t.Name] = map[string]bool{}
		for _, f := range t.Fields {
			if f.ForeignKey != nil && f.ForeignKey.Table != t.Name {
				deps[t.Name][f.ForeignKey.Table] = true
			}
		}
	}

	var levels [][]domain.Table
	resolved := map[string]bool{}
	for len(resolved) < len(byName) {
		var level []domain.Table
		for name, need := range deps {
			if resolved[name] {
				continue
			}
			ready := true
			for dep := range need {
				if !resolved[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, byName[name])
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf("schema has a cyclic or unresolved foreign-key dependency")
		}
		for _, t := range level {
			resolved[t.Name] = true
		}
		levels = append(levels, level)
	}
	return levels, nil
}
