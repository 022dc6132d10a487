// Package forbidden holds the historical keyword-filter / Faker-style
// synthetic-data generator this system no longer uses.
//
// Do not wire OptimizedKeywordFilterGenerator into the synthetic-data
// stage's handler registry. Spec §4.3.4/§9 require every per-table data
// batch to come from an LLM call carrying business context; a random-token
// or keyword-substitution fallback is explicitly forbidden because it
// produces data indistinguishable from garbage to a downstream demo
// audience. internal/jobs/orchestrator.NewEngine refuses to start if the
// synthetic-data handler's bound type name contains "optimized" (this
// type's name, deliberately) while FORCE_LLM_DATA_GENERATION is enabled —
// so accidentally registering this type trips that safeguard instead of
// silently degrading demo quality.
package forbidden

import (
	"fmt"
	"math/rand"
	"strings"
)

// OptimizedKeywordFilterGenerator is retained for historical reference only
// — see the package doc. It is never registered with
// internal/jobs/runtime.Registry in this codebase.
type OptimizedKeywordFilterGenerator struct {
	Seed int64
}

var fallbackKeywords = []string{"alpha", "beta", "gamma", "delta", "widget", "item", "record"}

// GenerateRow produces a row by substituting field names with a random
// keyword from a fixed vocabulary — the exact "random-token fallback"
// spec §3 and §9 forbid for production use.
func (g *OptimizedKeywordFilterGenerator) GenerateRow(fields []string) map[string]any {
	rnd := rand.New(rand.NewSource(g.Seed))
	row := make(map[string]any, len(fields))
	for _, f := range fields {
		row[f] = fmt.Sprintf("%s_%d", fallbackKeywords[rnd.Intn(len(fallbackKeywords))], rnd.Intn(1000))
	}
	return row
}

// Type satisfies the same Type()-string convention internal/jobs/runtime
// handlers use, so NewEngine's forbidden-marker check operates on exactly
// the string an accidental registration would bind.
func (g *OptimizedKeywordFilterGenerator) Type() string {
	return strings.ToLower(fmt.Sprintf("%T", g))
}
