package validation

import (
	"fmt"

	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
	"github.com/foundryworks/capiforge/internal/jobs/runtime"
)

// Run executes every golden query against the provisioned agent and records
// pass/fail counts. Per spec §4.3.7/§9 ("a failing validation must not
// prevent the job from reaching completed... its failures must be
// non-fatal: state is returned unchanged, stage marked failed, pipeline
// continues to END"), a run with any query failure reports an error here so
// the stage is recorded failed — internal/jobs/orchestrator.Stage.NonFatal
// is what keeps that failure from aborting the job, not this handler. Only
// a fully clean run (zero failures) populates Pipeline.Validation; a failed
// run leaves it unset, satisfying "state is returned unchanged".
func (h *Handler) Run(ctx *runtime.Context) error {
	p := ctx.Pipeline
	if p.AgentID == "" || p.DemoStory == nil {
		return fmt.Errorf("validation stage requires a provisioned agent and demo story")
	}

	result := &domain.Validation{}
	for _, q := range p.DemoStory.GoldenQueries {
		result.QueriesRun++
		_, succeeded, err := h.capi.RunQuery(ctx.Ctx, p.AgentID, q.Question)
		if err != nil {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", q.Question, err))
			ctx.Log(domain.LogLevelWarn, StageName, fmt.Sprintf("golden query errored: %v", err))
			continue
		}
		if !succeeded {
			result.Failures = append(result.Failures, q.Question)
			ctx.Log(domain.LogLevelWarn, StageName, fmt.Sprintf("golden query unanswered: %s", q.Question))
			continue
		}
		result.QueriesSucceeded++
	}

	if len(result.Failures) > 0 {
		return fmt.Errorf("validation: %d/%d golden queries failed", len(result.Failures), result.QueriesRun)
	}

	p.Validation = result
	return nil
}
