package orchestrator

/*
Engine runs the fixed provisioning graph sequentially, one goroutine per job
(spec §5: "cooperative single-threaded event loop per service instance" —
the orchestrator itself never blocks the HTTP caller and never competes with
other jobs for a shared worker pool; it is simply `go e.run(...)`).

This replaces the teacher's generic async child-job/poll-queue engine: that
machinery exists to coordinate a DB-claim worker pool picking up arbitrary
job types, which has no counterpart here — there is exactly one job type,
exactly one fixed stage graph, and no child jobs. What is kept from the
teacher is the shape: stage timing, monotonic progress, panic-safe stage
invocation, and a durable snapshot written after every transition so a crash
mid-run resumes from the last completed stage.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/google/uuid"

	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
	"github.com/foundryworks/capiforge/internal/jobs/runtime"
	"github.com/foundryworks/capiforge/internal/platform/apierr"
	"github.com/foundryworks/capiforge/internal/platform/logger"
)

// Canonical stage names — the fixed graph from spec §4.2, plus the disabled
// seventh stage kept out of DefaultStages (§4.3.7, §9).
const (
	StageResearch         = "research"
	StageDemoStory        = "demo_story"
	StageDataModeling     = "data_modeling"
	StageSyntheticData    = "synthetic_data"
	StageInfrastructure   = "infrastructure"
	StageCAPIInstructions = "capi_instructions"
	StageValidation       = "validation"
)

// ForbiddenSyntheticDataMarker is the substring the orchestrator refuses to
// bind for the synthetic-data stage when force_llm_data_generation is set
// (spec §4.2, §9; see internal/jobs/datagen/forbidden for the isolated
// implementation this guards against).
const ForbiddenSyntheticDataMarker = "optimized"

// Stage is one node in the linear graph: a name, its position (for progress
// arithmetic and StageRecord.Index), and its soft deadline. NonFatal marks a
// stage whose failure must not abort the run (spec §4.3.7/§9's re-enabled
// validation stage: "state is returned unchanged, stage marked failed,
// pipeline continues to END") — the run loop records the failure and moves
// on to the next stage instead of calling jobCtx.Fail.
type Stage struct {
	Name     string
	Index    int
	Timeout  time.Duration
	NonFatal bool
}

// DefaultStages builds the live six-stage graph with the deadlines from
// spec §5: 10 minutes for demo_story and capi_instructions, 5 for the rest.
func DefaultStages() []Stage {
	return []Stage{
		{Name: StageResearch, Index: 1, Timeout: 5 * time.Minute},
		{Name: StageDemoStory, Index: 2, Timeout: 10 * time.Minute},
		{Name: StageDataModeling, Index: 3, Timeout: 5 * time.Minute},
		{Name: StageSyntheticData, Index: 4, Timeout: 5 * time.Minute},
		{Name: StageInfrastructure, Index: 5, Timeout: 5 * time.Minute},
		{Name: StageCAPIInstructions, Index: 6, Timeout: 10 * time.Minute},
	}
}

// ValidationStage returns the seventh stage's definition for callers that
// opt into re-enabling it (spec §4.3.7, §9). NonFatal is always true: a
// validation run that fails must never fail the job.
func ValidationStage(index int) Stage {
	return Stage{Name: StageValidation, Index: index, Timeout: 5 * time.Minute, NonFatal: true}
}

// StagesWithValidation returns DefaultStages, appending ValidationStage when
// enabled is true. This is the configuration switch spec §9 calls for: the
// validation stage is "kept ready to wire in behind a config flag" without
// requiring a code change to re-enable it — see internal/app/app.go's
// VALIDATION_STAGE_ENABLED wiring.
func StagesWithValidation(enabled bool) []Stage {
	stages := DefaultStages()
	if !enabled {
		return stages
	}
	return append(stages, ValidationStage(len(stages)+1))
}

// Engine runs Stages in order against handlers looked up from a Registry.
type Engine struct {
	log         *logger.Logger
	registry    *runtime.Registry
	stages      []Stage
	jobDeadline time.Duration

	cancels sync.Map // uuid.UUID -> context.CancelFunc, one entry per in-flight run
}

// NewEngine validates the stage graph and the synthetic-data safeguard at
// construction time — spec §4.2: "enforced at orchestrator construction...
// construction fails immediately and the service does not start."
//
// syntheticDataHandlerName is the bound type name of the handler registered
// for StageSyntheticData (typically the Go type name of its implementation);
// forceLLMDataGeneration mirrors the FORCE_LLM_DATA_GENERATION env (default
// true, must stay true in production per §6.5).
func NewEngine(log *logger.Logger, registry *runtime.Registry, stages []Stage, jobDeadline time.Duration, syntheticDataHandlerName string, forceLLMDataGeneration bool) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("orchestrator: nil registry")
	}
	if err := validateStages(stages); err != nil {
		return nil, err
	}
	for _, st := range stages {
		if _, ok := registry.Get(st.Name); !ok {
			return nil, fmt.Errorf("orchestrator: no handler registered for stage %q", st.Name)
		}
	}
	if forceLLMDataGeneration && containsForbiddenMarker(syntheticDataHandlerName) {
		return nil, fmt.Errorf(
			"orchestrator: refusing to start — synthetic-data handler %q carries the forbidden %q marker while force_llm_data_generation is enabled",
			syntheticDataHandlerName, ForbiddenSyntheticDataMarker,
		)
	}
	if jobDeadline <= 0 {
		jobDeadline = 60 * time.Minute
	}
	return &Engine{
		log:         log.With("component", "orchestrator"),
		registry:    registry,
		stages:      stages,
		jobDeadline: jobDeadline,
	}, nil
}

func containsForbiddenMarker(name string) bool {
	return strings.Contains(strings.ToLower(name), ForbiddenSyntheticDataMarker)
}

// validateStages enforces testable property #2: the stage set has no
// duplicates and no blank names. Omission against the "configured graph" is
// caught by the handler-registration check in NewEngine instead, since the
// configured graph here simply *is* whatever Stages the caller passed.
func validateStages(stages []Stage) error {
	seen := make(map[string]bool, len(stages))
	for _, st := range stages {
		if strings.TrimSpace(st.Name) == "" {
			return fmt.Errorf("orchestrator: stage with empty name at index %d", st.Index)
		}
		if seen[st.Name] {
			return fmt.Errorf("orchestrator: duplicate stage name %q", st.Name)
		}
		seen[st.Name] = true
	}
	return nil
}

// Start detaches the run into its own goroutine and returns immediately —
// spec §4.2: "the orchestrator detaches into a background task and never
// blocks the caller."
func (e *Engine) Start(jobCtx *runtime.Context) {
	go e.run(jobCtx)
}

// Cancel requests cancellation of a job's in-flight run (spec §5:
// "delete(job_id) of a running job requests orchestrator cancellation").
// Reports whether a running goroutine was found; a false return means the
// job is already terminal (or never started) and the caller's own delete
// path proceeds unaffected.
func (e *Engine) Cancel(jobID uuid.UUID) bool {
	v, ok := e.cancels.Load(jobID)
	if !ok {
		return false
	}
	cancel, ok := v.(context.CancelFunc)
	if !ok {
		return false
	}
	cancel()
	return true
}

func (e *Engine) run(jobCtx *runtime.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic recovered in orchestrator run",
				"job_id", jobCtx.Job.ID, "panic", r, "stack", string(debug.Stack()))
			jobCtx.Fail(jobCtx.Job.CurrentPhase, apierr.KindInfrastructure, fmt.Errorf("internal error: %v", r))
		}
	}()

	runCtx, cancelRun := context.WithCancel(jobCtx.Ctx)
	e.cancels.Store(jobCtx.Job.ID, cancelRun)
	defer func() {
		e.cancels.Delete(jobCtx.Job.ID)
		cancelRun()
	}()

	overallCtx, cancel := context.WithTimeout(runCtx, e.jobDeadline)
	defer cancel()
	jobCtx.Ctx = overallCtx

	state, err := e.loadState(jobCtx)
	if err != nil {
		jobCtx.Fail("", apierr.KindInfrastructure, fmt.Errorf("load orchestrator state: %w", err))
		return
	}
	if state.Pipeline.CustomerURL == "" {
		state.Pipeline.CustomerURL = jobCtx.Job.CustomerURL
	}
	jobCtx.Pipeline = state.Pipeline

	total := len(e.stages)
	completed := 0
	for _, st := range e.stages {
		ss := state.EnsureStage(st.Name)
		if ss.Status == StageSucceeded {
			// Resume support: a crash-restarted run skips stages already
			// durably recorded as succeeded.
			completed++
			continue
		}

		handler, _ := e.registry.Get(st.Name)

		jobCtx.Notify.StageStarted(jobCtx.Job.ID, st.Name, st.Index)
		now := time.Now()
		ss.Status = StageRunning
		ss.Attempts++
		ss.StartedAt = &now
		ss.LastError = ""
		e.persistStage(jobCtx, st, ss)
		jobCtx.Progress(st.Name, floorPct(completed, total), fmt.Sprintf("starting %s", st.Name))

		stageCtx, stageCancel := context.WithTimeout(overallCtx, st.Timeout)
		runErr := e.safeRun(stageCtx, handler, jobCtx)
		stageCtxErr := stageCtx.Err()
		stageCancel()

		finished := time.Now()
		ss.FinishedAt = &finished

		if runErr != nil {
			kind := classifyStageErr(runErr, stageCtxErr)
			ss.Status = StageFailed
			ss.LastError = runErr.Error()
			e.persistStage(jobCtx, st, ss)
			e.persistState(jobCtx, state)
			// Partial artifacts already live on state.Pipeline (mutated in
			// place by whichever stages completed) and were just persisted
			// above, satisfying §4.2's "partial artifacts present in state
			// are still persisted."
			if st.NonFatal {
				// spec §4.3.7/§9: a non-fatal stage's failure is recorded
				// and the run continues to END rather than failing the job
				// — "state is returned unchanged" is the handler's own
				// responsibility (it must not mutate Pipeline on failure).
				completed++
				jobCtx.Notify.StageFailed(jobCtx.Job.ID, st.Name, st.Index, runErr.Error())
				jobCtx.Log(domain.LogLevelWarn, st.Name, fmt.Sprintf("non-fatal stage failed, continuing: %v", runErr))
				jobCtx.Progress(st.Name, floorPct(completed, total), fmt.Sprintf("%s failed (non-fatal)", st.Name))
				continue
			}
			if kind == apierr.KindCanceled {
				// spec §5: "delete(job_id) of a running job requests
				// orchestrator cancellation and marks the job failed with a
				// cancellation reason" — modeled as its own terminal status,
				// see runtime.Context.Cancel.
				jobCtx.Cancel(st.Name, runErr.Error())
			} else {
				jobCtx.Fail(st.Name, kind, runErr)
			}
			return
		}

		ss.Status = StageSucceeded
		completed++
		e.persistStage(jobCtx, st, ss)
		jobCtx.Notify.StageCompleted(jobCtx.Job.ID, st.Name, st.Index)
		e.persistState(jobCtx, state)
		jobCtx.Progress(st.Name, floorPct(completed, total), fmt.Sprintf("completed %s", st.Name))
	}

	e.persistState(jobCtx, state)
	jobCtx.Succeed(StageCAPIInstructions, state)
}

// classifyStageErr maps a stage failure to an apierr.Kind: a deadline that
// actually elapsed is always `timeout` regardless of what the handler
// itself returned, since the context cancellation is what ended the stage.
// An explicit Engine.Cancel (delete-of-a-running-job, spec §5) propagates as
// context.Canceled rather than context.DeadlineExceeded and is classified
// separately so the job lands in `canceled`, not `failed`. stageCtxErr is the
// stage context's error read before the stage's own cancel func runs.
func classifyStageErr(runErr error, stageCtxErr error) string {
	if errors.Is(runErr, context.DeadlineExceeded) || stageCtxErr == context.DeadlineExceeded {
		return apierr.KindTimeout
	}
	if errors.Is(runErr, context.Canceled) || stageCtxErr == context.Canceled {
		return apierr.KindCanceled
	}
	var ae *apierr.Error
	if errors.As(runErr, &ae) && ae.Kind != "" {
		return ae.Kind
	}
	return apierr.KindUpstream
}

func floorPct(completed, total int) int {
	if total <= 0 {
		return 100
	}
	return int(100 * completed / total)
}

// safeRun wraps a single handler invocation so a panicking stage becomes a
// failed-stage transition rather than a service crash — spec §4.2's second
// construction-time safeguard, applied per-invocation here.
func (e *Engine) safeRun(ctx context.Context, handler runtime.Handler, jobCtx *runtime.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in stage %s: %v", handler.Type(), r)
		}
	}()
	prevCtx := jobCtx.Ctx
	jobCtx.Ctx = ctx
	defer func() { jobCtx.Ctx = prevCtx }()
	return handler.Run(jobCtx)
}

func (e *Engine) persistStage(jobCtx *runtime.Context, st Stage, ss *StageState) {
	if jobCtx.Repo == nil {
		return
	}
	rec := &domain.StageRecord{
		JobID:      jobCtx.Job.ID,
		Name:       st.Name,
		Index:      st.Index,
		Status:     string(ss.Status),
		StartedAt:  ss.StartedAt,
		FinishedAt: ss.FinishedAt,
		Error:      ss.LastError,
	}
	if err := jobCtx.Repo.UpsertStage(jobCtx.Ctx, nil, rec); err != nil {
		e.log.Warn("persist stage record failed", "job_id", jobCtx.Job.ID, "stage", st.Name, "error", err)
	}
}

func (e *Engine) persistState(jobCtx *runtime.Context, state *OrchestratorState) {
	b, err := json.Marshal(state)
	if err != nil {
		e.log.Warn("encode orchestrator state failed", "job_id", jobCtx.Job.ID, "error", err)
		return
	}
	if err := jobCtx.Update(map[string]any{"result": datatypes.JSON(b)}); err != nil {
		e.log.Warn("persist orchestrator state failed", "job_id", jobCtx.Job.ID, "error", err)
	}
}

func (e *Engine) loadState(jobCtx *runtime.Context) (*OrchestratorState, error) {
	state := &OrchestratorState{}
	if jobCtx.Job != nil && len(jobCtx.Job.Result) > 0 {
		if err := json.Unmarshal(jobCtx.Job.Result, state); err != nil {
			return nil, err
		}
	}
	state.ensure()
	return state, nil
}
