package orchestrator

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/foundryworks/capiforge/internal/data/db"
	jobrepo "github.com/foundryworks/capiforge/internal/data/repos/jobs"
	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
	"github.com/foundryworks/capiforge/internal/jobs/runtime"
	"github.com/foundryworks/capiforge/internal/platform/apierr"
	"github.com/foundryworks/capiforge/internal/platform/logger"
)

type fakeHandler struct {
	name string
	run  func(ctx *runtime.Context) error
}

func (f *fakeHandler) Type() string { return f.name }
func (f *fakeHandler) Run(ctx *runtime.Context) error {
	if f.run == nil {
		return nil
	}
	return f.run(ctx)
}

type recordingNotifier struct {
	events []string
	done   bool
}

func (n *recordingNotifier) Log(jobID uuid.UUID, level, source, message string) {
	n.events = append(n.events, "log:"+level+":"+source)
}
func (n *recordingNotifier) StageStarted(jobID uuid.UUID, stage string, index int) {
	n.events = append(n.events, "started:"+stage)
}
func (n *recordingNotifier) StageCompleted(jobID uuid.UUID, stage string, index int) {
	n.events = append(n.events, "completed:"+stage)
}
func (n *recordingNotifier) StageFailed(jobID uuid.UUID, stage string, index int, errMsg string) {
	n.events = append(n.events, "failed:"+stage)
}
func (n *recordingNotifier) Progress(jobID uuid.UUID, pct int, phase string) {
	n.events = append(n.events, fmt.Sprintf("progress:%d:%s", pct, phase))
}
func (n *recordingNotifier) Done(jobID uuid.UUID, result any) {
	n.done = true
	n.events = append(n.events, "done")
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrateAll(gdb))
	return gdb
}

func newTestJobCtx(t *testing.T, gdb *gorm.DB, notifier runtime.Notifier) (*runtime.Context, jobrepo.JobRepo) {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	repo := jobrepo.NewJobRepo(gdb, log, 14400)
	job := &domain.Job{OwnerID: "owner-1", CustomerURL: "https://example.com", Status: domain.StatusPending}
	require.NoError(t, repo.Create(t.Context(), nil, job))
	ctx := runtime.NewContext(t.Context(), gdb, job, repo, notifier)
	return ctx, repo
}

func twoStageRegistry(t *testing.T, second func(ctx *runtime.Context) error) *runtime.Registry {
	t.Helper()
	reg := runtime.NewRegistry()
	require.NoError(t, reg.Register(&fakeHandler{name: StageResearch, run: func(ctx *runtime.Context) error {
		ctx.Pipeline.Research = &domain.Research{CompanyName: "Acme"}
		return nil
	}}))
	require.NoError(t, reg.Register(&fakeHandler{name: StageDemoStory, run: second}))
	return reg
}

func TestEngine_SequentialSuccess(t *testing.T) {
	gdb := testDB(t)
	notifier := &recordingNotifier{}
	jobCtx, repo := newTestJobCtx(t, gdb, notifier)

	reg := twoStageRegistry(t, func(ctx *runtime.Context) error {
		assert.Equal(t, "Acme", ctx.Pipeline.Research.CompanyName, "research output must be visible to later stages")
		ctx.Pipeline.DatasetID = "acme_capi_demo_20260101"
		return nil
	})
	stages := []Stage{
		{Name: StageResearch, Index: 1, Timeout: time.Second},
		{Name: StageDemoStory, Index: 2, Timeout: time.Second},
	}
	log, err := logger.New("test")
	require.NoError(t, err)
	eng, err := NewEngine(log, reg, stages, time.Second*5, "llmSyntheticDataHandler", true)
	require.NoError(t, err)

	eng.run(jobCtx)

	assert.True(t, notifier.done)
	assert.Contains(t, notifier.events, "started:research")
	assert.Contains(t, notifier.events, "completed:research")
	assert.Contains(t, notifier.events, "started:demo_story")
	assert.Contains(t, notifier.events, "completed:demo_story")

	got, err := repo.Get(t.Context(), nil, jobCtx.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	stageRows, err := repo.ListStages(t.Context(), nil, jobCtx.Job.ID)
	require.NoError(t, err)
	require.Len(t, stageRows, 2)
	for _, sr := range stageRows {
		assert.Equal(t, domain.StageStatusSucceeded, sr.Status)
	}
}

func TestEngine_StageFailurePreservesPartialArtifacts(t *testing.T) {
	gdb := testDB(t)
	notifier := &recordingNotifier{}
	jobCtx, repo := newTestJobCtx(t, gdb, notifier)

	reg := runtime.NewRegistry()
	require.NoError(t, reg.Register(&fakeHandler{name: StageResearch, run: func(ctx *runtime.Context) error {
		ctx.Pipeline.DatasetID = "acme_capi_demo_20260101"
		return nil
	}}))
	require.NoError(t, reg.Register(&fakeHandler{name: StageDemoStory, run: func(ctx *runtime.Context) error {
		return apierr.Wrap(apierr.KindUpstream, StageDemoStory, assertErr("llm exploded"))
	}}))
	stages := []Stage{
		{Name: StageResearch, Index: 1, Timeout: time.Second},
		{Name: StageDemoStory, Index: 2, Timeout: time.Second},
	}
	log, err := logger.New("test")
	require.NoError(t, err)
	eng, err := NewEngine(log, reg, stages, time.Second*5, "llmSyntheticDataHandler", true)
	require.NoError(t, err)

	eng.run(jobCtx)

	assert.False(t, notifier.done)
	assert.Contains(t, notifier.events, "failed:demo_story")

	got, err := repo.Get(t.Context(), nil, jobCtx.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, apierr.KindUpstream, got.ErrorKind)

	var state OrchestratorState
	require.NoError(t, unmarshalResult(got.Result, &state))
	require.NotNil(t, state.Pipeline)
	assert.Equal(t, "acme_capi_demo_20260101", state.Pipeline.DatasetID, "infrastructure-shaped artifacts must survive a later-stage failure")
}

func TestEngine_NonFatalStageFailureReachesCompleted(t *testing.T) {
	gdb := testDB(t)
	notifier := &recordingNotifier{}
	jobCtx, repo := newTestJobCtx(t, gdb, notifier)

	reg := runtime.NewRegistry()
	require.NoError(t, reg.Register(&fakeHandler{name: StageResearch, run: func(ctx *runtime.Context) error {
		ctx.Pipeline.DatasetID = "acme_capi_demo_20260101"
		return nil
	}}))
	require.NoError(t, reg.Register(&fakeHandler{name: StageValidation, run: func(ctx *runtime.Context) error {
		return assertErr("2/3 golden queries failed")
	}}))
	stages := []Stage{
		{Name: StageResearch, Index: 1, Timeout: time.Second},
		ValidationStage(2),
	}
	log, err := logger.New("test")
	require.NoError(t, err)
	eng, err := NewEngine(log, reg, stages, time.Second*5, "llmSyntheticDataHandler", true)
	require.NoError(t, err)

	eng.run(jobCtx)

	assert.True(t, notifier.done, "a non-fatal stage failure must still let the run reach completed")
	assert.Contains(t, notifier.events, "failed:validation")

	got, err := repo.Get(t.Context(), nil, jobCtx.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	stageRows, err := repo.ListStages(t.Context(), nil, jobCtx.Job.ID)
	require.NoError(t, err)
	var validationRow *domain.StageRecord
	for _, s := range stageRows {
		if s.Name == StageValidation {
			validationRow = s
		}
	}
	require.NotNil(t, validationRow)
	assert.Equal(t, string(StageFailed), validationRow.Status)
}

func TestNewEngine_RefusesForbiddenSyntheticDataHandler(t *testing.T) {
	reg := runtime.NewRegistry()
	require.NoError(t, reg.Register(&fakeHandler{name: StageResearch}))
	log, err := logger.New("test")
	require.NoError(t, err)

	_, err = NewEngine(log, reg, []Stage{{Name: StageResearch, Index: 1, Timeout: time.Second}}, time.Minute, "OptimizedKeywordFilterGenerator", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")
}

func TestNewEngine_AllowsForbiddenNameWhenForceFlagDisabled(t *testing.T) {
	reg := runtime.NewRegistry()
	require.NoError(t, reg.Register(&fakeHandler{name: StageResearch}))
	log, err := logger.New("test")
	require.NoError(t, err)

	_, err = NewEngine(log, reg, []Stage{{Name: StageResearch, Index: 1, Timeout: time.Second}}, time.Minute, "OptimizedKeywordFilterGenerator", false)
	require.NoError(t, err)
}

func TestNewEngine_RejectsDuplicateStageNames(t *testing.T) {
	reg := runtime.NewRegistry()
	require.NoError(t, reg.Register(&fakeHandler{name: StageResearch}))
	log, err := logger.New("test")
	require.NoError(t, err)

	_, err = NewEngine(log, reg, []Stage{
		{Name: StageResearch, Index: 1, Timeout: time.Second},
		{Name: StageResearch, Index: 2, Timeout: time.Second},
	}, time.Minute, "llmSyntheticDataHandler", true)
	require.Error(t, err)
}

func TestEngine_CancelMarksJobCanceledNotFailed(t *testing.T) {
	gdb := testDB(t)
	notifier := &recordingNotifier{}
	jobCtx, repo := newTestJobCtx(t, gdb, notifier)

	started := make(chan struct{})
	reg := runtime.NewRegistry()
	require.NoError(t, reg.Register(&fakeHandler{name: StageResearch, run: func(ctx *runtime.Context) error {
		close(started)
		<-ctx.Ctx.Done()
		return ctx.Ctx.Err()
	}}))
	stages := []Stage{{Name: StageResearch, Index: 1, Timeout: time.Minute}}
	log, err := logger.New("test")
	require.NoError(t, err)
	eng, err := NewEngine(log, reg, stages, time.Minute, "llmSyntheticDataHandler", true)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		eng.run(jobCtx)
		close(done)
	}()

	<-started
	assert.True(t, eng.Cancel(jobCtx.Job.ID), "Cancel must find the in-flight run")
	<-done

	got, err := repo.Get(t.Context(), nil, jobCtx.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, got.Status)
	assert.Equal(t, "canceled", got.ErrorKind)
	assert.False(t, notifier.done, "a canceled run must not emit the success done event")
}

func TestEngine_CancelUnknownJobReturnsFalse(t *testing.T) {
	log, err := logger.New("test")
	require.NoError(t, err)
	reg := runtime.NewRegistry()
	require.NoError(t, reg.Register(&fakeHandler{name: StageResearch}))
	eng, err := NewEngine(log, reg, []Stage{{Name: StageResearch, Index: 1, Timeout: time.Second}}, time.Minute, "llmSyntheticDataHandler", true)
	require.NoError(t, err)

	assert.False(t, eng.Cancel(uuid.New()))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func unmarshalResult(raw []byte, out *OrchestratorState) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
