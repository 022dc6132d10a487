package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobrepo "github.com/foundryworks/capiforge/internal/data/repos/jobs"
	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
)

// Notifier is the side channel a Context publishes progress through. The
// realtime hub implements it; tests can stub it out with a no-op.
type Notifier interface {
	Log(jobID uuid.UUID, level, source, message string)
	StageStarted(jobID uuid.UUID, stage string, index int)
	StageCompleted(jobID uuid.UUID, stage string, index int)
	StageFailed(jobID uuid.UUID, stage string, index int, errMsg string)
	Progress(jobID uuid.UUID, pct int, phase string)
	Done(jobID uuid.UUID, result any)
}

// Context is the capability-scoped execution handle for a single
// provisioning run. It wraps the DB transaction boundary, the mutable Job
// row, and the notification side-effects — pipeline stages never touch the
// repo or the job row directly, they go through this object.
type Context struct {
	Ctx         context.Context
	DB          *gorm.DB
	Job         *domain.Job
	Repo        jobrepo.JobRepo
	Notify      Notifier
	LastMessage string
	payload     map[string]any

	// Pipeline is the shared, mutable provisioning state for the run,
	// assigned once by the orchestrator before the first stage and mutated
	// in place by every stage handler thereafter (spec §3's "each stage
	// receives the state and returns a superset").
	Pipeline *domain.PipelineState
}

// NewContext constructs a runtime Context for a job run, eagerly decoding
// Job.Payload so stages can read inputs via Payload()/PayloadUUID().
func NewContext(ctx context.Context, db *gorm.DB, job *domain.Job, repo jobrepo.JobRepo, notify Notifier) *Context {
	c := &Context{
		Ctx:    ctx,
		DB:     db,
		Job:    job,
		Repo:   repo,
		Notify: notify,
	}
	_ = c.decodePayload()
	return c
}

func (c *Context) decodePayload() error {
	if c.Job == nil {
		return nil
	}
	if len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload returns the decoded payload map. Never nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// PayloadUUID reads a payload field and attempts to parse it as a UUID.
func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Log appends a log entry for the running stage without mutating job status
// or progress — agents use this for the "on normal return, the stage may
// emit any number of log entries" behavior in spec §4.2, and for the
// single retry-warning testable property in §8 (E3).
func (c *Context) Log(level, source, message string) {
	if c == nil || c.Job == nil {
		return
	}
	if c.Repo != nil && c.Job.ID != uuid.Nil {
		entry := &domain.LogEntry{JobID: c.Job.ID, Level: level, Source: source, Message: message}
		if err := c.Repo.AppendLog(c.ctx(), nil, entry); err != nil {
			// Best-effort: a dropped log entry never fails a stage.
			_ = err
		}
	}
	if c.Notify != nil {
		c.Notify.Log(c.Job.ID, level, source, message)
	}
}

// Update applies arbitrary field updates to the underlying Job row, guarded
// so a canceled job's terminal state is never overwritten. Intended for
// low-level writes (orchestrator state snapshots); stages should prefer
// Progress/Fail/Succeed for lifecycle transitions.
func (c *Context) Update(updates map[string]any) error {
	if c.Job == nil || c.Job.ID == uuid.Nil || c.Repo == nil {
		return nil
	}
	_, err := c.Repo.UpdateFieldsUnlessStatus(c.ctx(), nil, c.Job.ID, []string{domain.StatusCanceled}, toIfaceMap(updates))
	return err
}

// Progress persists a non-terminal status update and notifies subscribers.
func (c *Context) Progress(stage string, pct int, msg string) {
	if c == nil {
		return
	}
	now := time.Now()
	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.ctx(), nil, c.Job.ID, []string{domain.StatusCanceled}, map[string]interface{}{
			"status":        domain.StatusRunning,
			"current_phase": stage,
			"progress":      pct,
			"updated_at":    now,
		})
		if !ok {
			return
		}
	}
	if c.Job != nil {
		c.Job.Status = domain.StatusRunning
		c.Job.CurrentPhase = stage
		c.Job.Progress = pct
		c.Job.UpdatedAt = now
	}
	c.LastMessage = msg
	if c.Notify != nil && c.Job != nil {
		c.Notify.Progress(c.Job.ID, pct, stage)
		if msg != "" {
			c.Notify.Log(c.Job.ID, domain.LogLevelInfo, stage, msg)
		}
	}
}

// Fail marks the job terminally failed, classified by kind, and notifies
// subscribers. A canceled job is never overwritten.
func (c *Context) Fail(stage, kind string, err error) {
	if c == nil {
		return
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.ctx(), nil, c.Job.ID, []string{domain.StatusCanceled}, map[string]interface{}{
			"status":        domain.StatusFailed,
			"current_phase": stage,
			"error_kind":    kind,
			"error_message": msg,
			"updated_at":    now,
		})
		if !ok {
			return
		}
	}
	if c.Job != nil {
		c.Job.Status = domain.StatusFailed
		c.Job.CurrentPhase = stage
		c.Job.ErrorKind = kind
		c.Job.ErrorMessage = msg
		c.Job.UpdatedAt = now
	}
	if c.Notify != nil && c.Job != nil {
		c.Notify.StageFailed(c.Job.ID, stage, -1, msg)
		c.Notify.Log(c.Job.ID, domain.LogLevelError, stage, msg)
	}
}

// Cancel marks the job terminally canceled — spec §5: "delete(job_id) of a
// running job requests orchestrator cancellation and marks the job failed
// with a cancellation reason." Modeled as its own terminal status (rather
// than reusing StatusFailed) so a canceled job is distinguishable from one
// that failed on its own; apierr.KindCanceled is still the error kind
// surfaced through the usual error_kind/error_message fields.
func (c *Context) Cancel(stage string, reason string) {
	if c == nil {
		return
	}
	now := time.Now()
	if reason == "" {
		reason = "canceled"
	}
	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.ctx(), nil, c.Job.ID, []string{domain.StatusCompleted, domain.StatusFailed, domain.StatusCanceled}, map[string]interface{}{
			"status":        domain.StatusCanceled,
			"current_phase": stage,
			"error_kind":    "canceled",
			"error_message": reason,
			"updated_at":    now,
		})
		if !ok {
			return
		}
	}
	if c.Job != nil {
		c.Job.Status = domain.StatusCanceled
		c.Job.CurrentPhase = stage
		c.Job.ErrorKind = "canceled"
		c.Job.ErrorMessage = reason
		c.Job.UpdatedAt = now
	}
	if c.Notify != nil && c.Job != nil {
		c.Notify.StageFailed(c.Job.ID, stage, -1, reason)
		c.Notify.Log(c.Job.ID, domain.LogLevelWarn, stage, reason)
	}
}

// Succeed marks the job terminally succeeded and persists the final result.
func (c *Context) Succeed(finalStage string, result any) {
	if c == nil {
		return
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}
	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.ctx(), nil, c.Job.ID, []string{domain.StatusCanceled}, map[string]interface{}{
			"status":        domain.StatusCompleted,
			"current_phase": finalStage,
			"progress":      100,
			"error_kind":    "",
			"error_message": "",
			"result":        res,
			"updated_at":    now,
		})
		if !ok {
			return
		}
	}
	if c.Job != nil {
		c.Job.Status = domain.StatusCompleted
		c.Job.CurrentPhase = finalStage
		c.Job.Progress = 100
		c.Job.ErrorKind = ""
		c.Job.ErrorMessage = ""
		c.Job.Result = res
		c.Job.UpdatedAt = now
	}
	if c.Notify != nil && c.Job != nil {
		c.Notify.Done(c.Job.ID, result)
	}
}

func (c *Context) ctx() context.Context {
	if c.Ctx != nil {
		return c.Ctx
	}
	return context.Background()
}

func toIfaceMap(in map[string]any) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
