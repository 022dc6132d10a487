package orchestrator

import (
	"time"

	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
)

/*
This file defines the *persisted state model* for a resumable provisioning run.
Everything here is data, not behavior.

The engine (engine.go) loads this state from the job row, mutates it
deterministically as stages advance, and persists it back after every
transition so a crash mid-run resumes from the last completed stage rather
than restarting the whole pipeline.
*/

/*
StageStatus is the lifecycle state of a single stage.

  - pending: stage has not started yet
  - running: stage is currently executing
  - succeeded: stage completed successfully
  - failed: stage failed and will not be retried further
  - skipped: stage was intentionally left out of this run (validation, when
    disabled)
*/
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

/*
StageState is the entire durable execution record for a single stage. It is
written to storage and reloaded verbatim; nothing about a stage's progress
lives only in memory.
*/
type StageState struct {
	Name       string         `json:"name"`
	Status     StageStatus    `json:"status"`
	Attempts   int            `json:"attempts"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
}

/*
OrchestratorState is the root snapshot of a provisioning run. It is
serialized into Job.Result, updated incrementally as stages advance, and
reloaded on every resume — the source of truth for run progress.
*/
type OrchestratorState struct {
	Version      int                     `json:"version"`
	Stages       map[string]*StageState  `json:"stages"`
	LastProgress int                     `json:"last_progress"`
	Pipeline     *domain.PipelineState   `json:"pipeline,omitempty"`
	Meta         map[string]any          `json:"meta,omitempty"`
}

func (s *OrchestratorState) ensure() {
	if s.Version <= 0 {
		s.Version = 1
	}
	if s.Stages == nil {
		s.Stages = map[string]*StageState{}
	}
	if s.Pipeline == nil {
		s.Pipeline = &domain.PipelineState{}
	}
	if s.Meta == nil {
		s.Meta = map[string]any{}
	}
}

// EnsureStage returns the StageState for name, creating it pending if it
// doesn't exist yet. Idempotent: safe to call on every resume.
func (s *OrchestratorState) EnsureStage(name string) *StageState {
	s.ensure()
	ss := s.Stages[name]
	if ss == nil {
		ss = &StageState{
			Name:    name,
			Status:  StagePending,
			Outputs: map[string]any{},
		}
		s.Stages[name] = ss
	}
	if ss.Outputs == nil {
		ss.Outputs = map[string]any{}
	}
	return ss
}
