package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Stage status values, mirroring the orchestrator's in-memory StageState.
const (
	StageStatusPending   = "pending"
	StageStatusRunning   = "running"
	StageStatusSucceeded = "succeeded"
	StageStatusFailed    = "failed"
	StageStatusSkipped   = "skipped"
)

// StageRecord is a child row per orchestrator stage, kept alongside the
// OrchestratorState JSON blob on Job.Result so GET /status can answer from a
// single indexed query without reloading and decoding the full snapshot.
type StageRecord struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID      uuid.UUID  `gorm:"type:uuid;not null;index:idx_stage_record_job_index" json:"job_id"`
	Name       string     `gorm:"column:name;not null" json:"name"`
	Index      int        `gorm:"column:index;not null;index:idx_stage_record_job_index" json:"index"`
	Status     string     `gorm:"column:status;not null;index" json:"status"`
	StartedAt  *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`
	Error      string     `gorm:"column:error;type:text" json:"error,omitempty"`
}

func (StageRecord) TableName() string { return "stage_record" }
