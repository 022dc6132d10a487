package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status values for Job.Status. A job moves pending -> running -> (completed|failed),
// with a user-initiated cancel short-circuiting to canceled from pending or running.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Job is the durable record of one provisioning run: a customer URL going in,
// a BigQuery dataset + CAPI agent + demo artifacts coming out.
type Job struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID      string         `gorm:"column:owner_id;not null;index" json:"owner_id"`
	CustomerURL  string         `gorm:"column:customer_url;not null" json:"customer_url"`
	Status       string         `gorm:"column:status;not null;index" json:"status"`
	CurrentPhase string         `gorm:"column:current_phase" json:"current_phase,omitempty"`
	Progress     int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Payload      datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload,omitempty"`
	Result       datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	ErrorKind    string         `gorm:"column:error_kind" json:"error_kind,omitempty"`
	ErrorMessage string         `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Job) TableName() string { return "job" }

// IsTerminal reports whether the job has reached a status it will never leave.
func (j *Job) IsTerminal() bool {
	if j == nil {
		return false
	}
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}
