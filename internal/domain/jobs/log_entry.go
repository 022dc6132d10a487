package jobs

import (
	"time"

	"github.com/google/uuid"
)

// LogEntry is one line of a job's append-only log, ordered by Seq rather than
// CreatedAt so concurrent writers (orchestrator goroutine + agent subroutines)
// still produce a total, monotone order per §5's concurrency guarantees.
type LogEntry struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID     uuid.UUID `gorm:"type:uuid;not null;index:idx_log_entry_job_seq,priority:1" json:"job_id"`
	Seq       int64     `gorm:"column:seq;not null;index:idx_log_entry_job_seq,priority:2" json:"seq"`
	Level     string    `gorm:"column:level;not null" json:"level"`
	Source    string    `gorm:"column:source" json:"source,omitempty"`
	Message   string    `gorm:"column:message;type:text;not null" json:"message"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (LogEntry) TableName() string { return "log_entry" }

const (
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)
