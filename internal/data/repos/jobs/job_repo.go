package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
	"github.com/foundryworks/capiforge/internal/platform/logger"
)

// JobRepo is the Job Manager's persistence contract (spec §4.1): create,
// get, list, delete, append_log, update_stage, update_progress, set_results,
// stats.
type JobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *domain.Job) error
	Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Job, error)
	List(ctx context.Context, tx *gorm.DB, ownerID string, status, search string, limit, offset int) ([]*domain.Job, error)
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID, ownerID string) error

	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsUnlessStatus applies updates unless the job's current status
	// is one of forbidden. Returns ok=false (no error) if the guard rejected
	// the write so callers can distinguish "already terminal" from failure.
	UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, forbidden []string, updates map[string]interface{}) (bool, error)

	AppendLog(ctx context.Context, tx *gorm.DB, entry *domain.LogEntry) error
	ListLogs(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, limit int) ([]*domain.LogEntry, error)

	UpsertStage(ctx context.Context, tx *gorm.DB, stage *domain.StageRecord) error
	ListStages(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*domain.StageRecord, error)

	SetResults(ctx context.Context, tx *gorm.DB, id uuid.UUID, result []byte) error

	Stats(ctx context.Context, tx *gorm.DB, ownerID string) (JobStats, error)
}

type JobStats struct {
	Total                  int64   `json:"total"`
	Completed              int64   `json:"completed"`
	Failed                 int64   `json:"failed"`
	Running                int64   `json:"running"`
	SuccessRate            float64 `json:"success_rate"`
	AvgCompletionSeconds   float64 `json:"avg_completion_seconds"`
	TotalTimeSavedSeconds  float64 `json:"total_time_saved_seconds"`
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger

	baselineManualSeconds float64
}

func NewJobRepo(db *gorm.DB, log *logger.Logger, baselineManualSeconds float64) JobRepo {
	return &jobRepo{db: db, log: log.With("repo", "JobRepo"), baselineManualSeconds: baselineManualSeconds}
}

func (r *jobRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// isSQLite reports whether conn is running against the sqlite driver
// (internal/data/db.New's DB_DRIVER=sqlite path, for local/dev and tests).
// Postgres is the only other supported driver, so everything else is
// treated as postgres-dialect SQL.
func isSQLite(conn *gorm.DB) bool {
	if conn == nil || conn.Dialector == nil {
		return false
	}
	return conn.Dialector.Name() == "sqlite"
}

// caseInsensitiveLikeClause builds a substring-match WHERE clause for
// column that works on both supported drivers: Postgres's ILIKE has no
// sqlite equivalent, so sqlite instead lower-cases the column explicitly
// (its own LIKE is only case-insensitive for ASCII, which COALESCEs fine
// with the caller always passing an already-lower-cased pattern).
func caseInsensitiveLikeClause(conn *gorm.DB, column string) string {
	if isSQLite(conn) {
		return fmt.Sprintf("LOWER(%s) LIKE ?", column)
	}
	return fmt.Sprintf("%s ILIKE ?", column)
}

// avgCompletionSecondsExpr builds the dialect-specific SELECT expression for
// JobStats.AvgCompletionSeconds: Postgres's EXTRACT(EPOCH FROM interval) has
// no sqlite equivalent, so sqlite instead differences Julian day numbers and
// scales to seconds.
func avgCompletionSecondsExpr(conn *gorm.DB) string {
	if isSQLite(conn) {
		return "COALESCE(AVG((julianday(updated_at) - julianday(created_at)) * 86400.0), 0)"
	}
	return "COALESCE(AVG(EXTRACT(EPOCH FROM (updated_at - created_at))), 0)"
}

func (r *jobRepo) Create(ctx context.Context, tx *gorm.DB, job *domain.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.StatusPending
	}
	return r.conn(tx).WithContext(ctx).Create(job).Error
}

func (r *jobRepo) Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Job, error) {
	var job domain.Job
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) List(ctx context.Context, tx *gorm.DB, ownerID string, status, search string, limit, offset int) ([]*domain.Job, error) {
	q := r.conn(tx).WithContext(ctx).Model(&domain.Job{})
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	if strings.TrimSpace(status) != "" {
		q = q.Where("status = ?", status)
	}
	if strings.TrimSpace(search) != "" {
		q = q.Where(caseInsensitiveLikeClause(q, "customer_url"), "%"+strings.ToLower(search)+"%")
	}
	if limit <= 0 {
		limit = 20
	}
	var rows []*domain.Job
	err := q.Order("created_at desc").Limit(limit).Offset(offset).Find(&rows).Error
	return rows, err
}

func (r *jobRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID, ownerID string) error {
	conn := r.conn(tx)
	var job domain.Job
	if err := conn.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return err
	}
	if ownerID != "" && job.OwnerID != ownerID {
		return fmt.Errorf("unauthorized")
	}
	return conn.WithContext(ctx).Delete(&domain.Job{}, "id = ?", id).Error
}

func (r *jobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return r.conn(tx).WithContext(ctx).Model(&domain.Job{}).Where("id = ?", id).Updates(updates).Error
}

func (r *jobRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, forbidden []string, updates map[string]interface{}) (bool, error) {
	conn := r.conn(tx)
	updates["updated_at"] = time.Now()
	res := conn.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status NOT IN ?", id, forbidden).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepo) AppendLog(ctx context.Context, tx *gorm.DB, entry *domain.LogEntry) error {
	if entry == nil {
		return fmt.Errorf("entry is nil")
	}
	conn := r.conn(tx)
	return conn.Transaction(func(txx *gorm.DB) error {
		if entry.Seq == 0 {
			var maxSeq int64
			if err := txx.WithContext(ctx).Model(&domain.LogEntry{}).
				Where("job_id = ?", entry.JobID).
				Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
				return err
			}
			entry.Seq = maxSeq + 1
		}
		if entry.ID == uuid.Nil {
			entry.ID = uuid.New()
		}
		return txx.WithContext(ctx).Create(entry).Error
	})
}

func (r *jobRepo) ListLogs(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, limit int) ([]*domain.LogEntry, error) {
	q := r.conn(tx).WithContext(ctx).Where("job_id = ?", jobID).Order("seq asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []*domain.LogEntry
	err := q.Find(&rows).Error
	return rows, err
}

func (r *jobRepo) UpsertStage(ctx context.Context, tx *gorm.DB, stage *domain.StageRecord) error {
	if stage == nil {
		return fmt.Errorf("stage is nil")
	}
	conn := r.conn(tx)
	var existing domain.StageRecord
	err := conn.WithContext(ctx).Where("job_id = ? AND name = ?", stage.JobID, stage.Name).First(&existing).Error
	switch {
	case err == nil:
		stage.ID = existing.ID
		return conn.WithContext(ctx).Model(&domain.StageRecord{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
			"status":      stage.Status,
			"started_at":  stage.StartedAt,
			"finished_at": stage.FinishedAt,
			"error":       stage.Error,
		}).Error
	case err == gorm.ErrRecordNotFound:
		if stage.ID == uuid.Nil {
			stage.ID = uuid.New()
		}
		return conn.WithContext(ctx).Create(stage).Error
	default:
		return err
	}
}

func (r *jobRepo) ListStages(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*domain.StageRecord, error) {
	var rows []*domain.StageRecord
	err := r.conn(tx).WithContext(ctx).Where("job_id = ?", jobID).Order("index asc").Find(&rows).Error
	return rows, err
}

func (r *jobRepo) SetResults(ctx context.Context, tx *gorm.DB, id uuid.UUID, result []byte) error {
	return r.conn(tx).WithContext(ctx).Model(&domain.Job{}).Where("id = ?", id).Updates(map[string]interface{}{
		"result":     result,
		"updated_at": time.Now(),
	}).Error
}

func (r *jobRepo) Stats(ctx context.Context, tx *gorm.DB, ownerID string) (JobStats, error) {
	conn := r.conn(tx).WithContext(ctx).Model(&domain.Job{})
	if ownerID != "" {
		conn = conn.Where("owner_id = ?", ownerID)
	}
	var stats JobStats
	if err := conn.Count(&stats.Total).Error; err != nil {
		return stats, err
	}
	if err := r.conn(tx).WithContext(ctx).Model(&domain.Job{}).Where("owner_id = ? OR ? = ''", ownerID, ownerID).
		Where("status = ?", domain.StatusCompleted).Count(&stats.Completed).Error; err != nil {
		return stats, err
	}
	if err := r.conn(tx).WithContext(ctx).Model(&domain.Job{}).Where("owner_id = ? OR ? = ''", ownerID, ownerID).
		Where("status = ?", domain.StatusFailed).Count(&stats.Failed).Error; err != nil {
		return stats, err
	}
	if err := r.conn(tx).WithContext(ctx).Model(&domain.Job{}).Where("owner_id = ? OR ? = ''", ownerID, ownerID).
		Where("status = ?", domain.StatusRunning).Count(&stats.Running).Error; err != nil {
		return stats, err
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total)
	}
	var avgSeconds float64
	_ = r.conn(tx).WithContext(ctx).Model(&domain.Job{}).
		Where("owner_id = ? OR ? = ''", ownerID, ownerID).
		Where("status = ?", domain.StatusCompleted).
		Select(avgCompletionSecondsExpr(r.conn(tx))).
		Scan(&avgSeconds).Error
	stats.AvgCompletionSeconds = avgSeconds
	stats.TotalTimeSavedSeconds = float64(stats.Completed) * r.baselineManualSeconds
	return stats, nil
}
