package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	jobrepo "github.com/foundryworks/capiforge/internal/data/repos/jobs"
	domain "github.com/foundryworks/capiforge/internal/domain/jobs"
	"github.com/foundryworks/capiforge/internal/http/middleware"
	"github.com/foundryworks/capiforge/internal/http/response"
	"github.com/foundryworks/capiforge/internal/jobs/orchestrator"
	"github.com/foundryworks/capiforge/internal/platform/apierr"
	"github.com/foundryworks/capiforge/internal/platform/logger"
)

// UserHandler implements the owner-scoped account endpoints (spec §4.1,
// §6.2): deleting a job from one's own history and reading aggregate stats.
type UserHandler struct {
	log    *logger.Logger
	repo   jobrepo.JobRepo
	engine *orchestrator.Engine
}

func NewUserHandler(log *logger.Logger, repo jobrepo.JobRepo, engine *orchestrator.Engine) *UserHandler {
	return &UserHandler{log: log.With("handler", "UserHandler"), repo: repo, engine: engine}
}

// DeleteJob implements DELETE /api/user/jobs/{job_id}: owner-only delete,
// 404 if the job doesn't exist, 403 if it belongs to another owner. For a
// still-running job this first requests orchestrator cancellation (spec
// §5) on a best-effort basis before removing the record — the record
// removal itself does not wait on the cancellation landing.
func (h *UserHandler) DeleteJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	owner := middleware.OwnerFromContext(c)

	if job, getErr := h.repo.Get(c.Request.Context(), nil, id); getErr == nil && job.Status == domain.StatusRunning && h.engine != nil {
		h.engine.Cancel(id)
	}

	err := h.repo.Delete(c.Request.Context(), nil, id, owner)
	switch {
	case err == nil:
		response.RespondOK(c, gin.H{"deleted": true})
	case errors.Is(err, gorm.ErrRecordNotFound):
		response.RespondError(c, http.StatusNotFound, apierr.KindNotFound, apierr.Newf(apierr.KindNotFound, "", "job not found"))
	case strings.Contains(err.Error(), "unauthorized"):
		response.RespondError(c, http.StatusForbidden, apierr.KindUnauthorized, apierr.Newf(apierr.KindUnauthorized, "", "job belongs to another owner"))
	default:
		response.RespondError(c, http.StatusInternalServerError, apierr.KindInfrastructure, err)
	}
}

// Stats implements GET /api/user/stats: the owner's aggregate completion,
// success-rate, and time-saved figures (spec §4.1).
func (h *UserHandler) Stats(c *gin.Context) {
	owner := middleware.OwnerFromContext(c)
	stats, err := h.repo.Stats(c.Request.Context(), nil, owner)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, apierr.KindInfrastructure, err)
		return
	}
	response.RespondOK(c, stats)
}
