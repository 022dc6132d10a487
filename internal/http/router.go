package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/foundryworks/capiforge/internal/http/handlers"
	httpMW "github.com/foundryworks/capiforge/internal/http/middleware"
	"github.com/foundryworks/capiforge/internal/observability"
	"github.com/foundryworks/capiforge/internal/platform/logger"
)

// RouterConfig wires the handlers described in spec §6: provisioning,
// owner-scoped account endpoints, and a health probe.
type RouterConfig struct {
	Log     *logger.Logger
	Metrics *observability.Metrics
	Auth    *httpMW.Auth

	ProvisionHandler *httpH.ProvisionHandler
	UserHandler      *httpH.UserHandler
	HealthHandler    *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachRequestContext())
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.CORS())
	if cfg.Log != nil {
		r.Use(httpMW.RequestLogger(cfg.Log))
	}
	if cfg.Metrics != nil {
		r.Use(httpMW.Metrics(cfg.Metrics))
	}

	if cfg.HealthHandler != nil {
		r.GET("/health", cfg.HealthHandler.Health)
	}

	api := r.Group("/api")
	if cfg.Auth != nil {
		api.Use(cfg.Auth.RequireOwner())
	}

	if cfg.ProvisionHandler != nil {
		provision := api.Group("/provision")
		provision.POST("/start", cfg.ProvisionHandler.Start)
		provision.GET("/status/:job_id", cfg.ProvisionHandler.Status)
		provision.GET("/stream/:job_id", cfg.ProvisionHandler.Stream)
		provision.GET("/history", cfg.ProvisionHandler.History)
	}

	if cfg.UserHandler != nil {
		user := api.Group("/user")
		user.DELETE("/jobs/:job_id", cfg.UserHandler.DeleteJob)
		user.GET("/stats", cfg.UserHandler.Stats)
	}

	return r
}
