package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/merlt/merlt-backend/internal/http/handlers"
	httpMW "github.com/merlt/merlt-backend/internal/http/middleware"
	"github.com/merlt/merlt-backend/internal/platform/logger"
)

type RouterConfig struct {
	QueryHandler    *httpH.QueryHandler
	FeedbackHandler *httpH.FeedbackHandler
	WeightsHandler  *httpH.WeightsHandler
	HealthHandler   *httpH.HealthHandler

	Log *logger.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("merlt-backend"))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		if cfg.QueryHandler != nil {
			api.POST("/query", cfg.QueryHandler.HandleQuery)
		}

		if cfg.FeedbackHandler != nil {
			api.POST("/feedback", cfg.FeedbackHandler.Ingest)
			api.GET("/feedback/events", cfg.FeedbackHandler.ListEvents)
		}

		if cfg.WeightsHandler != nil {
			api.GET("/weights", cfg.WeightsHandler.Export)
		}
	}

	return r
}
