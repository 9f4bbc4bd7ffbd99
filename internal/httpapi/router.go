package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/kestlerbio/epilens/internal/config"
	"github.com/kestlerbio/epilens/internal/platform/logger"
)

func NewRouter(cfg config.HTTPConfig, log *logger.Logger, h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestIDMiddleware())
	r.Use(requestLogger(log))
	r.Use(recovery(log))
	r.Use(otelgin.Middleware("epilens"))
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", requestIDHeader},
			ExposeHeaders:    []string{requestIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/healthz", h.Health)
	r.GET("/readyz", h.Ready)

	v1 := r.Group("/v1")
	{
		v1.POST("/analyses", h.CreateAnalysis)
		v1.GET("/analyses", h.ListAnalyses)
		v1.GET("/analyses/:id", h.GetAnalysis)
		v1.POST("/libraries", h.CreateLibrary)
		v1.POST("/attributions", h.CreateAttribution)
	}
	return r
}

func NewServer(cfg config.HTTPConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           http.MaxBytesHandler(handler, cfg.MaxRequestBytes),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout.Duration,
		IdleTimeout:       cfg.IdleTimeout.Duration,
	}
}
