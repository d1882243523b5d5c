package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"render-realtime/internal/auth"
	"render-realtime/internal/config"
	"render-realtime/internal/dispatch"
	"render-realtime/internal/handler"
	"render-realtime/internal/hub"
	"render-realtime/internal/middleware"
)

type Deps struct {
	Config     config.Config
	Gate       *auth.Gate
	Hub        *hub.Hub
	Dispatcher *dispatch.Dispatcher
	Notifier   *dispatch.Notifier
	Socket     http.Handler
	// InternalLimiter guards the pipeline API; nil means 600 requests per
	// minute per client.
	InternalLimiter *middleware.RateLimiter
	Log             zerolog.Logger
	Version         string
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(deps.Log))
	r.Use(cors.New(corsConfig(deps.Config)))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if deps.Socket != nil {
		r.GET("/socket.io/", gin.WrapH(deps.Socket))
	}

	versionHandler := &handler.VersionHandler{Version: deps.Version}
	r.GET("/v1/version", versionHandler.Get)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.Gate))
	presenceHandler := &handler.PresenceHandler{Hub: deps.Hub}
	protected.GET("/realtime/presence", presenceHandler.Get)

	if deps.Config.InternalAPIKey != "" {
		limiter := deps.InternalLimiter
		if limiter == nil {
			limiter = middleware.NewRateLimiter(600, time.Minute)
		}
		eventsHandler := &handler.EventsHandler{Dispatcher: deps.Dispatcher, Notifier: deps.Notifier, Log: deps.Log}

		internal := r.Group("/internal/v1")
		internal.Use(middleware.RequireInternalKey(deps.Config.InternalAPIKey))
		internal.Use(middleware.RateLimitMiddleware(limiter))
		internal.POST("/events", eventsHandler.Publish)
		internal.POST("/notifications", eventsHandler.Notify)
		internal.DELETE("/throttle", eventsHandler.ResetThrottle)
	}

	return r
}

func corsConfig(cfg config.Config) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if cfg.AllowsAnyOrigin() {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = cfg.CORSAllowOrigins
	}
	return c
}
