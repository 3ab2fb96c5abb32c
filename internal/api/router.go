// Package api exposes the attendance services over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"classattend/internal/auth"
	"classattend/internal/checkin"
	"classattend/internal/httpmiddleware"
	"classattend/internal/leave"
	"classattend/internal/sweep"
	"classattend/internal/view"
	"classattend/internal/window"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps are the services the router serves.
type Deps struct {
	Checkins  *checkin.Service
	Processor *checkin.Processor
	Views     *view.Resolver
	Windows   *window.Manager
	Leaves    *leave.Service
	Sweeper   *sweep.Sweeper
	Limiter   httpmiddleware.Limiter
	Health    map[string]HealthCheck
	Log       *zap.Logger
}

// Options configure the transport.
type Options struct {
	JWTIssuer     string
	JWTSigningKey string
	CORSOrigins   []string
	RequestLog    bool
}

type handlers struct {
	Deps
	log *zap.Logger
}

// NewRouter wires middleware and routes.
func NewRouter(opts Options, deps Deps) *gin.Engine {
	h := &handlers{Deps: deps, log: deps.Log}

	r := gin.New()
	r.Use(gin.Recovery())
	if opts.RequestLog {
		r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
			SkipPaths: []string{"/healthz", "/metrics"},
		}))
	}
	r.Use(cors.New(corsConfig(opts.CORSOrigins)))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.healthz)

	v1 := r.Group("/v1", auth.Bearer(opts.JWTSigningKey, opts.JWTIssuer))
	if deps.Limiter != nil {
		v1.Use(httpmiddleware.RateLimit(deps.Limiter))
	}

	v1.POST("/checkins", h.submitCheckin)
	v1.GET("/checkins/jobs/:key", h.jobStatus)
	v1.GET("/checkins/failed", h.failedJobs)

	v1.GET("/schedule", h.schedule)
	v1.GET("/courses/:id/view", h.courseView)
	v1.POST("/courses/:id/windows", h.openWindow)
	v1.GET("/courses/:id/windows", h.listWindows)
	v1.GET("/windows/:id", h.getWindow)
	v1.POST("/courses/:id/manual-checkins", h.manualCheckin)
	v1.PUT("/courses/:id/need-checkin", h.setNeedCheckin)
	v1.POST("/courses/:id/sweep", h.sweepCourse)
	v1.POST("/records/:id/review", h.reviewPhoto)

	v1.POST("/leaves", h.submitLeave)
	v1.GET("/leaves/:id", h.getLeave)
	v1.POST("/leaves/:id/withdraw", h.withdrawLeave)
	v1.POST("/leaves/:id/decision", h.decideLeave)

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        24 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

func (h *handlers) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	code := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.Health {
		healthy := check(ctx)
		body[name] = healthy
		if !healthy {
			code = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(code, body)
}
