package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/authgate/internal/middleware"
	"github.com/mx-space/authgate/internal/modules/auth"
	"github.com/mx-space/authgate/internal/modules/gateway"
	"github.com/mx-space/authgate/internal/pkg/metrics"
	"github.com/mx-space/authgate/internal/pkg/response"
)

func (a *App) registerRoutes() {
	r := a.router
	authMW := middleware.Auth(a.Codec)
	adminMW := middleware.RequireRole(auth.RoleAdmin)

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c)
	})
	r.NoMethod(func(c *gin.Context) {
		response.MethodNotAllowed(c)
	})

	r.GET("/health", a.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	var credentialMW []gin.HandlerFunc
	if limit := a.Config.Auth.LoginRateLimit; limit > 0 && a.Redis != nil {
		credentialMW = append(credentialMW,
			middleware.RateLimit(a.Redis.Raw(), "auth", limit, time.Minute, a.logger))
	}

	root := r.Group("")
	auth.NewHandler(a.Auth, a.logger).RegisterRoutes(root, authMW, adminMW, credentialMW...)
	gateway.NewHandler(a.hub, gateway.NewNotifier(a.hub)).RegisterRoutes(root, a.socket, authMW, adminMW)

	cron := r.Group("/cron", authMW, adminMW)
	cron.GET("", func(c *gin.Context) {
		response.OK(c, a.sched.List())
	})
	cron.POST("/:name/run", func(c *gin.Context) {
		if err := a.sched.RunNow(c.Request.Context(), c.Param("name")); err != nil {
			response.UnprocessableEntity(c, err.Error())
			return
		}
		response.NoContent(c)
	})
}

func (a *App) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if sqlDB, err := a.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		checks["database"] = "down"
		healthy = false
	} else {
		checks["database"] = "up"
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx); err != nil {
			checks["redis"] = "down"
			healthy = false
		} else {
			checks["redis"] = "up"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ok":      healthy,
		"uptime":  humanizeDuration(time.Since(processStart)),
		"checks":  checks,
		"gateway": a.hub.Stats(),
	})
}
