package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/authgate/internal/config"
	"github.com/mx-space/authgate/internal/database"
	"github.com/mx-space/authgate/internal/middleware"
	"github.com/mx-space/authgate/internal/modules/auth"
	"github.com/mx-space/authgate/internal/modules/gateway"
	pkgcron "github.com/mx-space/authgate/internal/pkg/cron"
	"github.com/mx-space/authgate/internal/pkg/jwt"
	"github.com/mx-space/authgate/internal/pkg/password"
	pkgredis "github.com/mx-space/authgate/internal/pkg/redis"
	"github.com/mx-space/authgate/internal/pkg/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Core is the set of services shared by the HTTP server and the admin CLI.
type Core struct {
	Config   *config.AppConfig
	DB       *gorm.DB
	Redis    *pkgredis.Client
	Codec    *jwt.Codec
	Sessions *session.Manager
	Auth     *auth.Service

	logger *zap.Logger
}

// NewCore connects the stores and builds the auth services.
func NewCore(ctx context.Context, logger *zap.Logger, cfg *config.AppConfig) (*Core, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	db, err := database.Connect(cfg, true)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	core := &Core{Config: cfg, DB: db, logger: logger}

	if cfg.NeedsRedis() {
		rc, err := pkgredis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			core.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		core.Redis = rc
	}

	codecOpts := []jwt.Option{}
	if cfg.Auth.Issuer != "" {
		codecOpts = append(codecOpts, jwt.WithIssuer(cfg.Auth.Issuer))
	}
	core.Codec, err = jwt.New(cfg.JWTSecret, codecOpts...)
	if err != nil {
		core.Close()
		return nil, fmt.Errorf("token codec: %w", err)
	}

	store, err := newSessionStore(cfg, db, core.Redis)
	if err != nil {
		core.Close()
		return nil, err
	}
	core.Sessions = session.NewManager(store,
		session.WithLogger(logger),
		session.WithTTL(session.PurposeRefresh, cfg.Auth.RefreshTTL),
		session.WithTTL(session.PurposePasswordReset, cfg.Auth.PasswordResetTTL),
		session.WithTTL(session.PurposeEmailVerify, cfg.Auth.EmailVerifyTTL),
	)

	core.Auth = auth.NewService(auth.Deps{
		Tokens:     core.Codec,
		Sessions:   core.Sessions,
		Identities: auth.NewGormIdentityStore(db),
		Hasher:     password.New(cfg.Auth.BcryptCost),
		Mailer:     newMailer(cfg),
	}, auth.Config{
		AccessTTL:        cfg.Auth.AccessTTL,
		RefreshTTL:       cfg.Auth.RefreshTTL,
		PasswordResetTTL: cfg.Auth.PasswordResetTTL,
		EmailVerifyTTL:   cfg.Auth.EmailVerifyTTL,
	}, auth.WithLogger(logger))

	logger.Info("core ready",
		zap.String("env", cfg.Env),
		zap.String("session_store", cfg.Auth.SessionStore),
		zap.Bool("redis", core.Redis != nil))
	return core, nil
}

// Close waits for pending mail and releases the connections.
func (c *Core) Close() {
	if c.Auth != nil {
		c.Auth.WaitMail()
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.logger.Warn("close redis", zap.Error(err))
		}
	}
	if c.DB != nil {
		if err := database.Close(c.DB); err != nil {
			c.logger.Warn("close database", zap.Error(err))
		}
	}
}

// App holds all application dependencies.
type App struct {
	*Core

	router *gin.Engine
	hub    *gateway.Hub
	socket *gateway.SocketServer
	sched  *pkgcron.Scheduler
	cancel context.CancelFunc
}

// New initializes the application: config → DB → Redis → services → routes,
// and starts the background loops.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	core, err := NewCore(ctx, logger, cfg)
	if err != nil {
		cancel()
		return nil, err
	}

	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logger(logger.Named("HTTP")))
	router.Use(newCORS(cfg))

	socket := gateway.NewSocketServer(logger)
	hubOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithHandshakeTimeout(cfg.Gateway.HandshakeTimeout),
	}
	if cfg.Gateway.ClusterFanout {
		hubOpts = append(hubOpts, gateway.WithFanout(core.Redis, cfg.Gateway.Channel))
	}
	hub := gateway.NewHub(core.Codec, socket, hubOpts...)
	socket.Attach(hub)
	go hub.Run(ctx)

	sched := pkgcron.New(logger)
	if err := registerCronJobs(sched, core, cfg, logger); err != nil {
		cancel()
		core.Close()
		return nil, err
	}
	sched.Start(ctx)

	a := &App{Core: core, router: router, hub: hub, socket: socket, sched: sched, cancel: cancel}
	a.registerRoutes()
	return a, nil
}

// Addr returns the listen address.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.Config.Port) }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Shutdown stops background loops and closes connections.
func (a *App) Shutdown() {
	a.cancel()
	a.socket.Close()
	a.Core.Close()
}

var processStart = time.Now()
