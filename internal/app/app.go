// Package app assembles the live coordinator from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-live/backend/config"
	"github.com/aura-live/backend/internal/auth"
	"github.com/aura-live/backend/internal/cohost"
	"github.com/aura-live/backend/internal/fanout"
	"github.com/aura-live/backend/internal/media"
	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/products"
	"github.com/aura-live/backend/internal/projection"
	"github.com/aura-live/backend/internal/realtime"
	"github.com/aura-live/backend/internal/roster"
	"github.com/aura-live/backend/internal/sessionlog"
	"github.com/aura-live/backend/internal/sessions"
	"github.com/aura-live/backend/internal/stats"
	"github.com/aura-live/backend/internal/store"
	"github.com/aura-live/backend/internal/viewers"
	"github.com/aura-live/backend/pkg/database"
	"github.com/aura-live/backend/pkg/queue"
	"github.com/aura-live/backend/pkg/redis"
	"github.com/aura-live/backend/pkg/response"
)

// attendanceLog is both written by the roster and read by reports.
type attendanceLog interface {
	roster.AttendanceLog
	sessionlog.Log
}

// peakStore is both written by the counter and read by reports.
type peakStore interface {
	viewers.PeakRecorder
	sessionlog.PeakSource
}

// App holds every wired component.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Pool  *pgxpool.Pool
	Redis *goredis.Client
	Queue *queue.Queue

	Store      store.Store
	Fanout     fanout.Fanout
	Publisher  *fanout.Publisher
	Transport  media.Transport
	Counter    *viewers.Counter
	Peaks      peakStore
	Attendance attendanceLog
	Users      auth.Users
	JWT        *auth.JWTService

	Roster   *roster.Coordinator
	Requests *cohost.Machine
	Products *products.Registry
	Sessions *sessions.Registry
	Views    *projection.Builder
	Hub      *realtime.Hub
	WS       *realtime.Server
	Sweeper  *cohost.Sweeper

	closers []func()
}

// New connects the configured backends and wires the components.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, JWT: auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config
	if cfg.Backends.Store == "postgres" {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, a.Logger)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		a.Pool = pool
		a.closers = append(a.closers, pool.Close)
		if err := database.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if cfg.Backends.NeedsRedis() {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, a.Logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.Redis = rdb
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	}
	return nil
}

func (a *App) wire() error {
	cfg, logger := a.Config, a.Logger

	if a.Pool != nil {
		a.Store = store.NewPostgres(a.Pool)
		a.Peaks = stats.NewRepository(a.Pool)
		a.Attendance = sessionlog.NewRepository(a.Pool)
		a.Users = auth.NewRepository(a.Pool)
	} else {
		a.Store = store.NewMemory()
		a.Peaks = stats.NewMemory()
		a.Attendance = sessionlog.NewMemory()
		a.Users = auth.NewMemory()
	}

	switch cfg.Backends.Fanout {
	case "redis":
		a.Fanout = fanout.NewRedis(a.Redis, logger)
	case "nats":
		n, err := fanout.NewNATS(cfg.Backends.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		a.Fanout = n
		a.closers = append(a.closers, func() { _ = n.Close() })
	default:
		a.Fanout = fanout.NewMemory()
	}
	a.Publisher = fanout.NewPublisher(a.Fanout, logger)

	var backend viewers.Backend = viewers.NewMemory()
	if cfg.Backends.Counter == "redis" {
		backend = viewers.NewRedis(a.Redis, cfg.Live.CounterTTL)
	}
	a.Counter = viewers.NewCounter(backend, a.Publisher, a.Peaks, logger)

	a.Hub = realtime.NewHub(a.Fanout, logger)
	var signaler realtime.Signaler
	switch cfg.Backends.Media {
	case "sfu":
		sfu := media.NewSFU(logger, cfg.WebRTC.ICEUrls)
		sfu.SetNotifier(a.Hub)
		a.Transport, signaler = sfu, sfu
	case "zego":
		z, err := media.NewZego(media.ZegoConfig{AppID: cfg.Zego.AppID, ServerSecret: cfg.Zego.ServerSecret, TokenTTL: cfg.Zego.TokenTTL}, logger)
		if err != nil {
			return err
		}
		z.SetNotifier(a.Hub)
		a.Transport = z
	default:
		a.Transport = media.Noop{}
	}

	a.Roster = roster.NewCoordinator(a.Store, a.Counter, a.Transport, a.Publisher, cfg.Live.CoPresenterCap, logger)
	a.Roster.SetAttendanceLog(a.Attendance)

	var guard cohost.Guard = cohost.NewMemoryGuard(time.Now)
	if a.Redis != nil {
		guard = cohost.NewRedisGuard(a.Redis)
	}
	a.Requests = cohost.NewMachine(a.Store, a.Roster, guard, a.Publisher, cohost.Config{
		MinInterval: cfg.Live.RequestMinInterval,
		Cooldown:    cfg.Live.RejectionCooldown,
		PendingTTL:  cfg.Live.PendingTTL,
	}, logger)
	a.Roster.SetRequestWithdrawer(a.Requests)
	a.Sweeper = cohost.NewSweeper(a.Requests, cfg.Live.SweepInterval, logger)

	a.Products = products.NewRegistry(a.Store, a.Publisher, cfg.Live.ProductsCap, logger)

	a.Sessions = sessions.NewRegistry(a.Store, a.Transport, a.Counter, sessions.Cascade{
		Requests: a.Requests,
		Roster:   a.Roster,
		Products: a.Products,
	}, a.Publisher, logger)
	if a.Redis != nil {
		a.Queue = queue.NewQueue(a.Redis, logger)
		a.Sessions.SetArchiver(a.Queue)
	}
	a.Roster.SetSessionEnder(a.Sessions.LeaveEnder())

	a.Views = projection.NewBuilder(a.Store, a.Counter)
	a.WS = realtime.NewServer(a.Hub, a.JWT, a.Views, a.Sessions, a.Roster, cfg.Live.ResyncInterval, logger)
	if signaler != nil {
		a.WS.SetSignaler(signaler)
	}
	return nil
}

// Run starts background loops and blocks until ctx is done.
func (a *App) Run(ctx context.Context) {
	a.Sweeper.Run(ctx)
	<-ctx.Done()
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Health pings the store and Redis.
func (a *App) Health(ctx context.Context) error {
	var errs []error
	if err := a.Store.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Router builds the HTTP API.
func (a *App) Router() *gin.Engine {
	cfg, logger := a.Config, a.Logger
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	origins := middleware.NewOrigins(cfg.Server.CORSAllowedOrigins)
	router.Use(middleware.CORS(origins))
	a.WS.SetOriginCheck(origins.CheckRequest)

	var limiter goredis.Cmdable
	if a.Redis != nil {
		limiter = a.Redis
	}
	limit := func(resource string) gin.HandlerFunc {
		return middleware.RateLimit(limiter, resource, cfg.Live.RateLimitPerMinute, time.Minute, logger)
	}

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := a.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, response.Body{Success: false, Error: err.Error(), Code: "STORE_UNAVAILABLE"})
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandler := auth.NewHandler(a.Users, a.JWT, logger)
	router.POST("/auth/register", limit("auth"), authHandler.Register)
	router.POST("/auth/login", limit("auth"), authHandler.Login)

	sessionHandler := sessions.NewHandler(a.Sessions)
	rosterHandler := roster.NewHandler(a.Roster)
	requestHandler := cohost.NewHandler(a.Requests)
	productHandler := products.NewHandler(a.Products)
	viewerHandler := viewers.NewHandler(a.Counter)
	viewHandler := projection.NewHandler(a.Views)
	attendanceHandler := sessionlog.NewHandler(a.Attendance, a.Store, a.Peaks)

	api := router.Group("")
	api.Use(middleware.JWT(a.JWT))
	{
		api.POST("/sessions", sessionHandler.Create)
		api.GET("/sessions", sessionHandler.List)
		api.GET("/sessions/:id", sessionHandler.Get)
		api.POST("/sessions/:id/end", sessionHandler.End)

		api.POST("/sessions/:id/join", rosterHandler.Join)
		api.POST("/sessions/:id/leave", rosterHandler.Leave)
		api.GET("/sessions/:id/participants", rosterHandler.List)
		api.POST("/sessions/:id/participants/:userId/demote", rosterHandler.Demote)
		api.POST("/sessions/:id/participants/:userId/grant", rosterHandler.RetryGrant)
		api.GET("/sessions/:id/media-token", rosterHandler.MediaToken)

		api.POST("/sessions/:id/cohost-requests", limit("cohost"), requestHandler.Create)
		api.GET("/sessions/:id/cohost-requests", requestHandler.ListPending)
		api.GET("/sessions/:id/cohost-requests/mine", requestHandler.Mine)
		api.POST("/sessions/:id/cohost-requests/:requestId/accept", requestHandler.Accept)
		api.POST("/sessions/:id/cohost-requests/:requestId/reject", requestHandler.Reject)
		api.POST("/sessions/:id/cohost-requests/:requestId/cancel", requestHandler.Cancel)

		api.POST("/sessions/:id/products/toggle", productHandler.Toggle)
		api.GET("/sessions/:id/products", productHandler.List)

		api.GET("/sessions/:id/viewers", viewerHandler.Count)
		api.GET("/sessions/:id/view", viewHandler.View)
		api.GET("/sessions/:id/attendance", attendanceHandler.Attendance)
	}

	router.GET("/ws", a.WS.ServeWs)
	return router
}
