package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/caisse/internal/archive"
	archivedomain "github.com/smallbiznis/caisse/internal/archive/domain"
	"github.com/smallbiznis/caisse/internal/audit"
	auditdomain "github.com/smallbiznis/caisse/internal/audit/domain"
	"github.com/smallbiznis/caisse/internal/closure"
	closuredomain "github.com/smallbiznis/caisse/internal/closure/domain"
	"github.com/smallbiznis/caisse/internal/config"
	"github.com/smallbiznis/caisse/internal/ledger"
	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	"github.com/smallbiznis/caisse/internal/lock"
	"github.com/smallbiznis/caisse/internal/observability"
	obscontext "github.com/smallbiznis/caisse/internal/observability/context"
	obsmiddleware "github.com/smallbiznis/caisse/internal/observability/logger"
	obstracing "github.com/smallbiznis/caisse/internal/observability/tracing"
	"github.com/smallbiznis/caisse/internal/order"
	orderdomain "github.com/smallbiznis/caisse/internal/order/domain"
	"github.com/smallbiznis/caisse/internal/scheduler"
	"github.com/smallbiznis/caisse/internal/settings"
	settingsdomain "github.com/smallbiznis/caisse/internal/settings/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the fiscal domains behind the HTTP API. The order consumer and
// the scheduler are added by the entry point so they can be deployed apart.
var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	lock.Module,
	audit.Module,
	settings.Module,
	order.Module,
	ledger.Module,
	closure.Module,
	archive.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			log.Info("http.listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// closureScheduler is the control surface of the automatic closure scheduler.
type closureScheduler interface {
	Start(ctx context.Context) error
	Stop() error
	Status() scheduler.Status
	TriggerManualCheck(ctx context.Context) (scheduler.TickResult, error)
	GetSettings(ctx context.Context) (settingsdomain.Settings, error)
	UpdateSettings(ctx context.Context, settings settingsdomain.Settings, updatedBy string) (settingsdomain.Settings, error)
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	ledgerSvc   ledgerdomain.Service
	closureSvc  closuredomain.Service
	archiveSvc  archivedomain.Service
	auditSvc    auditdomain.Service
	orderEvents orderdomain.Consumer
	scheduler   closureScheduler
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	LedgerSvc   ledgerdomain.Service
	ClosureSvc  closuredomain.Service
	ArchiveSvc  archivedomain.Service
	AuditSvc    auditdomain.Service
	OrderEvents orderdomain.Consumer `optional:"true"`
	Scheduler   *scheduler.Scheduler `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("http.server"),
		ledgerSvc:   p.LedgerSvc,
		closureSvc:  p.ClosureSvc,
		archiveSvc:  p.ArchiveSvc,
		auditSvc:    p.AuditSvc,
		orderEvents: p.OrderEvents,
	}
	if p.Scheduler != nil {
		svc.scheduler = p.Scheduler
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.actorContext())

	// -------- Ledger --------
	api.POST("/ledger/entries", s.AppendEntry)
	api.GET("/ledger/entries", s.ListEntries)
	api.GET("/ledger/entries/:sequence", s.GetEntry)
	api.GET("/ledger/verify", s.VerifyLedger)
	api.POST("/ledger/events", s.IngestOrderEvent)

	// -------- Closures --------
	api.POST("/closures", s.CreateClosure)
	api.GET("/closures", s.ListClosures)
	api.GET("/closures/:id", s.GetClosure)

	// -------- Archives --------
	api.POST("/exports", s.CreateExport)
	api.GET("/exports", s.ListExports)
	api.GET("/exports/:id", s.GetExport)
	api.POST("/exports/:id/verify", s.VerifyExport)
	api.GET("/exports/:id/download", s.DownloadExport)

	// -------- Scheduler --------
	api.GET("/scheduler/status", s.SchedulerStatus)
	api.POST("/scheduler/start", s.StartScheduler)
	api.POST("/scheduler/stop", s.StopScheduler)
	api.POST("/scheduler/trigger", s.TriggerScheduler)
	api.GET("/scheduler/settings", s.GetSchedulerSettings)
	api.PUT("/scheduler/settings", s.UpdateSchedulerSettings)

	api.GET("/audit-logs", s.ListAuditLogs)
}

// actorContext records the calling operator for audit entries. Back-office
// authentication happens upstream; the gateway forwards the operator id.
func (s *Server) actorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := strings.TrimSpace(c.GetHeader("X-User-Id")); userID != "" {
			ctx := obscontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeUser), userID)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

// actorName is the operator recorded as created_by / updated_by.
func actorName(c *gin.Context) string {
	if _, id := obscontext.ActorFromContext(c.Request.Context()); strings.TrimSpace(id) != "" {
		return id
	}
	return "api"
}
