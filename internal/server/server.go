package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/memberware/treasury/internal/accounting"
	"github.com/memberware/treasury/internal/audit"
	auditdomain "github.com/memberware/treasury/internal/audit/domain"
	"github.com/memberware/treasury/internal/config"
	"github.com/memberware/treasury/internal/expense"
	expensedomain "github.com/memberware/treasury/internal/expense/domain"
	"github.com/memberware/treasury/internal/jobs"
	"github.com/memberware/treasury/internal/ledger"
	ledgerdomain "github.com/memberware/treasury/internal/ledger/domain"
	"github.com/memberware/treasury/internal/observability"
	obsmiddleware "github.com/memberware/treasury/internal/observability/logger"
	obsmetrics "github.com/memberware/treasury/internal/observability/metrics"
	obstracing "github.com/memberware/treasury/internal/observability/tracing"
	"github.com/memberware/treasury/internal/payout"
	payoutdomain "github.com/memberware/treasury/internal/payout/domain"
	"github.com/memberware/treasury/internal/ratelimit"
	"github.com/memberware/treasury/internal/reprocess"
	reprocessdomain "github.com/memberware/treasury/internal/reprocess/domain"
	"github.com/memberware/treasury/internal/webhook"
	webhookdomain "github.com/memberware/treasury/internal/webhook/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	audit.Module,
	jobs.Module,
	ledger.Module,
	accounting.Module,
	webhook.Module,
	payout.Module,
	expense.Module,
	reprocess.Module,
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	ledgerSvc     ledgerdomain.Service
	webhookSvc    webhookdomain.Service
	payoutSvc     payoutdomain.Service
	expenseSvc    expensedomain.Service
	reprocessSvc  reprocessdomain.Service
	auditSvc      auditdomain.Service
	ingestLimiter *ratelimit.IngestLimiter
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	DB           *gorm.DB
	LedgerSvc    ledgerdomain.Service
	WebhookSvc   webhookdomain.Service
	PayoutSvc    payoutdomain.Service
	ExpenseSvc   expensedomain.Service
	ReprocessSvc reprocessdomain.Service
	AuditSvc     auditdomain.Service

	IngestLimiter *ratelimit.IngestLimiter `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		ledgerSvc:     p.LedgerSvc,
		webhookSvc:    p.WebhookSvc,
		payoutSvc:     p.PayoutSvc,
		expenseSvc:    p.ExpenseSvc,
		reprocessSvc:  p.ReprocessSvc,
		auditSvc:      p.AuditSvc,
		ingestLimiter: p.IngestLimiter,
		obsMetrics:    p.ObsMetrics,
	}

	svc.registerIngestRoutes()
	svc.registerOpsRoutes()
	svc.registerEntityRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerIngestRoutes() {
	s.engine.POST("/webhooks/:provider", s.WebhookIngestRateLimit(), s.HandleProviderWebhook)
	s.engine.POST("/payouts/:external_payout_id/reconcile", s.ReconcilePayout)
}

func (s *Server) registerOpsRoutes() {
	ops := s.engine.Group("/ops")

	ops.GET("/failures", s.ListFailures)
	ops.GET("/stats", s.GetFailureStats)
	ops.POST("/failures/retry_all", s.RetryAllFailures)
	ops.POST("/failures/:kind/:id/retry", s.RetryFailure)
	ops.POST("/failures/:kind/:id/reset", s.ResetFailure)

	ops.GET("/audit-logs", s.ListAuditLogs)
}

func (s *Server) registerEntityRoutes() {
	s.engine.POST("/expense-reports", s.CreateExpenseReport)
	s.engine.GET("/expense-reports/:id", s.GetExpenseReport)

	s.engine.GET("/ledger/trial-balance", s.GetTrialBalance)
}
