package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	analysisdomain "github.com/lexfabric/veredix/internal/analysis/domain"
	"github.com/lexfabric/veredix/internal/config"
	creditdomain "github.com/lexfabric/veredix/internal/credit/domain"
	obsmetrics "github.com/lexfabric/veredix/internal/observability/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Engine   *gin.Engine
	Log      *zap.Logger
	Cfg      config.Config
	Credits  creditdomain.Service
	Analysis analysisdomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Server struct {
	engine   *gin.Engine
	log      *zap.Logger
	cfg      config.Config
	credits  creditdomain.Service
	analysis analysisdomain.Service
	metrics  *obsmetrics.Metrics
}

func NewEngine(cfg config.Config) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())
	return r
}

func NewServer(p Params) *Server {
	s := &Server{
		engine:   p.Engine,
		log:      p.Log.Named("http.server"),
		cfg:      p.Cfg,
		credits:  p.Credits,
		analysis: p.Analysis,
		metrics:  p.Metrics,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.cfg.AppVersion})
	})
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.metrics.Registry(),
			promhttp.HandlerOpts{},
		)))
	}

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/workspaces/:workspace_id/credits", s.ensureWorkspace)
		v1.GET("/workspaces/:workspace_id/credits", s.getBalance)
		v1.POST("/workspaces/:workspace_id/credits/grants", s.grantCredits)
		v1.POST("/workspaces/:workspace_id/credits/debits", s.debitCredits)
		v1.POST("/credits/refunds", s.refundCredits)
		v1.POST("/workspaces/:workspace_id/credits/holds", s.createHold)
		v1.DELETE("/workspaces/:workspace_id/credits/holds/:hold_id", s.releaseHold)

		v1.POST("/workspaces/:workspace_id/analyses", s.runAnalysis)
		v1.POST("/workspaces/:workspace_id/cases/:case_id/movements", s.recordMovement)
	}
}

func run(lc fx.Lifecycle, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_ = ctx
			go func() {
				log.Info("http server listening", zap.String("addr", s.cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)
