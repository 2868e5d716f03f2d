// Package server wires the HTTP surface: webhook ingestion and the
// operational monitoring endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/serpco/storefront/internal/backfill"
	"github.com/serpco/storefront/internal/config"
	"github.com/serpco/storefront/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewEngine builds the gin engine with the shared middleware stack and
// the operational endpoints every deployment gets.
func NewEngine(cfg config.Config, node *snowflake.Node) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware(node))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.AppName, "version": cfg.AppVersion})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

type ServerParams struct {
	fx.In

	Gin      *gin.Engine
	Config   config.Config
	Payments domain.Service
	Backfill backfill.Service
	Log      *zap.Logger
}

type Server struct {
	gin      *gin.Engine
	cfg      config.Config
	payments domain.Service
	backfill backfill.Service
	log      *zap.Logger
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		gin:      p.Gin,
		cfg:      p.Config,
		payments: p.Payments,
		backfill: p.Backfill,
		log:      p.Log.Named("server"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.gin
}

func (s *Server) registerRoutes() {
	api := s.gin.Group("/api")
	api.POST("/payments/webhooks/:provider", s.HandlePaymentWebhook)

	monitoring := api.Group("/monitoring")
	monitoring.Use(s.monitoringAuth())
	monitoring.GET("/entitlements/retry", s.HandleEntitlementRetry)
}

func run(lc fx.Lifecycle, s *Server, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.Engine(),
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped", zap.Error(err))
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

var Module = fx.Module("server",
	fx.Provide(NewEngine, NewServer),
	fx.Invoke(run),
)
