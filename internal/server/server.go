// Package server exposes the intent pipeline and the rebalance orchestrator
// over HTTP. Paid routes sit behind the paywall middleware.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ggonzalez94/intentrail/internal/logging"
	"github.com/ggonzalez94/intentrail/internal/metrics"
	"github.com/ggonzalez94/intentrail/internal/monitor"
	"github.com/ggonzalez94/intentrail/internal/paywall"
	"github.com/ggonzalez94/intentrail/internal/pipeline"
	"github.com/ggonzalez94/intentrail/internal/rebalance"
)

const shutdownTimeout = 10 * time.Second

// OpportunitySource is satisfied by *monitor.Monitor.
type OpportunitySource interface {
	Poll(ctx context.Context) ([]monitor.Opportunity, error)
	Threshold() float64
}

type Deps struct {
	Pipeline *pipeline.Pipeline
	// Quotes serves /v1/swap/quote. Usually the pipeline's resolver.
	Quotes       pipeline.QuoteResolver
	Monitor      OpportunitySource
	Orchestrator *rebalance.Orchestrator
	Gate         paywall.Gate
	Metrics      *metrics.Registry
	Log          *slog.Logger
	// DefaultUser signs intents whose request names no user.
	DefaultUser string
	DryRun      bool
}

type Server struct {
	deps   Deps
	engine *gin.Engine
	log    *slog.Logger
}

func New(deps Deps) *Server {
	if deps.Gate == nil {
		deps.Gate = paywall.OpenGate{}
	}
	s := &Server{deps: deps, log: logging.OrDiscard(deps.Log)}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestID(), recovery(s.log), requestMetrics(deps.Metrics), requestLog(s.log))
	s.engine = engine
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))

	paid := paywall.Middleware(s.deps.Gate, s.deps.Metrics)
	v1 := s.engine.Group("/v1")
	v1.Use(jsonOnly())
	{
		v1.POST("/intents/parse", s.handleParse)
		v1.POST("/intents/run", paid, s.handleRun)
		v1.POST("/swap/quote", s.handleQuote)
		v1.POST("/bridge/calldata", s.handleBridge)
		v1.GET("/opportunities", s.handleOpportunities)
		v1.POST("/rebalance/execute", paid, s.handleExecute)
		v1.GET("/rebalance/status", s.handleStatus)
	}
}

func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.log.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// ServeMetrics runs a bare metrics listener on addr until ctx is cancelled.
// The rebalance loop uses it when the API server is not running.
func ServeMetrics(ctx context.Context, addr string, m *metrics.Registry, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logging.OrDiscard(log).Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
