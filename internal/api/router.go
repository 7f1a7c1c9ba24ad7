// Package api exposes the dispatcher over HTTP for operators.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yourneighborhoodchef/keysweep/internal/client"
	"github.com/yourneighborhoodchef/keysweep/internal/dispatch"
)

// Executor turns an upstream request into a dispatch call. client.Executor
// satisfies it.
type Executor interface {
	Target(path string) (string, error)
	Call(req client.Request, out **client.Response) dispatch.Call
}

type Options struct {
	Mode             string
	ProbeURL         string
	ProbeConcurrency int
	Gatherer         prometheus.Gatherer
	Logger           *zap.Logger
}

type Server struct {
	Router *gin.Engine

	dispatcher *dispatch.Dispatcher
	executor   Executor
	opts       Options
	logger     *zap.Logger
}

func NewServer(d *dispatch.Dispatcher, executor Executor, opts Options) *Server {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(Logger(opts.Logger.Named("http")))
	router.Use(gin.Recovery())

	s := &Server{
		Router:     router,
		dispatcher: d,
		executor:   executor,
		opts:       opts,
		logger:     opts.Logger.Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", s.Health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	api := s.Router.Group("/api/v1")
	{
		api.GET("/stats", s.Stats)
		api.POST("/reload", s.Reload)
		api.POST("/reset", s.ResetAll)
		api.POST("/dispatch", s.Dispatch)
	}

	accounts := api.Group("/accounts")
	{
		accounts.POST("", s.AddAccount)
		accounts.DELETE("/:id", s.RemoveAccount)
		accounts.POST("/:id/projects/:index/reset", s.ResetProject)
	}

	proxies := api.Group("/proxies")
	{
		proxies.GET("", s.ListProxies)
		proxies.POST("", s.AddProxy)
		proxies.POST("/check", s.CheckProxies)
		proxies.DELETE("/:id", s.RemoveProxy)
		proxies.POST("/:id/check", s.CheckProxy)
		proxies.POST("/:id/reset", s.ResetProxy)
	}
}
