// Package server exposes loaded models over an OpenAI compatible HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-tllama/internal/config"
	"github.com/23skdu/longbow-tllama/internal/discover"
	"github.com/23skdu/longbow-tllama/internal/logger"
	"github.com/23skdu/longbow-tllama/internal/metrics"
	"github.com/23skdu/longbow-tllama/internal/modelpool"
	"github.com/23skdu/longbow-tllama/internal/monitoring"
	"github.com/23skdu/longbow-tllama/internal/openai"
	"github.com/23skdu/longbow-tllama/internal/sampler"
)

// Lister names the models a client may request.
type Lister func(ctx context.Context) ([]string, error)

// Discoverer lists the model files on disk.
type Discoverer func(ctx context.Context) ([]discover.Model, error)

// ErrSessionsRunning is returned by Serve when generations were still
// running after the shutdown timeout. Their models must stay mapped.
var ErrSessionsRunning = errors.New("server: sessions still running after shutdown")

type Options struct {
	Settings config.Settings
	Version  string
	// Sampling supplies every field a request leaves out.
	Sampling sampler.Config
	// AdmissionTimeout bounds how long a request waits for a session
	// slot, 0 to wait until the client gives up.
	AdmissionTimeout time.Duration
	// ShutdownTimeout bounds how long Serve waits for in-flight requests
	// before cancelling them, default 30s.
	ShutdownTimeout time.Duration
	List            Lister
	// Discover backs /tlama/discover; nil lists nothing.
	Discover Discoverer
}

type Server struct {
	pool    *modelpool.Pool
	opts    Options
	sem     *semaphore.Weighted
	health  *monitoring.HealthMonitor
	started time.Time
}

func New(pool *modelpool.Pool, opts Options) *Server {
	if opts.Settings.MaxSessions <= 0 {
		opts.Settings.MaxSessions = 1
	}
	if opts.Settings.Overflow == "" {
		opts.Settings.Overflow = config.OverflowStop
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.Discover == nil {
		opts.Discover = func(context.Context) ([]discover.Model, error) { return nil, nil }
	}
	if opts.List == nil {
		opts.List = func(context.Context) ([]string, error) { return pool.Loaded(), nil }
	}
	s := &Server{
		pool:    pool,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.Settings.MaxSessions)),
		started: time.Now(),
	}
	s.health = monitoring.NewHealthMonitor(opts.Version, opts.Settings.Threads, func() monitoring.EngineInfo {
		return monitoring.EngineInfo{
			Models:        pool.Loaded(),
			MaxSessions:   s.opts.Settings.MaxSessions,
			ContextLength: s.opts.Settings.ContextLength,
			Overflow:      string(s.opts.Settings.Overflow),
		}
	})
	return s
}

func (s *Server) Health() *monitoring.HealthMonitor { return s.health }

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
		"OpenAI-Beta",
		"x-stainless-arch",
		"x-stainless-lang",
		"x-stainless-os",
		"x-stainless-package-version",
		"x-stainless-retry-count",
		"x-stainless-runtime",
		"x-stainless-runtime-version",
	}
	if len(s.opts.Settings.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = s.opts.Settings.AllowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost", "http://127.0.0.1", "http://localhost:*", "http://127.0.0.1:*"}
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), requestLogger(), cors.New(corsConfig))

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "tllama is running") })
	r.HEAD("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", s.HealthHandler)
	r.GET("/healthz", s.HealthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/v1/chat/completions", s.ChatHandler)
	r.POST("/v1/completions", s.CompletionHandler)
	r.POST("/v1/embeddings", s.EmbeddingsHandler)
	r.GET("/v1/models", s.ListHandler)

	native := r.Group("/tlama")
	native.GET("/load/*model", s.LoadHandler)
	native.GET("/unload/*model", s.UnloadHandler)
	native.GET("/list", s.LoadedHandler)
	native.GET("/discover", s.DiscoverHandler)
	native.POST("/infer", s.InferHandler)
	native.POST("/chat", s.NativeChatHandler)

	r.NoRoute(func(c *gin.Context) {
		abort(c, "unknown", openai.NewError(http.StatusNotFound, fmt.Sprintf("no route for %s %s", c.Request.Method, c.Request.URL.Path)))
	})
	r.NoMethod(func(c *gin.Context) {
		abort(c, "unknown", openai.NewError(http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", c.Request.Method)))
	})
	return r
}

// Serve answers requests on ln until ctx ends, then drains in-flight
// requests. Requests still running after ShutdownTimeout are cancelled and
// given the same time again to let go of their sessions; if they do not,
// Serve returns ErrSessionsRunning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	reqCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return reqCtx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	logger.Log.Info("listening", "addr", ln.Addr().String(), "max_sessions", s.opts.Settings.MaxSessions)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	timeout := s.opts.ShutdownTimeout
	logger.Log.Info("shutting down", "timeout", timeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("requests outlived the shutdown timeout, cancelling them", "error", err)
		cancelRequests()
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), timeout)
		defer cancelDrain()
		if err := s.drain(drainCtx); err != nil {
			_ = srv.Close()
			return ErrSessionsRunning
		}
		_ = srv.Close()
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// drain takes every session slot, waiting for running generations to end.
func (s *Server) drain(ctx context.Context) error {
	n := int64(s.opts.Settings.MaxSessions)
	if err := s.sem.Acquire(ctx, n); err != nil {
		return err
	}
	s.sem.Release(n)
	return nil
}

// admit waits for a session slot. The returned function gives it back.
func (s *Server) admit(ctx context.Context) (func(), error) {
	if s.opts.AdmissionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.AdmissionTimeout)
		defer cancel()
	}
	start := time.Now()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		metrics.AdmissionRejected.Inc()
		return nil, openai.NewError(http.StatusServiceUnavailable, "server busy, no session slot became free")
	}
	metrics.AdmissionWait.Observe(time.Since(start).Seconds())
	return func() { s.sem.Release(1) }, nil
}
