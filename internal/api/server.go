// Package api provides the management HTTP API of FlowPipe.
//
// It exposes endpoints for managing accounts and flows, starting and stopping
// account workers, triggering flows and sending ad hoc messages, plus the
// inbound webhook used by Twilio accounts.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/gin-gonic/gin"
)

const (
	DefaultAddr      = ":8000"
	DefaultRateLimit = 20.0
	DefaultRateBurst = 40
	// shutdownTimeout bounds graceful shutdown of the HTTP server.
	shutdownTimeout = 10 * time.Second
)

// WorkerManager is the subset of worker.Manager the API drives.
type WorkerManager interface {
	StartWorker(ctx context.Context, accountID string) (bool, error)
	StopWorker(accountID string) bool
	Status(accountID string) string
	List() []models.WorkerStatus
	Service(accountID string) (messaging.Service, error)
	Dispatcher(accountID string) (*messaging.Dispatcher, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr      string
	JWTSecret string
	RateLimit float64 // requests per second per client; zero disables
	RateBurst int
	// PublicURL is the externally visible base URL, used to verify Twilio signatures.
	PublicURL string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithJWTSecret enables bearer token authentication.
func WithJWTSecret(secret string) Option {
	return func(o *Opts) { o.JWTSecret = secret }
}

// WithRateLimit sets the per-client request rate and burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *Opts) {
		o.RateLimit = perSecond
		o.RateBurst = burst
	}
}

// WithPublicURL sets the base URL Twilio signs webhook requests against.
func WithPublicURL(url string) Option {
	return func(o *Opts) { o.PublicURL = url }
}

// Server is the management API.
type Server struct {
	store   store.Store
	workers WorkerManager
	cfg     Opts
	engine  *gin.Engine
}

// NewServer creates the API server and registers its routes.
func NewServer(st store.Store, workers WorkerManager, opts ...Option) *Server {
	cfg := Opts{
		Addr:      DefaultAddr,
		RateLimit: DefaultRateLimit,
		RateBurst: DefaultRateBurst,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{store: st, workers: workers, cfg: cfg}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(maxRequestBytes))
	r.NoRoute(func(c *gin.Context) {
		writeJSON(c, http.StatusNotFound, models.Error("Not found"))
	})

	r.GET("/health", s.healthHandler)
	// Twilio authenticates with request signatures rather than bearer tokens.
	r.POST("/twilio/:account_id/webhook", s.twilioWebhookHandler)

	authed := r.Group("/")
	authed.Use(RateLimitPerClient(s.cfg.RateLimit, s.cfg.RateBurst))
	authed.Use(AuthRequired([]byte(s.cfg.JWTSecret)))
	{
		accounts := authed.Group("/accounts")
		accounts.POST("", s.createAccountHandler)
		accounts.GET("", s.listAccountsHandler)
		accounts.GET("/:id", s.getAccountHandler)
		accounts.DELETE("/:id", s.deleteAccountHandler)

		flows := authed.Group("/flows")
		flows.POST("", s.createFlowHandler)
		flows.GET("", s.listFlowsHandler)
		flows.GET("/:id", s.getFlowHandler)
		flows.DELETE("/:id", s.deleteFlowHandler)
		flows.PATCH("/:id/toggle", s.toggleFlowHandler)
		flows.POST("/:id/start", s.startFlowHandler)

		authed.GET("/conversations", s.listConversationsHandler)

		workers := authed.Group("/workers")
		workers.GET("", s.listWorkersHandler)
		workers.POST("/:account_id/start", s.startWorkerHandler)
		workers.POST("/:account_id/stop", s.stopWorkerHandler)
		workers.GET("/:account_id/status", s.workerStatusHandler)

		messages := authed.Group("/messages")
		messages.POST("/:account_id/text", s.sendTextHandler)
		messages.POST("/:account_id/file", s.sendFileHandler)
	}
	return r
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.cfg.Addr, "auth", s.cfg.JWTSecret != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	return <-errCh
}

func (s *Server) healthHandler(c *gin.Context) {
	writeJSON(c, http.StatusOK, models.Success(nil))
}
