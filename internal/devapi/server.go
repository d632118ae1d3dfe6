// Package devapi is a local development API for the bountyhub client core.
//
// It serves the endpoints the client talks to: paywalled job creation that
// answers with x402 challenges, per-job progress streams over SSE, and a
// websocket hub publishing domain events. Jobs are simulated in memory.
package devapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountyhub/internal/config"
	"github.com/mbd888/bountyhub/internal/health"
	"github.com/mbd888/bountyhub/internal/metrics"
	"github.com/mbd888/bountyhub/internal/paywall"
	"github.com/mbd888/bountyhub/internal/ratelimit"
	"github.com/mbd888/bountyhub/internal/realtime"
	"github.com/mbd888/bountyhub/pkg/x402"
)

// Defaults for Config fields left zero.
const (
	DefaultStepInterval = 750 * time.Millisecond
	DefaultBounty       = "5000000"
)

// Config configures the development API.
type Config struct {
	Port    string
	Version string

	// Price of a scan or validation in token base units.
	Price string
	// BountyAmount is announced in payment events when a finding validates.
	BountyAmount string
	PayTo        string
	Network      x402.Network
	// Verifier checks proofs on chain; nil accepts any well-formed proof.
	Verifier paywall.Verifier

	StepInterval   time.Duration
	AllowedOrigins []string
	RateLimit      ratelimit.Config

	Logger *slog.Logger
	Now    func() time.Time
}

// ConfigFrom maps environment configuration onto a devapi Config.
func ConfigFrom(c *config.Config) (Config, error) {
	network, ok := x402.NetworkByChainID(c.ChainID)
	if !ok {
		return Config{}, fmt.Errorf("devapi: unsupported chain id %d", c.ChainID)
	}
	return Config{
		Port:    c.Port,
		Price:   c.DevAPIPrice,
		PayTo:   c.DevAPIPayTo,
		Network: network,
	}, nil
}

// Server is the development API.
type Server struct {
	cfg     Config
	router  *gin.Engine
	hub     *realtime.Hub
	paywall *paywall.Paywall
	store   *Store
	sim     *Simulator
	limiter *ratelimit.Limiter
	health  *health.Registry
	logger  *slog.Logger
	httpSrv *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealthCheck registers an extra health checker.
func WithHealthCheck(name string, check health.Checker) Option {
	return func(s *Server) {
		s.health.Register(name, check)
	}
}

// New creates the server and starts its websocket hub. Shutdown releases it.
func New(cfg Config, opts ...Option) (*Server, error) {
	if cfg.Price == "" {
		cfg.Price = x402.DefaultAmount
	}
	if _, ok := new(big.Int).SetString(cfg.Price, 10); !ok {
		return nil, fmt.Errorf("devapi: price must be an integer in base units, got %q", cfg.Price)
	}
	if !common.IsHexAddress(cfg.PayTo) {
		return nil, fmt.Errorf("devapi: invalid pay-to address %q", cfg.PayTo)
	}
	if cfg.BountyAmount == "" {
		cfg.BountyAmount = DefaultBounty
	}
	if cfg.Network.ChainID == 0 {
		cfg.Network = x402.BaseSepolia
	}
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = DefaultStepInterval
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		health: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.hub = realtime.NewHub(s.logger)
	go s.hub.Run(s.ctx)

	s.store = NewStore(cfg.Now)
	s.sim = &Simulator{
		store:    s.store,
		pub:      s.hub,
		interval: cfg.StepInterval,
		bounty:   cfg.BountyAmount,
		logger:   s.logger.With("component", "simulator"),
	}
	s.limiter = ratelimit.New(cfg.RateLimit)
	s.paywall = paywall.New(paywall.Config{
		Verifier: cfg.Verifier,
		PayTo:    common.HexToAddress(cfg.PayTo).Hex(),
		Network:  cfg.Network,
		Price:    cfg.Price,
		Logger:   s.logger,
		Now:      cfg.Now,
		OnPaymentReceived: func(proof *x402.PaymentProof, route string) {
			s.logger.Info("payment accepted", "route", route, "tx", proof.Payload.Transaction, "from", proof.Payload.From)
		},
	})

	s.health.Register("hub", func(context.Context) health.Status {
		return health.Status{Healthy: s.ctx.Err() == nil, Detail: fmt.Sprintf("%v clients", s.hub.Stats()["connectedClients"])}
	})
	if p, ok := cfg.Verifier.(health.Pinger); ok {
		s.health.Register("rpc", health.RPC("rpc", p))
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.ready.Store(true)
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *realtime.Hub { return s.hub }

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler(s.cfg.Version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	api := s.router.Group("/api")
	api.GET("/info", s.infoHandler)
	api.POST("/protocols", s.registerProtocol)

	api.POST("/scans", s.paywall.Middleware("Start a vulnerability scan"), s.createJob(KindScan))
	api.GET("/scans/:id", s.getJob(KindScan))
	api.GET("/scans/:id/stream", s.streamJob(KindScan))

	api.POST("/validations", s.paywall.Middleware("Validate a reported finding"), s.createJob(KindValidation))
	api.GET("/validations/:id", s.getJob(KindValidation))
	api.GET("/validations/:id/stream", s.streamJob(KindValidation))
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: progress streams and websockets are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting devapi",
			"port", s.cfg.Port,
			"network", s.cfg.Network.Slug,
			"pay_to", s.cfg.PayTo,
			"price", s.cfg.Price,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		s.Shutdown(context.Background())
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, cancels running jobs and stops the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.cancel()
	s.sim.Wait()
	s.limiter.Stop()
	s.logger.Info("devapi stopped")
	return err
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "bountyhub-devapi",
		"version": s.cfg.Version,
		"network": s.cfg.Network.CAIP2(),
		"chain":   s.cfg.Network.Slug,
		"asset":   s.cfg.Network.USDC.Hex(),
		"payTo":   s.cfg.PayTo,
		"price":   s.cfg.Price,
		"bounty":  s.cfg.BountyAmount,
	})
}
