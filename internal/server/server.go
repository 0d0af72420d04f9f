// Package server exposes the gateway HTTP surface: sync push/pull, applier,
// arbiter, resumable uploads, the realtime stream and metrics. Every JSON
// endpoint also speaks the compressed MessagePack wire format, negotiated
// via Content-Type and Accept.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/driftsync/driftsync/internal/applier"
	"github.com/driftsync/driftsync/internal/arbiter"
	"github.com/driftsync/driftsync/internal/auth"
	"github.com/driftsync/driftsync/internal/clock"
	"github.com/driftsync/driftsync/internal/codec"
	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/monitoring"
	"github.com/driftsync/driftsync/internal/realtime"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/upload"
)

// Server wires the gateway components behind one router. All shared state
// (hub, arbiter cache, server clock) is owned here and passed to handlers
// explicitly.
type Server struct {
	cfg     *config.Config
	store   store.Store
	applier *applier.Applier
	arbiter *arbiter.Arbiter
	hub     *realtime.Hub
	uploads *upload.Handler
	codec   *codec.Codec
	metrics *monitoring.Metrics
	logger  *zap.Logger
	limiter *rate.Limiter
	tokens  *auth.TokenManager

	clockMu sync.Mutex
	vclock  clock.VectorClock

	startedAt time.Time
	httpSrv   *http.Server
}

// New assembles a gateway over the given store.
func New(cfg *config.Config, s store.Store, metrics *monitoring.Metrics, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	hub := realtime.NewHub(metrics, logger)
	uploadMgr, err := upload.NewManager(cfg.Upload.Dir, "/api/tus", metrics, logger)
	if err != nil {
		return nil, err
	}

	var tokens *auth.TokenManager
	if cfg.Auth.JWTSecret != "" {
		tokens = auth.NewTokenManager(cfg.Auth.JWTSecret)
	}

	srv := &Server{
		cfg:       cfg,
		store:     s,
		applier:   applier.New(s, hub, metrics, logger),
		arbiter:   arbiter.New(s, logger),
		hub:       hub,
		uploads:   upload.NewHandler(uploadMgr, logger),
		codec:     codec.New(codec.DefaultOptions()),
		metrics:   metrics,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst),
		tokens:    tokens,
		vclock:    clock.NewVectorClock(),
		startedAt: time.Now(),
	}
	return srv, nil
}

// Router builds the gin engine with the full route table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestID())
	r.Use(s.cors())
	r.Use(s.rateLimit())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/api/stream", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	api := r.Group("/", auth.Middleware(s.tokens))

	sc := api.Group("/api/sync")
	{
		sc.POST("/push", s.handlePush)
		sc.GET("/pull", s.handlePull)
		sc.GET("/status", s.handleStatus)
		sc.GET("/:collection", s.handleListCollection)
		sc.GET("/:collection/:id", s.handleGetDocument)
	}

	ap := api.Group("/api/applier")
	{
		ap.POST("/apply", s.handleApply)
		ap.POST("/batch", s.handleApplyBatch)
		ap.GET("/document/:collection/:id", s.handleApplierDocument)
		ap.GET("/info/:collection", s.handleCollectionInfo)
	}

	ar := api.Group("/api/arbiter")
	{
		ar.POST("/check", s.handleArbiterCheck)
		ar.POST("/resolve", s.handleArbiterResolve)
		ar.POST("/resolve/merge", s.handleArbiterResolveMerge)
		ar.POST("/resolve/fields", s.handleArbiterResolveFields)
		ar.POST("/resolve/crdt", s.handleArbiterResolveCRDT)
	}

	tus := api.Group("/api/tus")
	{
		wrap := gin.WrapH(s.uploads)
		tus.POST("", wrap)
		tus.GET("", wrap)
		tus.GET("/:id", wrap)
		tus.HEAD("/:id", wrap)
		tus.PATCH("/:id", wrap)
		tus.DELETE("/:id", wrap)
	}

	return r
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", zap.String("addr", addr))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.hub.Close()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// Hub exposes the broadcaster, primarily for wiring and tests.
func (s *Server) Hub() *realtime.Hub { return s.hub }

// bumpClock advances the gateway's own vector clock entry and merges in the
// client's knowledge.
func (s *Server) bumpClock(clientClock clock.VectorClock) clock.VectorClock {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	if clientClock != nil {
		s.vclock = clock.Max(s.vclock, clientClock)
	}
	s.vclock = clock.Increment(s.vclock, arbiter.ServerReplicaID)
	return clock.Clone(s.vclock)
}

func (s *Server) serverClock() clock.VectorClock {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	return clock.Clone(s.vclock)
}

// requestID propagates or assigns X-Request-Id.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func (s *Server) cors() gin.HandlerFunc {
	origin := s.cfg.CORS.Origin
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		if s.cfg.CORS.Credentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, HEAD, OPTIONS")
		c.Header("Access-Control-Allow-Headers",
			"Content-Type, Authorization, X-Client-Id, X-Request-Id, X-Compression, Upload-Offset, Upload-Length, Upload-Metadata, Upload-Defer-Length")
		c.Header("Access-Control-Expose-Headers",
			"Location, Upload-Offset, Upload-Length, X-Request-Id")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
