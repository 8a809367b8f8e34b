package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/engine"
	"github.com/proxy-rotator/internal/metrics"
	"github.com/proxy-rotator/internal/pool"
	"github.com/proxy-rotator/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Server exposes the engine to machine consumers: select a proxy, report
// an outcome, inspect the pool.
type Server struct {
	config      *config.Config
	engine      *engine.Engine
	pool        *pool.Pool
	metrics     *metrics.Collector
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    requestsPerMinute / 10, // Allow bursts
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

func NewServer(cfg *config.Config, eng *engine.Engine, p *pool.Pool, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		engine:      eng,
		pool:        p,
		metrics:     metricsCollector,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(s.loggingMiddleware())
	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware())
	}

	// Public endpoints
	s.router.GET("/health", s.handleHealth)

	// Metrics endpoint (usually scraped by Prometheus)
	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(promhttp.Handler()))
	}

	// Protected endpoints
	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/select", s.handleSelect)
	protected.POST("/report", s.handleReport)
	protected.GET("/pool", s.handlePool)
	protected.GET("/stat", s.handleStat)
	protected.POST("/proxies", s.handleAddProxies)
	protected.DELETE("/proxies/:address", s.handleRemoveProxy)
	protected.DELETE("/sessions/:id", s.handleReleaseSession)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   statusCode,
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, status)
		s.metrics.RecordAPIDuration(method, path, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		// Check header first
		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			// Check query parameter
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := s.rateLimiter.GetLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// handleSelect hands out one proxy under the requested policy. A session
// query parameter makes the assignment sticky.
func (s *Server) handleSelect(c *gin.Context) {
	policy := c.Query("policy")
	sessionID := c.Query("session")

	info, err := s.engine.SelectProxyForRequest(policy, sessionID)
	if err != nil {
		if errors.Is(err, types.ErrPoolExhausted) {
			// The caller owns the fallback decision; we only signal.
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "proxy pool exhausted",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, info)
}

type reportRequest struct {
	Address   string  `json:"address" binding:"required"`
	Success   bool    `json:"success"`
	LatencyMs float64 `json:"latency_ms"`
	ErrorKind string  `json:"error_kind"`
}

// handleReport feeds a real-traffic outcome back into the health state.
func (s *Server) handleReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.engine.ReportOutcome(req.Address, req.Success, req.LatencyMs, req.ErrorKind); err != nil {
		if errors.Is(err, types.ErrUnknownProxy) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown proxy address"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "outcome recorded"})
}

func (s *Server) handlePool(c *gin.Context) {
	records := s.pool.Snapshot()

	if status := c.Query("status"); status != "" {
		filtered := make([]types.ProxyRecord, 0, len(records))
		for _, rec := range records {
			if rec.Status == types.Status(status) {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"total":   len(records),
		"records": records,
	})
}

func (s *Server) handleStat(c *gin.Context) {
	counts := s.pool.CountByStatus()

	c.JSON(http.StatusOK, gin.H{
		"total":       s.pool.Len(),
		"untested":    counts[types.StatusUntested],
		"healthy":     counts[types.StatusHealthy],
		"degraded":    counts[types.StatusDegraded],
		"quarantined": counts[types.StatusQuarantined],
		"dead":        counts[types.StatusDead],
		"updated":     time.Now().Format(time.RFC3339),
	})
}

type addProxiesRequest struct {
	Proxies []config.Proxy `json:"proxies" binding:"required"`
}

// handleAddProxies registers new candidates at runtime. Re-adding an
// address that was retired as dead requires removing it first; this is
// the explicit reconfiguration path.
func (s *Server) handleAddProxies(c *gin.Context) {
	var req addProxiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	added := 0
	duplicates := 0
	for _, p := range req.Proxies {
		rec := types.ProxyRecord{
			Address: p.Address,
			Scheme:  types.Scheme(p.Scheme),
			Credentials: types.Credentials{
				Username: p.Username,
				Password: p.Password,
			},
		}
		switch err := s.pool.Register(rec); {
		case err == nil:
			added++
		case errors.Is(err, types.ErrDuplicateAddress):
			duplicates++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"added":      added,
		"duplicates": duplicates,
	})
}

func (s *Server) handleRemoveProxy(c *gin.Context) {
	address := c.Param("address")

	if err := s.pool.Remove(address); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown proxy address"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "proxy removed"})
}

func (s *Server) handleReleaseSession(c *gin.Context) {
	s.engine.ReleaseSession(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"message": "session released"})
}
