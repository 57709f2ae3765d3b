// Package server assembles the HTTP surface: router, middleware, system
// endpoints and response helpers shared by the handler packages.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"gorm.io/gorm"

	"github.com/propdesk/propdesk/internal/cache"
	"github.com/propdesk/propdesk/internal/reliability"
)

// RouteRegistrar is implemented by every module handler.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// DLQSizer exposes the dead-letter queue depth for readiness reporting.
type DLQSizer interface {
	Size(ctx context.Context) (int64, error)
}

// Server is the shared HTTP server shell for both services.
type Server struct {
	router      chi.Router
	db          *gorm.DB
	cacheClient *cache.Client
	health      *reliability.HealthTracker
	dlq         DLQSizer
	startupTime time.Time
	log         zerolog.Logger
}

// Options configures the optional system endpoints. DB, Cache, Health
// and DLQ may each be nil when the service does not carry them.
type Options struct {
	DB     *gorm.DB
	Cache  *cache.Client
	Health *reliability.HealthTracker
	DLQ    DLQSizer
}

// New builds the router with base middleware and system endpoints, then
// mounts every registrar.
func New(log zerolog.Logger, opts Options, registrars ...RouteRegistrar) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		db:          opts.DB,
		cacheClient: opts.Cache,
		health:      opts.Health,
		dlq:         opts.DLQ,
		startupTime: time.Now(),
		log:         log.With().Str("component", "server").Logger(),
	}

	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(CorrelationMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", CorrelationIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Handle("/metrics", promhttp.Handler())
	if s.health != nil {
		s.router.Get("/health/persistence", s.handlePersistenceHealth)
	}

	for _, registrar := range registrars {
		registrar.RegisterRoutes(s.router)
	}
	return s
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler {
	return s.router
}

type healthResponse struct {
	Status      string  `json:"status"`
	UptimeHours float64 `json:"uptimeHours"`
	CPUPercent  float64 `json:"cpuPercent"`
	RAMPercent  float64 `json:"ramPercent"`
}

// handleHealth is liveness plus coarse process stats.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cpuPercent, ramPercent := s.systemStats()
	JSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		UptimeHours: time.Since(s.startupTime).Hours(),
		CPUPercent:  cpuPercent,
		RAMPercent:  ramPercent,
	})
}

// handleReady checks the durable store and cache are reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if s.db != nil {
		checks["database"] = "ok"
		if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			checks["database"] = "unreachable"
			ready = false
		}
	}
	if s.cacheClient != nil {
		checks["cache"] = "ok"
		if !s.cacheClient.Healthy(ctx) {
			checks["cache"] = "unreachable"
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

// handlePersistenceHealth reports the worker's cycle health and DLQ
// depth.
func (s *Server) handlePersistenceHealth(w http.ResponseWriter, r *http.Request) {
	status := s.health.Status()
	response := map[string]any{
		"healthy":             status.Healthy,
		"lastSuccessfulCycle": status.LastSuccessfulCycle,
		"consecutiveFailures": status.ConsecutiveFailures,
	}
	if s.dlq != nil {
		if size, err := s.dlq.Size(r.Context()); err == nil {
			response["deadLetterQueueSize"] = size
		} else {
			s.log.Warn().Err(err).Msg("Failed to read dead letter queue size")
		}
	}

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, response)
}

// systemStats samples CPU over a short window plus instant memory usage.
func (s *Server) systemStats() (float64, float64) {
	var cpuAvg float64
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		cpuAvg = percents[0]
	} else if err != nil {
		s.log.Warn().Err(err).Msg("Failed to sample CPU usage")
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read memory statistics")
		return cpuAvg, 0
	}
	return cpuAvg, memStat.UsedPercent
}
