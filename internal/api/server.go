// Package api serves the management REST surface: CRUD for factories and
// gateways, credential encryption at rest, health and metrics endpoints.
//
// Gateway passwords exist here only between request decode and encrypt.
// Responses never carry passwords, credential blobs, or deletion timestamps.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/RoninSTi/vibelink/internal/metrics"
	"github.com/RoninSTi/vibelink/internal/secrets"
	"github.com/RoninSTi/vibelink/internal/store"
)

// GatewayWatcher is notified after a gateway record changes so session
// workers can be started, restarted, or stopped. Notifications fire after
// the store write succeeded.
type GatewayWatcher interface {
	GatewayCreated(g store.Gateway)
	GatewayUpdated(g store.Gateway)
	GatewayDeleted(id string)
}

// Config carries the server knobs taken from the environment.
type Config struct {
	// Environment selects the CORS posture: development and test reflect
	// the request origin, production enforces AllowedOrigins.
	Environment    string
	AllowedOrigins []string

	RateLimitRPS   float64
	RateLimitBurst int
}

// Server is the REST management service.
type Server struct {
	logger  zerolog.Logger
	store   *store.Store
	codec   *secrets.Codec
	watcher GatewayWatcher
	limiter *ipLimiter
	handler http.Handler
	start   time.Time
}

// New builds the server and its route table. watcher may be nil when no
// worker manager is running.
func New(cfg Config, st *store.Store, codec *secrets.Codec, watcher GatewayWatcher, logger zerolog.Logger) *Server {
	s := &Server{
		logger:  logger.With().Str("component", "api").Logger(),
		store:   st,
		codec:   codec,
		watcher: watcher,
		limiter: newIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		start:   time.Now(),
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.Use(s.rateLimit)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "Route not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "Method not allowed", nil)
	})

	apiRoutes := r.PathPrefix("/api").Subrouter()
	apiRoutes.HandleFunc("/factories", s.createFactory).Methods(http.MethodPost)
	apiRoutes.HandleFunc("/factories", s.listFactories).Methods(http.MethodGet)
	apiRoutes.HandleFunc("/factories/{id}", s.getFactory).Methods(http.MethodGet)
	apiRoutes.HandleFunc("/factories/{id}", s.updateFactory).Methods(http.MethodPut)
	apiRoutes.HandleFunc("/factories/{id}", s.deleteFactory).Methods(http.MethodDelete)

	apiRoutes.HandleFunc("/gateways", s.createGateway).Methods(http.MethodPost)
	apiRoutes.HandleFunc("/gateways", s.listGateways).Methods(http.MethodGet)
	apiRoutes.HandleFunc("/gateways/{id}", s.getGateway).Methods(http.MethodGet)
	apiRoutes.HandleFunc("/gateways/{id}", s.updateGateway).Methods(http.MethodPut)
	apiRoutes.HandleFunc("/gateways/{id}", s.deleteGateway).Methods(http.MethodDelete)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.handler = s.corsFor(cfg).Handler(r)
	return s
}

// Handler returns the middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) corsFor(cfg Config) *cors.Cors {
	methods := []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}
	headers := []string{"Content-Type", "Authorization"}
	if cfg.Environment == "production" {
		return cors.New(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   methods,
			AllowedHeaders:   headers,
			AllowCredentials: true,
			MaxAge:           300,
		})
	}
	// Development and test answer whatever origin the frontend runs on.
	return cors.New(cors.Options{
		AllowOriginFunc:  func(string) bool { return true },
		AllowedMethods:   methods,
		AllowedHeaders:   headers,
		AllowCredentials: true,
	})
}

// internalError hides failure detail from the caller; the log line keeps it.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error", nil)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	healthy := true
	checks := map[string]any{}

	storeHealthy := true
	if err := s.store.Ping(); err != nil {
		healthy = false
		storeHealthy = false
		s.logger.Error().Err(err).Msg("Health check failed: store unreachable")
	}
	checks["store"] = map[string]any{"healthy": storeHealthy}

	if vm, err := mem.VirtualMemory(); err == nil {
		checks["memory"] = map[string]any{"used_percent": vm.UsedPercent}
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		checks["cpu"] = map[string]any{"used_percent": percents[0]}
	}
	if counter, ok := s.watcher.(interface{ Active() int }); ok {
		checks["workers"] = map[string]any{"active": counter.Active()}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"status":  status,
		"healthy": healthy,
		"checks":  checks,
		"uptime":  time.Since(s.start).Seconds(),
	})
}

func (s *Server) notifyCreated(g store.Gateway) {
	if s.watcher != nil {
		s.watcher.GatewayCreated(g)
	}
}

func (s *Server) notifyUpdated(g store.Gateway) {
	if s.watcher != nil {
		s.watcher.GatewayUpdated(g)
	}
}

func (s *Server) notifyDeleted(id string) {
	if s.watcher != nil {
		s.watcher.GatewayDeleted(id)
	}
}
