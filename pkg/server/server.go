// Package server provides a small HTTP API over a rule-materializing database.
//
// Endpoints:
//
//	GET  /health                          liveness
//	GET  /status                          server and database statistics
//	GET  /metrics                         Prometheus rule metrics (when enabled)
//	GET  /rules                           registered classes and their rules
//	GET  /rules/{class}/{rule}/members    current members of a rule
//	POST /import                          import a Neo4j JSON export in one transaction
//
// The server never writes outside transactions, so every import is observed by
// the rule engine exactly like any other write.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orneryd/nornicrules/pkg/nornicdb"
	"github.com/orneryd/nornicrules/pkg/rules"
	"github.com/orneryd/nornicrules/pkg/storage"
)

// Errors for HTTP operations.
var (
	ErrServerClosed  = errors.New("server closed")
	ErrInternalError = errors.New("internal server error")
)

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind to (default: "127.0.0.1")
	Address string
	// Port to listen on (default: 7480, 0 picks a free port)
	Port int
	// ReadTimeout for requests
	ReadTimeout time.Duration
	// WriteTimeout for responses
	WriteTimeout time.Duration
	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration
	// MaxRequestSize in bytes (default: 10MB, also used when zero or negative)
	MaxRequestSize int64
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:        "127.0.0.1",
		Port:           7480,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxRequestSize: 10 * 1024 * 1024, // 10MB
	}
}

// Server is the HTTP API server.
type Server struct {
	config *Config
	db     *nornicdb.DB

	httpServer *http.Server
	listener   net.Listener
	handler    http.Handler

	closed  atomic.Bool
	started time.Time

	// Metrics
	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// New creates a new HTTP server for db.
func New(db *nornicdb.DB, config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if db == nil {
		return nil, fmt.Errorf("database required")
	}
	if config.MaxRequestSize <= 0 {
		cfg := *config
		cfg.MaxRequestSize = DefaultConfig().MaxRequestSize
		config = &cfg
	}

	s := &Server{
		config:  config,
		db:      db,
		started: time.Now(),
	}
	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the server's router with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := net.JoinHostPort(s.config.Address, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.started = time.Now()
	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[HTTP] Server error: %v", err)
		}
	}()

	log.Printf("[HTTP] Listening on %s", listener.Addr())
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Uptime:         time.Since(s.started),
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
}

// ServerStats holds server metrics.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
}

// =============================================================================
// Router Setup
// =============================================================================

func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	if gatherer := s.db.Metrics(); gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /rules", s.handleRules)
	mux.HandleFunc("GET /rules/{class}/{rule}/members", s.handleMembers)
	mux.HandleFunc("POST /import", s.handleImport)

	var handler http.Handler = mux
	handler = s.metricsMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	return handler
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Skip health checks for noise reduction
		if r.URL.Path != "/health" {
			s.logRequest(r, wrapped.status, time.Since(start))
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				log.Printf("[HTTP] PANIC: %v\n%s", err, buf[:n])
				s.writeError(w, http.StatusInternalServerError, "internal server error", ErrInternalError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	dbStats, err := s.db.Stats()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "database unavailable", err)
		return
	}
	stats := s.Stats()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "running",
		"server": map[string]any{
			"uptime_seconds": stats.Uptime.Seconds(),
			"requests":       stats.RequestCount,
			"errors":         stats.ErrorCount,
			"active":         stats.ActiveRequests,
		},
		"database": dbStats,
	})
}

// ruleInfo is one rule as listed by GET /rules.
type ruleInfo struct {
	Name       string   `json:"name"`
	Properties []string `json:"properties,omitempty"`
	Triggers   []string `json:"triggers,omitempty"`
}

// classInfo is one class as listed by GET /rules.
type classInfo struct {
	Name         string     `json:"name"`
	RelationType string     `json:"relation_type"`
	Rules        []ruleInfo `json:"rules"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	classes := []classInfo{}
	for _, reg := range s.db.Rules().Registries() {
		info := classInfo{Name: reg.Name(), RelationType: reg.RelationType(), Rules: []ruleInfo{}}
		for _, rule := range reg.Rules() {
			info.Rules = append(info.Rules, ruleInfo{
				Name:       rule.Name,
				Properties: rule.Properties,
				Triggers:   rule.Triggers,
			})
		}
		classes = append(classes, info)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"classes": classes})
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	class, rule := r.PathValue("class"), r.PathValue("rule")

	members, err := s.db.Members(class, rule)
	switch {
	case errors.Is(err, rules.ErrUnknownRule):
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown rule %s.%s", class, rule), err)
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "reading members failed", err)
		return
	}

	export := storage.ToNeo4jExport(members, nil)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"class":   class,
		"rule":    rule,
		"count":   len(members),
		"members": export.Nodes,
	})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var export storage.Neo4jExport
	if err := s.readJSON(r, &export); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid export JSON", err)
		return
	}

	result, err := s.db.Import(&export)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrInvalidEdge) || errors.Is(err, storage.ErrAlreadyExists) {
			status = http.StatusUnprocessableEntity
		}
		s.writeError(w, status, err.Error(), err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// JSON helpers

func (s *Server) readJSON(r *http.Request, v any) error {
	body := io.LimitReader(r.Body, s.config.MaxRequestSize)
	return json.NewDecoder(body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	s.errorCount.Add(1)
	if status >= http.StatusInternalServerError {
		log.Printf("[HTTP] %s: %v", message, err)
	}

	s.writeJSON(w, status, map[string]any{
		"error":   true,
		"message": message,
		"code":    status,
	})
}

func (s *Server) logRequest(r *http.Request, status int, duration time.Duration) {
	log.Printf("[HTTP] %s %s %d %v", r.Method, r.URL.Path, status, duration)
}
