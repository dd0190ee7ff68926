// Package server exposes the HTTP surface: build triggers, status, the
// query endpoints, health and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nmxmxh/kgraph/internal/build"
	"github.com/nmxmxh/kgraph/internal/config"
	"github.com/nmxmxh/kgraph/internal/query"
)

// Pinger is the health-check slice of the storage client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps carries everything the HTTP layer serves.
type Deps struct {
	Orchestrator *build.Orchestrator
	Query        *query.Service
	Health       Pinger
	Config       *config.Config
	Log          *zap.Logger
}

// Server wraps the stdlib HTTP server with the service routes.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

// New builds the mux and the server.
func New(deps Deps) *Server {
	log := deps.Log.With(zap.String("component", "http"))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /kg/build/full", triggerFullHandler(log, deps.Orchestrator))
	mux.HandleFunc("POST /kg/update/incremental", triggerIncrementalHandler(log, deps.Orchestrator))
	mux.HandleFunc("GET /kg/status", statusHandler(log, deps.Query))
	mux.HandleFunc("GET /kg/types/entities", entityTypesHandler(log, deps.Query))
	mux.HandleFunc("GET /kg/types/relations", relationTypesHandler(log, deps.Query))
	mux.HandleFunc("GET /kg/query", queryHandler(log, deps.Query))
	mux.HandleFunc("GET /kg/stats", statsHandler(log, deps.Query))
	mux.HandleFunc("GET /healthz", healthHandler(log, deps.Health))
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := requestLogging(log, corsMiddleware(deps.Config.Server.CORSAllowOrigins, mux))

	addr := fmt.Sprintf("%s:%d", deps.Config.Server.Host, deps.Config.Server.Port)
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func corsMiddleware(allowOrigins []string, next http.Handler) http.Handler {
	allowAll := len(allowOrigins) == 0
	allowed := make(map[string]struct{}, len(allowOrigins))
	for _, o := range allowOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
