// Package api provides the HTTP server for transferd.
// It exposes transfer submission, approval signals, cancellation and queries.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is reported by /api/version.
const Version = "0.1.0"

// Server is the transferd HTTP API server.
type Server struct {
	transfers      *TransferAPI
	metricsEnabled bool
	taskQueue      string
}

// NewServer creates a new API server.
func NewServer(transfers *TransferAPI) *Server {
	return &Server{transfers: transfers}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetTaskQueue sets the queue name reported by /health.
func (s *Server) SetTaskQueue(q string) { s.taskQueue = q }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{"status": "ok"}
		if s.taskQueue != "" {
			body["task_queue"] = s.taskQueue
		}
		writeJSON(w, http.StatusOK, body)
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": Version,
		})
	})

	if s.transfers != nil {
		r.Route("/api/transfers", func(r chi.Router) {
			r.Post("/", s.transfers.HandleSubmit)
			r.Get("/", s.transfers.HandleList)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.transfers.HandleGet)
				r.Get("/result", s.transfers.HandleResult)
				r.Post("/approve", s.transfers.HandleApprove)
				r.Post("/reject", s.transfers.HandleReject)
				r.Post("/signal", s.transfers.HandleSignal)
				r.Post("/cancel", s.transfers.HandleCancel)
			})
		})
	}

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
