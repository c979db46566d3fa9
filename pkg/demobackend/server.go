// Package demobackend is a reference implementation of the backend API the
// HPA demo drives: a CPU-bound Fibonacci endpoint, a crash switch, a health
// check and the parity probe.
package demobackend

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures a Server.
type Options struct {
	// MaxN bounds the Fibonacci argument. Defaults to 45.
	MaxN int
	// BatchN is the Fibonacci argument computed for every batch item. Defaults to 25.
	BatchN int
	// MaxBatch bounds the batch count. Defaults to 1000.
	MaxBatch int
	// CrashDelay is how long the crash handler waits before calling Crash,
	// so the response reaches the caller. Defaults to 100ms.
	CrashDelay time.Duration
	// Crash terminates the backend. Defaults to exiting with status 1.
	Crash func()
	// Registry receives the backend metrics. Defaults to a fresh registry.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// Server serves the demo backend routes.
type Server struct {
	router  *mux.Router
	opts    Options
	metrics *metrics
	logger  *slog.Logger
}

// New creates a demo backend with its routes registered.
func New(opts Options) *Server {
	if opts.MaxN <= 0 {
		opts.MaxN = 45
	}
	if opts.BatchN <= 0 {
		opts.BatchN = 25
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 1000
	}
	if opts.CrashDelay <= 0 {
		opts.CrashDelay = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Crash == nil {
		logger := opts.Logger
		opts.Crash = func() {
			logger.Error("crash requested, exiting")
			os.Exit(1)
		}
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		router:  mux.NewRouter(),
		opts:    opts,
		metrics: newMetrics(opts.Registry),
		logger:  opts.Logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.metrics.middleware)

	r.HandleFunc("/api/generate-load", s.handleGenerateLoad).Methods(http.MethodGet)
	r.HandleFunc("/api/generate-load", s.handleBatch).Methods(http.MethodPost)
	r.HandleFunc("/api/crash-backend", s.handleCrash).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/api/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/iseven", s.handleIsEven)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// GenerateLoadResponse is returned by GET /api/generate-load.
type GenerateLoadResponse struct {
	N      int    `json:"n"`
	Result uint64 `json:"result"`
}

// BatchResponse is returned by POST /api/generate-load.
type BatchResponse struct {
	ProcessedRequests int `json:"processedRequests"`
}

// IsEvenResponse is returned by /iseven.
type IsEvenResponse struct {
	IsEven bool `json:"is_even"`
}

func (s *Server) handleGenerateLoad(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("n")
	if raw == "" {
		http.Error(w, "Missing 'n' query parameter", http.StatusBadRequest)
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > s.opts.MaxN {
		http.Error(w, "n must be an integer between 1 and "+strconv.Itoa(s.opts.MaxN), http.StatusBadRequest)
		return
	}

	start := time.Now()
	result := Fib(n)
	s.metrics.fibDuration.Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, GenerateLoadResponse{N: n, Result: result})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Count < 1 || req.Count > s.opts.MaxBatch {
		http.Error(w, "count must be between 1 and "+strconv.Itoa(s.opts.MaxBatch), http.StatusBadRequest)
		return
	}

	for i := 0; i < req.Count; i++ {
		start := time.Now()
		Fib(s.opts.BatchN)
		s.metrics.fibDuration.Observe(time.Since(start).Seconds())
	}
	writeJSON(w, http.StatusOK, BatchResponse{ProcessedRequests: req.Count})
}

func (s *Server) handleCrash(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("crash endpoint called", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "crashing"})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	go func() {
		time.Sleep(s.opts.CrashDelay)
		s.opts.Crash()
	}()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIsEven(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	raw := r.URL.Query().Get("number")
	if raw == "" {
		http.Error(w, "Missing 'number' query parameter", http.StatusBadRequest)
		return
	}
	number, err := strconv.Atoi(raw)
	if err != nil {
		http.Error(w, "Invalid number", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, IsEvenResponse{IsEven: number%2 == 0})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Fib computes the n-th Fibonacci number the slow, recursive way. The cost is
// the point: it keeps a CPU busy for the autoscaler to notice.
func Fib(n int) uint64 {
	if n < 2 {
		return uint64(max(n, 0))
	}
	return Fib(n-1) + Fib(n-2)
}
