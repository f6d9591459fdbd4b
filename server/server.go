// Package server implements the conductor HTTP server, REST API and SSE
// lifecycle event stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/GoCodeAlone/conductor/config"
	"github.com/GoCodeAlone/conductor/coordinator"
	"github.com/GoCodeAlone/conductor/events"
	"github.com/GoCodeAlone/conductor/server/api"
)

// Server is the conductor HTTP server.
type Server struct {
	svc     *coordinator.Service
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	startTime time.Time
	version   string
}

// New creates a Server over svc and registers its routes.
func New(svc *coordinator.Service, cfg config.ServerConfig, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:       svc,
		mux:       http.NewServeMux(),
		logger:    logger,
		startTime: time.Now(),
		version:   ver,
	}
	s.registerRoutes()

	addr := cfg.Addr
	if addr == "" {
		addr = ":9090"
	}
	timeout := cfg.ReadHeaderTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: timeout,
	}
	return s
}

// Handler returns the root handler, including request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Start begins listening. It blocks until the server stops and returns
// http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	s.logger.Info("server listening", slog.String("addr", s.httpSrv.Addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Svc:     s.svc,
		Logger:  s.logger,
		Version: s.version,
		StartAt: s.startTime,
	}
	h.RegisterRoutes(s.mux)
	s.mux.HandleFunc("GET /api/events/stream", s.handleSSE)
}

// handleSSE streams lifecycle events as Server-Sent Events. The optional
// task_id and type query parameters narrow the stream.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	taskID := r.URL.Query().Get("task_id")
	typ := events.Type(r.URL.Query().Get("type"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := make(chan []byte, 64)
	unsubscribe := s.svc.Bus().Subscribe(typ, func(_ context.Context, ev *events.Event) error {
		if taskID != "" && ev.TaskID != taskID {
			return nil
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("sse event marshal: %w", err)
		}
		select {
		case ch <- data:
		default:
			// Client channel full, skip
		}
		return nil
	})
	defer unsubscribe()

	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", data) //nolint:errcheck
			flusher.Flush()
		}
	}
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)))
	})
}
