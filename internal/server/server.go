// Package server exposes export sessions over HTTP with websocket progress
// streaming.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/chengyongru/openscreen/internal/export/pipeline"
	"github.com/chengyongru/openscreen/internal/util"
)

// ServiceName identifies this server in health responses.
const ServiceName = "openscreen-server"

// Options configure the server and the sessions it starts.
type Options struct {
	Port        int
	FFmpegPath  string
	FFprobePath string
	Pipeline    pipeline.Options
	Logger      *slog.Logger
}

// Server runs export sessions on behalf of HTTP clients.
type Server struct {
	opts       Options
	logger     *slog.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	manager    *pipeline.Manager

	mu           sync.RWMutex
	broadcasters map[string]*Broadcaster
	startTime    time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server; routes are ready before Start so Handler can be
// served by tests.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = util.GetLogger()
	}
	opts.Pipeline.Logger = logger
	if opts.Pipeline.FFmpegPath == "" {
		opts.Pipeline.FFmpegPath = opts.FFmpegPath
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:         opts,
		logger:       logger.With("component", "server"),
		mux:          http.NewServeMux(),
		manager:      pipeline.NewManager(opts.Pipeline),
		broadcasters: make(map[string]*Broadcaster),
		startTime:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.setupRoutes()
	return s
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.mux)
}

// Manager returns the session manager backing the API.
func (s *Server) Manager() *pipeline.Manager {
	return s.manager
}

// Start listens on the configured port until Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// no write timeout: result downloads and progress streams are long lived
		ErrorLog: util.NewStdLogger(s.logger),
	}
	s.logger.Info("Export server listening", "port", s.opts.Port)
	return s.httpServer.ListenAndServe()
}

// Stop cancels every session and shuts the listener down. Sessions are
// cancelled before the server context so they end as cancelled, not failed.
func (s *Server) Stop(ctx context.Context) error {
	var result error
	if err := s.manager.Shutdown(ctx); err != nil {
		result = err
	}
	s.cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP server shutdown error", "error", err)
			if err := s.httpServer.Close(); err != nil {
				s.logger.Warn("HTTP server force close error", "error", err)
			}
			if result == nil {
				result = errors.Wrap(err, "failed to shut down http server")
			}
		}
	}

	s.logger.Info("Export server stopped")
	return result
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/exports", s.handleCreateExport)
	s.mux.HandleFunc("GET /api/exports", s.handleListExports)
	s.mux.HandleFunc("GET /api/exports/{id}", s.handleGetExport)
	s.mux.HandleFunc("DELETE /api/exports/{id}", s.handleDeleteExport)
	s.mux.HandleFunc("GET /api/exports/{id}/result", s.handleExportResult)
	s.mux.HandleFunc("GET /api/exports/{id}/progress", s.handleExportProgress)
}

func (s *Server) broadcaster(id string) (*Broadcaster, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.broadcasters[id]
	return b, ok
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

// Hijack lets websocket upgrades through the logging wrapper.
func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"bytes", lw.length,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}
