package facade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shinji-kodama/sidecar-host/internal/log"
	"github.com/shinji-kodama/sidecar-host/internal/model"
	"github.com/shinji-kodama/sidecar-host/internal/port"
)

const shutdownTimeout = 5 * time.Second

// PortResponse is the body of GET /api/port.
type PortResponse struct {
	Port model.Port `json:"port"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status    string      `json:"status"`
	Port      model.Port  `json:"port"`
	Worker    model.State `json:"worker"`
	Listening bool        `json:"listening"`
}

// ServerOptions configures a Server. Zero values are usable.
type ServerOptions struct {
	// BindHost is where the worker binds; /healthz probes it there.
	BindHost string

	// State reports the supervisor state. Nil reports not-started.
	State func() model.State

	Scanner *port.Scanner
	Logger  *slog.Logger
}

// Server serves the facade over HTTP.
type Server struct {
	facade   *Facade
	opts     ServerOptions
	logger   *slog.Logger
	listener net.Listener
	server   *http.Server
}

// NewServer returns a Server answering from f.
func NewServer(f *Facade, opts ServerOptions) *Server {
	if opts.BindHost == "" {
		opts.BindHost = port.DefaultBindHost
	}
	if opts.Scanner == nil {
		opts.Scanner = port.NewScanner()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("facade")
	}
	return &Server{facade: f, opts: opts, logger: logger}
}

// Listen binds addr and returns the bound address, which differs from
// addr when addr asks for port 0. Call Serve afterwards.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on control address %s: %w", addr, err)
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Serve answers requests until ctx is cancelled, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("facade server: Listen was not called")
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("control surface listening", "addr", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("control surface shutdown failed: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("control surface error: %w", err)
	}
}

// Handler returns the router. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/api/port", s.handlePort)
	r.Get("/healthz", s.handleHealthz)

	return r
}

func (s *Server) handlePort(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PortResponse{Port: s.facade.GetAPIPort()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	p := s.facade.GetAPIPort()
	state := model.StateNotStarted
	if s.opts.State != nil {
		state = s.opts.State()
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Port:      p,
		Worker:    state,
		Listening: s.opts.Scanner.IsListening(r.Context(), s.opts.BindHost, p),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
