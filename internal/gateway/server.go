package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conarylabs/mira/internal/config"
	"github.com/conarylabs/mira/internal/memory"
	"github.com/conarylabs/mira/internal/observability"
	"github.com/conarylabs/mira/internal/operations"
)

// Server accepts websocket clients and spins up one Connection per socket.
type Server struct {
	engine        *operations.Engine
	memoryService *memory.Service
	projects      *operations.ProjectStore
	heartbeat     config.HeartbeatConfig
	logger        *observability.Logger
	metrics       *observability.Metrics

	listen   string
	path     string
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer wires the fabric over the engine and memory service.
func NewServer(
	cfg config.ServerConfig,
	heartbeat config.HeartbeatConfig,
	engine *operations.Engine,
	memoryService *memory.Service,
	projects *operations.ProjectStore,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Server {
	path := cfg.Path
	if path == "" {
		path = "/ws"
	}
	return &Server{
		engine:        engine,
		memoryService: memoryService,
		projects:      projects,
		heartbeat:     heartbeatDefaults(heartbeat),
		logger:        logger,
		metrics:       metrics,
		listen:        cfg.Listen,
		path:          path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// A personal assistant binds to loopback; origin gating
			// belongs to the reverse proxy when exposed further.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpSrv = &http.Server{
		Addr:              s.listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	s.logger.Info(ctx, "gateway listening", "addr", s.listen, "path", s.path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	connection := newConnection(socket, s)
	if s.metrics != nil {
		s.metrics.ActiveConnections.Inc()
	}
	// Each connection runs independently; a connection failure never
	// takes the process down.
	go func() {
		defer func() {
			if s.metrics != nil {
				s.metrics.ActiveConnections.Dec()
			}
		}()
		connection.Run(context.Background())
	}()
}
