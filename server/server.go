// Package server exposes the HTTP surface of the RepoRecon backend: a
// liveness probe, the client websocket endpoint and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bt-bridge/reporecon"
	"github.com/bt-bridge/reporecon/config"
	"github.com/bt-bridge/reporecon/live"
	"github.com/bt-bridge/reporecon/metrics"
	"github.com/bt-bridge/reporecon/shared"
	"github.com/bt-bridge/reporecon/tools"
)

// ConnectFunc dials the upstream live session for one client connection.
// Tests substitute a fake; production uses the Gemini Live client.
type ConnectFunc func(ctx context.Context, logger shared.LoggerAdapter, config *live.Config) (reporecon.UpstreamSession, error)

func liveConnect(ctx context.Context, logger shared.LoggerAdapter, config *live.Config) (reporecon.UpstreamSession, error) {
	return live.Connect(ctx, logger, config)
}

type Server struct {
	logger        shared.LoggerAdapter
	config        *config.Config
	metrics       *metrics.Metrics
	registry      *tools.Registry
	live          live.Config
	inputMIMEType string
	connect       ConnectFunc
	upgrader      websocket.Upgrader
	router        chi.Router
}

func NewServer(logger shared.LoggerAdapter, cfg *config.Config, m *metrics.Metrics, registry *tools.Registry, gatherer prometheus.Gatherer, liveConfig live.Config, connect ConnectFunc) (s *Server, err error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if m == nil {
		return nil, shared.ErrNoMetrics
	}
	if registry == nil {
		return nil, shared.ErrNoRegistry
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if connect == nil {
		if liveConfig.APIKey == "" {
			return nil, shared.ErrNoAPIKey
		}
		connect = liveConnect
	}

	s = &Server{
		logger:        logger,
		config:        cfg,
		metrics:       m,
		registry:      registry,
		live:          liveConfig,
		inputMIMEType: cfg.Gemini.InputMIMEType,
		connect:       connect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser frontend is served from a different origin in
			// development, so every origin is accepted.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.Use(s.requestMetrics)
	router.Use(corsAllowAll)
	router.Get("/", s.handleLiveness)
	router.Get("/ws", s.handleWS)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.router = router

	return s, nil
}

// Handler returns the HTTP handler. Exposed so tests can mount it directly.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains within the configured
// shutdown timeout. Websocket bridges observe ctx through their request
// contexts and shut down on their own.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.config.Server.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: s.config.Server.GetReadHeaderTimeout(),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.GetShutdownTimeout())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return <-serveErr
}

type livenessResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, livenessResponse{
		Status:  "ok",
		Message: "RepoRecon backend is running",
	})
}

// handleWS upgrades the client connection, dials the upstream session and
// runs a bridge for the lifetime of the call. Upstream failures close the
// socket; the client sees only the close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	connID := uuid.New().String()
	logger := s.logger.With(zap.String("connection_id", connID))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	logger.Info("client connected", zap.String("remote", r.RemoteAddr))

	liveConfig := s.live
	liveConfig.FunctionDeclarations = s.registry.Declarations()
	session, err := s.connect(r.Context(), logger, &liveConfig)
	if err != nil {
		logger.Error("connecting upstream session failed", err)
		_ = conn.Close()
		return
	}

	bridge, err := reporecon.NewBridge(logger, session, conn, s.registry, s.metrics, s.inputMIMEType)
	if err != nil {
		logger.Error("constructing bridge failed", err)
		_ = session.Close()
		_ = conn.Close()
		return
	}

	// Run logs its own outcome and records the shutdown reason.
	_, _ = bridge.Run(r.Context())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("writing response", zap.Error(err))
	}
}
