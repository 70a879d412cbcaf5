package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/chat-relay/chat-relay/internal/config"
	"github.com/chat-relay/chat-relay/internal/registry"
	"github.com/chat-relay/chat-relay/internal/roster"
	"github.com/chat-relay/chat-relay/internal/router"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RelayServer wires dependencies and hosts the websocket relay plus the
// admin endpoints.
type RelayServer struct {
	cfg      config.Config
	log      *zap.Logger
	registry *registry.Registry
	roster   *roster.Roster

	httpSrv   *http.Server
	adminHTTP *http.Server
	ready     atomic.Bool
}

// NewRelayServer constructs a server with its dependencies.
func NewRelayServer(cfg config.Config, logger *zap.Logger, reg *registry.Registry, ros *roster.Roster) *RelayServer {
	if reg == nil {
		reg = registry.New()
	}
	return &RelayServer{
		cfg:      cfg,
		log:      logger,
		registry: reg,
		roster:   ros,
	}
}

// Start boots the relay and blocks until ctx cancellation drives shutdown.
func (s *RelayServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := router.NewMetrics(promReg)
	s.startAdminServer(promReg)

	rt := router.New(s.registry, router.Options{
		EchoToSender: s.cfg.Routing.EchoToSender,
		Metrics:      metrics,
		Log:          s.log.Named("router"),
	})
	hub := NewHub(s.log.Named("hub"), s.registry, rt, s.roster, metrics, s.cfg.WebSocket, s.cfg.Routing)

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Get("/ws", hub.ServeWS)
	if s.roster != nil {
		mux.Route("/api", func(api chi.Router) {
			s.roster.RegisterRoutes(api)
		})
	}

	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening", zap.String("address", s.cfg.ListenAddress))
	s.ready.Store(true)
	err = s.httpSrv.Serve(lis)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

func (s *RelayServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:    s.cfg.AdminAddress,
		Handler: mux,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("graceful shutdown timed out; forcing close", zap.Error(err))
		_ = s.httpSrv.Close()
		return
	}
	s.log.Info("relay stopped")
}
