// Package server runs the process-level listeners: the REST API with its
// health probes, and a gRPC endpoint exposing the standard health service.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lattice-storage/lattice/internal/api"
	"github.com/lattice-storage/lattice/internal/config"
	"github.com/lattice-storage/lattice/internal/engine"
	"github.com/lattice-storage/lattice/internal/logging"
)

// Server owns the HTTP and gRPC listeners.
type Server struct {
	config     *config.Config
	engine     *engine.Engine
	logger     logging.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	wg         sync.WaitGroup
}

// New creates a server around an opened engine.
func New(cfg *config.Config, eng *engine.Engine, logger logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.GetLogger().Named("server")
	}
	return &Server{
		config: cfg,
		engine: eng,
		logger: logger,
	}, nil
}

// Start brings up the listeners. It returns once both are accepting.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting lattice server",
		zap.String("version", s.config.Telemetry.ServiceVersion),
		zap.Int("http_port", s.config.Server.Port),
		zap.Int("grpc_port", s.config.Server.GRPCPort),
	)

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startGRPCServer(); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	s.logger.Info(ctx, "Server started successfully")
	return nil
}

// Stop drains the listeners and waits for the serve goroutines.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info(ctx, "Stopping server...")

	if s.health != nil {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(ctx, "Failed to shutdown HTTP server", zap.Error(err))
		}
	}

	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	s.wg.Wait()

	s.logger.Info(ctx, "Server stopped")
	return nil
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      s.buildRouter(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error(context.Background(), "HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// buildRouter mounts the API under /v1 behind logging and per-client rate
// limiting. The probe endpoints stay outside the middleware so they are
// never throttled.
func (s *Server) buildRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.healthHandler).Methods("GET")
	router.HandleFunc("/ready", s.readinessHandler).Methods("GET")

	limiter := api.NewRateLimiter(rate.Limit(s.config.Server.RateLimit), s.config.Server.RateBurst)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(api.LoggingMiddleware(s.logger), api.RateLimitMiddleware(limiter))
	api.NewHandler(s.engine, s.logger).RegisterRoutes(v1)

	return router
}

func (s *Server) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port: %w", err)
	}

	s.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(loggingInterceptor(s.logger)),
	)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error(context.Background(), "gRPC server error", zap.Error(err))
		}
	}()

	return nil
}

// healthHandler reports liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"lattice"}`))
}

// readinessHandler reports readiness. The engine loads every group before
// the server starts, so a reachable engine means the store is usable.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready","service":"lattice"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ready","service":"lattice","groups":%d}`, len(s.engine.Names()))
}

// loggingInterceptor logs each unary gRPC call with its latency.
func loggingInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		duration := time.Since(start)

		if err != nil {
			logger.Error(ctx, "gRPC request failed",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
		} else {
			logger.Info(ctx, "gRPC request completed",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", duration),
			)
		}

		return resp, err
	}
}
