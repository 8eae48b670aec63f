// Package admin serves metrics, breaker controls and gRPC health.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/sugawarayuuta/sonnet"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mev-protocol/sandwich/internal/submission"
)

// SubmissionService is the health service name tracking the breaker.
const SubmissionService = "submission"

// Breaker is the circuit breaker surface. submission.CircuitBreaker implements it.
type Breaker interface {
	Status() submission.BreakerStatus
	Reset()
	OnChange(fn func(open bool))
}

// Config for the admin server
type Config struct {
	HTTPAddr string
	GRPCAddr string
}

// Server is the operator surface of the node.
type Server struct {
	config  Config
	breaker Breaker
	health  *health.Server
	handler http.Handler

	httpSrv *http.Server
	grpcSrv *grpc.Server
}

// New creates the admin server. The submission health status follows the breaker.
func New(cfg Config, gatherer prometheus.Gatherer, breaker Breaker) *Server {
	s := &Server{
		config:  cfg,
		breaker: breaker,
		health:  health.NewServer(),
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.setSubmission(breaker.Status().Open)
	breaker.OnChange(s.setSubmission)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /breaker", s.handleBreaker)
	mux.HandleFunc("POST /breaker/reset", s.handleReset)
	s.handler = mux
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler { return s.handler }

// Health returns the gRPC health service.
func (s *Server) Health() *health.Server { return s.health }

// Start listens on the configured addresses. Empty addresses are skipped.
func (s *Server) Start(ctx context.Context) error {
	if s.config.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.config.HTTPAddr)
		if err != nil {
			return err
		}
		s.httpSrv = &http.Server{Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Admin HTTP server failed")
			}
		}()
		log.Info().Str("addr", ln.Addr().String()).Msg("Admin HTTP server listening")
	}

	if s.config.GRPCAddr != "" {
		ln, err := net.Listen("tcp", s.config.GRPCAddr)
		if err != nil {
			return err
		}
		s.grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcSrv, s.health)
		go func() {
			if err := s.grpcSrv.Serve(ln); err != nil {
				log.Error().Err(err).Msg("gRPC health server failed")
			}
		}()
		log.Info().Str("addr", ln.Addr().String()).Msg("gRPC health server listening")
	}
	return nil
}

// Stop shuts both servers down.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Admin HTTP server did not stop cleanly")
		}
	}
}

func (s *Server) setSubmission(open bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if open {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(SubmissionService, status)
}

func (s *Server) handleBreaker(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.breaker.Status())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.breaker.Reset()
	log.Warn().Str("remote", r.RemoteAddr).Msg("Circuit breaker reset by operator")
	writeJSON(w, http.StatusOK, s.breaker.Status())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	body, err := sonnet.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}
