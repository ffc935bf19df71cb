package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"permagate/pkg/types"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthProbeTimeout  = 3 * time.Second
	healthProbeInterval = 10 * time.Second
)

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status        string             `json:"status"`
	OriginsOnline int                `json:"origins_online"`
	Origins       []types.OriginNode `json:"origins"`
	Cache         string             `json:"cache"`
	Queue         string             `json:"queue"`
	Timestamp     time.Time          `json:"timestamp"`
}

// Check probes every dependency once.
func (s *Server) Check(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	report := HealthReport{
		Status:    "healthy",
		Cache:     probe(ctx, s.deps.Cache),
		Queue:     probe(ctx, s.deps.Queue),
		Timestamp: time.Now().UTC(),
	}
	if s.deps.Origins != nil {
		report.Origins = s.deps.Origins.Snapshot()
		for _, o := range report.Origins {
			if o.Online {
				report.OriginsOnline++
			}
		}
	}

	switch {
	case report.Cache != "ok":
		report.Status = "unhealthy"
	case report.OriginsOnline == 0 || (report.Queue != "ok" && report.Queue != "disabled"):
		report.Status = "degraded"
	}
	return report
}

func probe(ctx context.Context, p Pinger) string {
	if p == nil {
		return "disabled"
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return "ok"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.Check(r.Context())
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReadiness is ready once content can be served: the cache answers
// and at least one origin is online.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if report := s.Check(r.Context()); report.Status == "unhealthy" || report.OriginsOnline == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

func (s *Server) metricsHandler() http.Handler {
	if s.deps.Gatherer != nil {
		return promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// startHealthServer serves the standard gRPC health service and keeps its
// status in step with Check.
func (s *Server) startHealthServer() error {
	listener, err := net.Listen("tcp", s.cfg.HealthAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HealthAddress, err)
	}
	s.grpcListener = listener

	s.health = health.NewServer()
	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.updateHealth()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(listener); err != nil {
			s.logger.Error("Health server failed", zap.Error(err))
		}
	}()
	go s.healthLoop()

	return nil
}

func (s *Server) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.updateHealth()
		}
	}
}

func (s *Server) updateHealth() {
	report := s.Check(context.Background())
	status := healthpb.HealthCheckResponse_SERVING
	if report.Status == "unhealthy" || report.OriginsOnline == 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus("permagate.Gateway", status)
}
