// Package server hosts the gRPC side of ledgerd: health, including the
// integrity status of every chain, behind the bearer-session interceptor.
package server

import (
	"crypto/tls"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
)

// IntegrityService is the health service name reporting chain integrity.
const IntegrityService = "auditledger.v1.Integrity"

var healthMethods = []string{
	"/grpc.health.v1.Health/Check",
	"/grpc.health.v1.Health/Watch",
	"/grpc.health.v1.Health/List",
}

// IntegrityHealth mirrors sweep outcomes into the gRPC health server.
type IntegrityHealth struct {
	hs     *health.Server
	logger *slog.Logger
}

func (h *IntegrityHealth) SetIntegrityServing(ok bool) {
	status := healthv1.HealthCheckResponse_SERVING
	if !ok {
		status = healthv1.HealthCheckResponse_NOT_SERVING
		h.logger.Warn("integrity health degraded")
	}
	h.hs.SetServingStatus(IntegrityService, status)
}

// NewGRPC builds the gRPC server. Health methods skip authentication; any
// other registered service requires a live session.
func NewGRPC(tlsCfg *tls.Config, authenticator *auth.Authenticator, logger *slog.Logger) (*grpc.Server, *health.Server, *IntegrityHealth) {
	opts := make([]grpc.ServerOption, 0, 2)
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	if authenticator != nil {
		opts = append(opts, grpc.UnaryInterceptor(auth.UnaryInterceptor(authenticator, healthMethods)))
	}
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthv1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(IntegrityService, healthv1.HealthCheckResponse_SERVING)
	healthv1.RegisterHealthServer(srv, hs)
	return srv, hs, &IntegrityHealth{hs: hs, logger: logging.OrDiscard(logger).With("component", "grpc")}
}
