package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/anomaly"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/config"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/export"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/fanout"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/httpapi"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/observability"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/schedule"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/server"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/session"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/sqldb"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/stream"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startedAt := time.Now().UTC()
	clk := clock.RealClock{}

	cfg, err := config.Load(envOr("LEDGER_CONFIG_FILE", ""))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("configure tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := observability.NewMetrics(reg)

	tlsCfg, err := config.BuildTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}

	dialect, err := sqldb.ParseDialect(cfg.Database.Dialect)
	if err != nil {
		return err
	}
	db, err := sqldb.Open(ctx, dialect, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	ledgerStore := ledger.NewSQLStore(db, dialect)
	anomalyStore := anomaly.NewSQLStore(db, dialect)
	sessionStore := session.NewSQLStore(db, dialect)
	streamStore := stream.NewSQLConfigStore(db, dialect)
	for name, migrate := range map[string]func(context.Context) error{
		"ledger":        ledgerStore.Migrate,
		"anomaly":       anomalyStore.Migrate,
		"sessions":      sessionStore.Migrate,
		"stream_config": streamStore.Migrate,
	} {
		if err := migrate(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}

	keys, devKeys, err := cfg.Signing.KeyRing()
	if err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}
	if devKeys {
		logger.Warn("using the development signing key; configure signing.private_ring for production")
	}

	writer := ledger.NewWriter(ledgerStore, keys, cfg.Writer,
		ledger.WithClock(clk), ledger.WithLogger(logger), ledger.WithMetrics(m))
	tamper := ledger.NewTamperRegistry()
	verifier := ledger.NewVerifier(ledgerStore, keys, tamper, clk, m, logger)
	detector := anomaly.NewDetector(cfg.Anomaly, anomalyStore, clk, m, logger)
	aggregator := metrics.NewAggregator(cfg.Metrics, ledgerStore, detector, tamper, clk, m, logger)
	recorder := ledger.NewRecorder(ledger.NewNormalizer(clk), writer, aggregator, cfg.Retry, logger)

	sessions := session.NewRegistry(cfg.Sessions, sessionStore, clk, m, logger)
	sessions.SetRecorder(session.LedgerRecorder{Recorder: recorder})
	loaded, err := sessions.Load(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	logger.Info("sessions loaded", "count", loaded)

	var publisher stream.Publisher
	if cfg.Stream.Enabled {
		client, err := stream.NewRedisClient(ctx, cfg.Stream.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		publisher = stream.NewRedisPublisher(client, cfg.Stream.Redis, logger)
	}
	subscriptions := stream.NewSubscriptions(streamStore, publisher, clk, m, logger)

	dispatcher := fanout.NewDispatcher(
		fanout.NewConsumer("anomaly", ledgerStore, detector.Handle, cfg.Fanout, m, logger),
		fanout.NewConsumer("metrics", ledgerStore, aggregator.Handle, cfg.Fanout, m, logger),
		fanout.NewConsumer("sessions", ledgerStore, sessions.Observe, cfg.Fanout, m, logger),
		fanout.NewConsumer("stream", ledgerStore, subscriptions.Handle, cfg.Fanout, m, logger),
	)
	writer.Subscribe(dispatcher)
	go dispatcher.Run(ctx)

	if report, err := aggregator.Reconcile(ctx); err != nil {
		logger.Error("initial metrics reconcile failed", "error", err)
	} else {
		logger.Info("metrics reconciled", "orgs", report.Orgs)
	}

	keyset, err := cfg.Auth.Keyset()
	if err != nil {
		return fmt.Errorf("load jwt keyset: %w", err)
	}
	authenticator := auth.NewAuthenticator(auth.NewJWTVerifierWithKeyset(keyset), sessions)

	grpcServer, _, integrityHealth := server.NewGRPC(tlsCfg, authenticator, logger)
	sweeper := ledger.NewSweeper(verifier, ledger.LogAlertSink{Logger: logger}, integrityHealth, m, logger)

	scheduler := schedule.New(logger)
	tasks := maintenance{sweeper: sweeper, verifier: verifier, aggregator: aggregator, sessions: sessions}
	for _, job := range maintenanceJobs(cfg.Schedule, cfg.Retention, tasks) {
		if err := scheduler.Add(job); err != nil {
			return err
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	guard, err := httpapi.NewIngestGuard(cfg.Ingest.TrustedCIDRs, clk, m, logger)
	if err != nil {
		return fmt.Errorf("configure ingest guard: %w", err)
	}
	if err := guard.RequireToken(cfg.Ingest.TokenHash); err != nil {
		return err
	}
	api := httpapi.New(httpapi.Deps{
		Auth:      authenticator,
		Recorder:  recorder,
		Verifier:  verifier,
		Query:     export.NewService(ledgerStore, verifier, clk, m, logger),
		Sessions:  sessions,
		Detector:  detector,
		Metrics:   aggregator,
		Streams:   subscriptions,
		Guard:     guard,
		Limiter:   httpapi.NewOrgLimiter(cfg.RateLimit.ExportPerMinute, cfg.RateLimit.ExportBurst),
		Gatherer:  reg,
		Clock:     clk,
		Logger:    logger,
		Readiness: dbReady(db),
		System:    server.System{StartedAt: startedAt, Clock: clk, Version: cfg.Version},
	})

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("grpc listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("grpc server stopped", "error", err)
		}
	}()
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr, "tls", tlsCfg != nil)
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcServer.GracefulStop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	return nil
}

// maintenance holds the services the scheduled jobs drive.
type maintenance struct {
	sweeper    *ledger.Sweeper
	verifier   *ledger.Verifier
	aggregator *metrics.Aggregator
	sessions   *session.Registry
}

func maintenanceJobs(s config.ScheduleConfig, r config.RetentionConfig, tasks maintenance) []schedule.Job {
	var jobs []schedule.Job
	if s.Sweep != "" {
		jobs = append(jobs, schedule.Job{Name: "integrity_sweep", Spec: s.Sweep, Timeout: 30 * time.Minute, Run: func(ctx context.Context) error {
			_, err := tasks.sweeper.Sweep(ctx)
			return err
		}})
	}
	if s.Reconcile != "" {
		jobs = append(jobs, schedule.Job{Name: "metrics_reconcile", Spec: s.Reconcile, Run: func(ctx context.Context) error {
			_, err := tasks.aggregator.Reconcile(ctx)
			return err
		}})
	}
	if s.Purge != "" {
		jobs = append(jobs, schedule.Job{Name: "session_purge", Spec: s.Purge, Run: func(ctx context.Context) error {
			_, err := tasks.sessions.PurgeExpired(ctx)
			return err
		}})
	}
	if s.Archive != "" && r.KeepEntries > 0 {
		keep := int64(r.KeepEntries)
		jobs = append(jobs, schedule.Job{Name: "ledger_archive", Spec: s.Archive, Timeout: 30 * time.Minute, Run: func(ctx context.Context) error {
			_, err := tasks.verifier.ApplyRetention(ctx, keep)
			return err
		}})
	}
	return jobs
}

func dbReady(db *sql.DB) func() bool {
	return func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return db.PingContext(ctx) == nil
	}
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
